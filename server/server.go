// Package server exposes the workflow engine over HTTP: workflow CRUD,
// execution start/resume, the MCP split-pipe stream endpoints, health, and
// metrics.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hensu-project/hensu-sub002/engine"
	"github.com/hensu-project/hensu-sub002/mcp"
	"github.com/hensu-project/hensu-sub002/store"
)

// tenantKey is the gin context key holding the authenticated tenant ID.
const tenantKey = "tenant"

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Tokens maps bearer tokens to tenant IDs. Tenant identity is derived
	// from the token before any engine call.
	Tokens map[string]string
}

// Server wires the engine, stores, and transport hub behind a gin router.
type Server struct {
	cfg       Config
	router    *gin.Engine
	workflows store.WorkflowRepository
	states    store.StateRepository
	exec      *engine.Executor
	hub       *mcp.Hub
}

// New builds the server and its routes. The metrics registry may be nil to
// disable the /metrics endpoint.
func New(cfg Config, workflows store.WorkflowRepository, states store.StateRepository, exec *engine.Executor, hub *mcp.Hub, metrics *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		router:    router,
		workflows: workflows,
		states:    states,
		exec:      exec,
		hub:       hub,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))
	}

	authed := router.Group("/", s.authenticate)
	authed.POST("/workflows", s.pushWorkflow)
	authed.GET("/workflows", s.listWorkflows)
	authed.GET("/workflows/:id", s.getWorkflow)
	authed.DELETE("/workflows/:id", s.deleteWorkflow)

	authed.POST("/executions", s.startExecution)
	authed.GET("/executions", s.listExecutions)
	authed.GET("/executions/:id", s.getExecution)
	authed.POST("/executions/:id/resume", s.resumeExecution)

	authed.GET("/mcp/stream", s.mcpStream)
	authed.POST("/mcp/response", s.mcpResponse)

	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server on the configured address.
func (s *Server) ListenAndServe() error {
	return s.router.Run(s.cfg.Addr)
}

// authenticate resolves the bearer token to a tenant ID and stores it in the
// request context.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	tenant, ok := s.cfg.Tokens[token]
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(tenantKey, tenant)
	c.Next()
}

// tenantID returns the authenticated tenant for the request.
func tenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}
