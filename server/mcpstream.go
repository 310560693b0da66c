package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// mcpStream establishes the tenant's outbound tool-request channel as a
// server-sent event stream. One JSON-RPC frame per event; a reconnect
// replaces the previous stream.
func (s *Server) mcpStream(c *gin.Context) {
	tenant := tenantID(c)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	frames, disconnect := s.hub.Connect(tenant)
	defer disconnect()

	fmt.Fprintf(w, "event: connected\ndata: {\"tenant\":%q}\n\n", tenant)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				// Replaced by a newer connection.
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// mcpResponse receives a JSON-RPC response frame from the tenant's client
// and delivers it to the waiting tool call. Unknown IDs are dropped without
// error.
func (s *Server) mcpResponse(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	if err := s.hub.HandleResponse(tenantID(c), body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
