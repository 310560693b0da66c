package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hensu-project/hensu-sub002/engine"
	"github.com/hensu-project/hensu-sub002/store"
)

// startRequest is the body for POST /executions.
type startRequest struct {
	WorkflowID  string         `json:"workflow_id" binding:"required"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// resumeRequest is the body for POST /executions/{id}/resume. Action defaults
// to APPROVE.
type resumeRequest struct {
	Action           string         `json:"action,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	TargetNode       string         `json:"target_node,omitempty"`
	ContextOverrides map[string]any `json:"context_overrides,omitempty"`
}

// executionResponse is the wire form of an execution outcome.
type executionResponse struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Outcome     string         `json:"outcome"`
	ExitStatus  string         `json:"exit_status,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CurrentNode string         `json:"current_node"`
	Context     map[string]any `json:"context,omitempty"`
}

// startExecution runs a workflow synchronously and returns its outcome. The
// execution ID is caller-supplied or generated; the server does not
// deduplicate concurrent starts with the same ID.
func (s *Server) startExecution(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenant := tenantID(c)

	wf, err := s.workflows.FindByID(c.Request.Context(), tenant, req.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	result := s.exec.Execute(c.Request.Context(), engine.TenantContext{TenantID: tenant}, wf, executionID, req.Context)
	c.JSON(http.StatusOK, resultResponse(executionID, wf.ID, result))
}

// resumeExecution applies a review decision to a paused execution and runs it
// forward.
func (s *Server) resumeExecution(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenant := tenantID(c)
	executionID := c.Param("id")

	snap, err := s.states.FindByExecutionID(c.Request.Context(), tenant, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap.Reason.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "execution already terminated: " + string(snap.Reason)})
		return
	}

	wf, err := s.workflows.FindByID(c.Request.Context(), tenant, snap.WorkflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workflow for execution not found: " + err.Error()})
		return
	}

	decision := engine.ReviewDecision{
		Action:           engine.ReviewApprove,
		Reason:           req.Reason,
		TargetNode:       req.TargetNode,
		ContextOverrides: req.ContextOverrides,
	}
	if req.Action != "" {
		decision.Action = engine.ReviewAction(strings.ToUpper(req.Action))
	}

	result := s.exec.Resume(c.Request.Context(), engine.TenantContext{TenantID: tenant}, wf, snap, decision)
	c.JSON(http.StatusOK, resultResponse(executionID, snap.WorkflowID, result))
}

// getExecution returns the latest snapshot of an execution.
func (s *Server) getExecution(c *gin.Context) {
	snap, err := s.states.FindByExecutionID(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// listExecutions lists snapshots for a workflow (?workflow_id=) or all paused
// executions (?paused=true).
func (s *Server) listExecutions(c *gin.Context) {
	tenant := tenantID(c)
	var (
		snaps []engine.Snapshot
		err   error
	)
	switch {
	case c.Query("paused") == "true":
		snaps, err = s.states.FindPaused(c.Request.Context(), tenant)
	case c.Query("workflow_id") != "":
		snaps, err = s.states.FindByWorkflowID(c.Request.Context(), tenant, c.Query("workflow_id"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow_id or paused=true query required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": snaps})
}

func resultResponse(executionID, workflowID string, result engine.ExecutionResult) executionResponse {
	resp := executionResponse{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Outcome:     string(result.Outcome),
		ExitStatus:  string(result.ExitStatus),
		Reason:      result.Reason,
	}
	if result.State != nil {
		resp.CurrentNode = result.State.CurrentNode
		resp.Context = result.State.Context
	}
	return resp
}
