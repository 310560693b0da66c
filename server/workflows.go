package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hensu-project/hensu-sub002/engine"
	"github.com/hensu-project/hensu-sub002/store"
)

// pushWorkflow upserts a workflow definition. The body is the workflow JSON
// produced by the definition compiler; validation runs before storage.
func (s *Server) pushWorkflow(c *gin.Context) {
	var wf engine.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow JSON: " + err.Error()})
		return
	}
	if err := s.workflows.Save(c.Request.Context(), tenantID(c), &wf); err != nil {
		var defErr *engine.DefinitionError
		if errors.As(err, &defErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": defErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": wf.ID, "version": wf.Version})
}

func (s *Server) listWorkflows(c *gin.Context) {
	wfs, err := s.workflows.FindAll(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	summaries := make([]gin.H, 0, len(wfs))
	for _, wf := range wfs {
		summaries = append(summaries, gin.H{"id": wf.ID, "version": wf.Version, "nodes": len(wf.Nodes)})
	}
	c.JSON(http.StatusOK, gin.H{"workflows": summaries})
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.workflows.FindByID(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(c *gin.Context) {
	if err := s.workflows.Delete(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
