package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/runtime"
	"github.com/mongoclaw/mongoclaw/pkg/version"
)

// health reports process liveness. It never consults backing stores: a
// degraded dependency must not get the process restarted.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
	})
}

// ready reports readiness: both backing stores must answer.
func (s *Server) ready(c *gin.Context) {
	if err := s.engine.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status(c.Request.Context()))
}

func (s *Server) listAgents(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"
	list, err := s.agents.List(c.Request.Context(), enabledOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// upsertAgent creates or replaces a definition. The store bumps the revision,
// which re-opens idempotency for documents already processed under the old
// definition.
func (s *Server) upsertAgent(c *gin.Context) {
	var agent models.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent definition: " + err.Error()})
		return
	}
	if id := c.Param("id"); id != "" {
		agent.ID = id
	}

	saved, err := s.agents.Upsert(c.Request.Context(), &agent)
	if err != nil {
		var verr *agents.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.engine.RefreshAgents(c.Request.Context())
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.agents.Delete(c.Request.Context(), id); err != nil {
		s.agentError(c, err)
		return
	}
	s.engine.ForgetAgent(id)
	s.engine.RefreshAgents(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.agents.SetEnabled(c.Request.Context(), id, enabled); err != nil {
			s.agentError(c, err)
			return
		}
		s.engine.RefreshAgents(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
	}
}

func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.executions.ListByAgent(c.Request.Context(), c.Param("id"), limitQuery(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

type enqueueRequest struct {
	DocumentID any `json:"document_id" binding:"required"`
}

// enqueue submits one document to an agent directly, bypassing filter
// matching. The admission gates and idempotency check still apply downstream.
func (s *Server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_id is required"})
		return
	}

	item, err := s.engine.EnqueueManual(c.Request.Context(), c.Param("id"), req.DocumentID)
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrAgentNotFound), errors.Is(err, runtime.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"item": item})
}

func (s *Server) listDLQ(c *gin.Context) {
	entries, err := s.engine.ListDLQ(c.Request.Context(), c.Param("id"), limitQuery(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type replayRequest struct {
	Limit int64 `json:"limit"`
}

func (s *Server) replayDLQ(c *gin.Context) {
	var req replayRequest
	_ = c.ShouldBindJSON(&req)
	if req.Limit <= 0 {
		req.Limit = 50
	}

	replayed, err := s.engine.ReplayDLQ(c.Request.Context(), c.Param("id"), req.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "replayed": replayed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}

func (s *Server) releaseQuarantine(c *gin.Context) {
	id := c.Param("id")
	if !s.engine.ReleaseQuarantine(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent is not quarantined"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "released": true})
}

func (s *Server) agentError(c *gin.Context, err error) {
	if errors.Is(err, agents.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func limitQuery(c *gin.Context, def int64) int64 {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
