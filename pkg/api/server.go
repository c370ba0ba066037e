// Package api serves the management surface: health and readiness probes,
// the operational status snapshot, agent CRUD, execution browsing, manual
// enqueue, DLQ inspection and replay, and the Prometheus metrics endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/runtime"
)

// Engine is the runtime subset the API drives.
type Engine interface {
	Ready(ctx context.Context) error
	Status(ctx context.Context) *runtime.Status
	EnqueueManual(ctx context.Context, agentID string, documentID any) (*models.WorkItem, error)
	ListDLQ(ctx context.Context, agentID string, limit int64) ([]queue.DLQEntry, error)
	ReplayDLQ(ctx context.Context, agentID string, limit int64) (int, error)
	ReleaseQuarantine(agentID string) bool
	ForgetAgent(agentID string)
	RefreshAgents(ctx context.Context)
}

// AgentStore is the definition store subset behind the CRUD handlers.
type AgentStore interface {
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context, enabledOnly bool) ([]*models.Agent, error)
	Upsert(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// ExecutionReader browses the ledger.
type ExecutionReader interface {
	ListByAgent(ctx context.Context, agentID string, limit int64) ([]*models.Execution, error)
}

// Server holds the handler dependencies.
type Server struct {
	engine     Engine
	agents     AgentStore
	executions ExecutionReader
	metrics    http.Handler
}

// NewServer builds the API server. The metrics handler may be nil, which
// disables the /metrics route.
func NewServer(engine Engine, agents AgentStore, executions ExecutionReader, metrics http.Handler) *Server {
	return &Server{
		engine:     engine,
		agents:     agents,
		executions: executions,
		metrics:    metrics,
	}
}

// Router assembles the gin engine with middleware and every route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), recovery())

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.status)

		v1.GET("/agents", s.listAgents)
		v1.POST("/agents", s.upsertAgent)
		v1.GET("/agents/:id", s.getAgent)
		v1.PUT("/agents/:id", s.upsertAgent)
		v1.DELETE("/agents/:id", s.deleteAgent)
		v1.POST("/agents/:id/enable", s.setEnabled(true))
		v1.POST("/agents/:id/disable", s.setEnabled(false))

		v1.GET("/agents/:id/executions", s.listExecutions)
		v1.POST("/agents/:id/enqueue", s.enqueue)
		v1.GET("/agents/:id/dlq", s.listDLQ)
		v1.POST("/agents/:id/dlq/replay", s.replayDLQ)
		v1.POST("/agents/:id/quarantine/release", s.releaseQuarantine)
	}
	return r
}

// HTTPServer wraps the router in an http.Server with the configured timeouts.
func (s *Server) HTTPServer(cfg *config.APIConfig) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Std(),
	}
}
