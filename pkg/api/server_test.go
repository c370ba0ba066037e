package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/agents"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/runtime"
)

type fakeEngine struct {
	readyErr    error
	status      *runtime.Status
	enqueued    []string
	enqueueErr  error
	dlq         []queue.DLQEntry
	replayed    int
	released    map[string]bool
	forgotten   []string
	refreshed   int
	enqueueItem *models.WorkItem
}

func (e *fakeEngine) Ready(context.Context) error { return e.readyErr }

func (e *fakeEngine) Status(context.Context) *runtime.Status {
	if e.status != nil {
		return e.status
	}
	return &runtime.Status{InstanceID: "test-1"}
}

func (e *fakeEngine) EnqueueManual(_ context.Context, agentID string, _ any) (*models.WorkItem, error) {
	if e.enqueueErr != nil {
		return nil, e.enqueueErr
	}
	e.enqueued = append(e.enqueued, agentID)
	return e.enqueueItem, nil
}

func (e *fakeEngine) ListDLQ(context.Context, string, int64) ([]queue.DLQEntry, error) {
	return e.dlq, nil
}

func (e *fakeEngine) ReplayDLQ(context.Context, string, int64) (int, error) {
	return e.replayed, nil
}

func (e *fakeEngine) ReleaseQuarantine(agentID string) bool { return e.released[agentID] }

func (e *fakeEngine) ForgetAgent(agentID string) { e.forgotten = append(e.forgotten, agentID) }

func (e *fakeEngine) RefreshAgents(context.Context) { e.refreshed++ }

// fakeStore validates like the real store so handler error mapping is
// exercised end to end.
type fakeStore struct {
	defs map[string]*models.Agent
}

func newFakeStore() *fakeStore { return &fakeStore{defs: map[string]*models.Agent{}} }

func (s *fakeStore) Get(_ context.Context, id string) (*models.Agent, error) {
	a, ok := s.defs[id]
	if !ok {
		return nil, agents.ErrAgentNotFound
	}
	return a, nil
}

func (s *fakeStore) List(_ context.Context, enabledOnly bool) ([]*models.Agent, error) {
	var out []*models.Agent
	for _, a := range s.defs {
		if enabledOnly && !a.Enabled {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) Upsert(_ context.Context, agent *models.Agent) (*models.Agent, error) {
	if err := agents.Validate(agent); err != nil {
		return nil, err
	}
	if existing, ok := s.defs[agent.ID]; ok {
		agent.Revision = existing.Revision + 1
	} else {
		agent.Revision = 1
	}
	s.defs[agent.ID] = agent
	return agent, nil
}

func (s *fakeStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	a, ok := s.defs[id]
	if !ok {
		return agents.ErrAgentNotFound
	}
	a.Enabled = enabled
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	if _, ok := s.defs[id]; !ok {
		return agents.ErrAgentNotFound
	}
	delete(s.defs, id)
	return nil
}

type fakeExecutions struct {
	execs []*models.Execution
}

func (f *fakeExecutions) ListByAgent(context.Context, string, int64) ([]*models.Execution, error) {
	return f.execs, nil
}

func apiAgent() *models.Agent {
	return &models.Agent{
		ID:      "classify",
		Name:    "Ticket classifier",
		Enabled: true,
		Watch: models.WatchSpec{
			Database:   "support",
			Collection: "tickets",
			Operations: []models.ChangeOperation{models.OperationInsert},
		},
		AI: models.AISpec{
			Provider: "anthropic",
			Model:    "claude-haiku-4-5",
			Prompt:   "Categorize: {{document.subject}}",
		},
		Write: models.WriteSpec{
			Strategy:    models.StrategyMerge,
			TargetField: "ai_triage",
		},
		Execution: models.ExecutionSpec{
			MaxRetries: 2,
			Timeout:    models.Millis(30 * time.Second),
		},
	}
}

type testAPI struct {
	engine *fakeEngine
	store  *fakeStore
	router *gin.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	a := &testAPI{
		engine: &fakeEngine{released: map[string]bool{}},
		store:  newFakeStore(),
	}
	a.router = NewServer(a.engine, a.store, &fakeExecutions{}, nil).Router()
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAlwaysOK(t *testing.T) {
	a := newTestAPI(t)
	a.engine.readyErr = errors.New("redis down")

	rec := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsBackingStores(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/ready", nil).Code)

	a.engine.readyErr = errors.New("redis down")
	rec := a.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-1")
}

func TestAgentCRUDLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/agents", apiAgent())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, a.engine.refreshed)

	var saved models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, int64(1), saved.Revision)

	rec = a.do(t, http.MethodGet, "/api/v1/agents/classify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPut, "/api/v1/agents/classify", apiAgent())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, int64(2), saved.Revision, "upsert bumps the revision")

	rec = a.do(t, http.MethodPost, "/api/v1/agents/classify/disable", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, a.store.defs["classify"].Enabled)

	rec = a.do(t, http.MethodDelete, "/api/v1/agents/classify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"classify"}, a.engine.forgotten)

	rec = a.do(t, http.MethodGet, "/api/v1/agents/classify", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertRejectsInvalidDefinition(t *testing.T) {
	a := newTestAPI(t)
	bad := apiAgent()
	bad.AI.Prompt = ""

	rec := a.do(t, http.MethodPost, "/api/v1/agents", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ai.prompt")
	assert.Zero(t, a.engine.refreshed)
}

func TestEnqueueManual(t *testing.T) {
	a := newTestAPI(t)
	a.engine.enqueueItem = &models.WorkItem{ID: "item-1", AgentID: "classify"}

	rec := a.do(t, http.MethodPost, "/api/v1/agents/classify/enqueue",
		map[string]any{"document_id": "doc-1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"classify"}, a.engine.enqueued)

	rec = a.do(t, http.MethodPost, "/api/v1/agents/classify/enqueue", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueMissingTargets(t *testing.T) {
	a := newTestAPI(t)

	a.engine.enqueueErr = agents.ErrAgentNotFound
	rec := a.do(t, http.MethodPost, "/api/v1/agents/nope/enqueue",
		map[string]any{"document_id": "doc-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.engine.enqueueErr = runtime.ErrDocumentNotFound
	rec = a.do(t, http.MethodPost, "/api/v1/agents/classify/enqueue",
		map[string]any{"document_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.engine.dlq = []queue.DLQEntry{{EntryID: "1-0", ErrorTag: "model_5xx"}}
	a.engine.replayed = 1

	rec := a.do(t, http.MethodGet, "/api/v1/agents/classify/dlq", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "model_5xx")

	rec = a.do(t, http.MethodPost, "/api/v1/agents/classify/dlq/replay",
		map[string]any{"limit": 10})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"replayed":1`)
}

func TestReleaseQuarantine(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/agents/classify/quarantine/release", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.engine.released["classify"] = true
	rec = a.do(t, http.MethodPost, "/api/v1/agents/classify/quarantine/release", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAgentsEnabledFilter(t *testing.T) {
	a := newTestAPI(t)
	enabled := apiAgent()
	disabled := apiAgent()
	disabled.ID = "summarize"
	disabled.Enabled = false
	_, err := a.store.Upsert(context.Background(), enabled)
	require.NoError(t, err)
	_, err = a.store.Upsert(context.Background(), disabled)
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/v1/agents?enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agents []*models.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "classify", body.Agents[0].ID)
}
