package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/pipeline"
	"github.com/Kocoro-lab/research-orchestrator/internal/workflow"
)

type fakeService struct {
	mu       sync.Mutex
	states   map[string]models.WorkflowState
	docs     map[string]*models.Document
	results  map[string]models.ResearchResult
	executed chan string
	startErr error
}

func newFakeService() *fakeService {
	return &fakeService{
		states:   map[string]models.WorkflowState{},
		docs:     map[string]*models.Document{},
		results:  map[string]models.ResearchResult{},
		executed: make(chan string, 4),
	}
}

func (f *fakeService) StartWorkflow(_ context.Context, query string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "run-new"
	f.states[id] = models.WorkflowState{RunID: id, Query: query, Status: models.StatusPlanning}
	return id, nil
}

func (f *fakeService) ExecuteWorkflow(_ context.Context, runID string) (*models.Document, error) {
	f.executed <- runID
	return nil, nil
}

func (f *fakeService) GetStatus(runID string) (models.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[runID]
	if !ok {
		return models.WorkflowState{}, workflow.ErrRunNotFound
	}
	return s, nil
}

func (f *fakeService) ListRuns() []models.RunSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RunSummary
	for _, s := range f.states {
		out = append(out, s.Summary())
	}
	return out
}

func (f *fakeService) GetDocument(runID string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[runID]; !ok {
		return nil, workflow.ErrRunNotFound
	}
	doc, ok := f.docs[runID]
	if !ok {
		return nil, workflow.ErrDocumentNotReady
	}
	return doc, nil
}

func (f *fakeService) GetTaskResult(taskID string) (models.ResearchResult, bool) {
	r, ok := f.results[taskID]
	return r, ok
}

func (f *fakeService) CancelWorkflow(runID string) error {
	s, err := f.GetStatus(runID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return workflow.ErrRunFinished
	}
	return nil
}

type fakeQuick struct{ err error }

func (q fakeQuick) Research(_ context.Context, query string) (*pipeline.Output, error) {
	if q.err != nil {
		return nil, q.err
	}
	return &pipeline.Output{Query: query, Summary: "short summary"}, nil
}

type fakeArchive struct {
	states map[string]models.WorkflowState
	docs   map[string]*models.Document
}

func (a fakeArchive) GetRun(_ context.Context, id string) (models.WorkflowState, error) {
	s, ok := a.states[id]
	if !ok {
		return models.WorkflowState{}, errors.New("missing")
	}
	return s, nil
}

func (a fakeArchive) GetDocument(_ context.Context, id string) (*models.Document, error) {
	d, ok := a.docs[id]
	if !ok {
		return nil, errors.New("missing")
	}
	return d, nil
}

func newTestMux(t *testing.T, svc *fakeService, opts ...HandlerOption) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewResearchHandler(context.Background(), svc, zaptest.NewLogger(t), opts...).RegisterRoutes(mux, nil)
	return mux
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestCreateStartsRunInBackground(t *testing.T) {
	svc := newFakeService()
	mux := newTestMux(t, svc)

	rec := do(t, mux, http.MethodPost, "/api/v1/research", `{"query":"EU AI act"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-new", resp.RunID)
	assert.Equal(t, models.StatusPlanning, resp.Status)

	select {
	case id := <-svc.executed:
		assert.Equal(t, "run-new", id)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow was not executed")
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	mux := newTestMux(t, newFakeService())

	rec := do(t, mux, http.MethodPost, "/api/v1/research", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "query is required", errorBody(t, rec))

	rec = do(t, mux, http.MethodPost, "/api/v1/research", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPut, "/api/v1/research", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusAndList(t *testing.T) {
	svc := newFakeService()
	svc.states["r1"] = models.WorkflowState{RunID: "r1", Query: "q", Status: models.StatusResearching}
	mux := newTestMux(t, svc)

	rec := do(t, mux, http.MethodGet, "/api/v1/research/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state models.WorkflowState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, models.StatusResearching, state.Status)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/research", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestDocumentStates(t *testing.T) {
	svc := newFakeService()
	svc.states["pending"] = models.WorkflowState{RunID: "pending", Status: models.StatusResearching}
	svc.states["done"] = models.WorkflowState{RunID: "done", Status: models.StatusCompleted}
	svc.docs["done"] = &models.Document{
		ID:       "doc-1",
		Metadata: models.DocumentMetadata{Title: "Report"},
		Sections: []models.DocumentSection{{Title: "Intro", Content: "Hello", Level: 1}},
	}
	mux := newTestMux(t, svc)

	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodGet, "/api/v1/research/pending/document", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/v1/research/nope/document", "").Code)

	rec := do(t, mux, http.MethodGet, "/api/v1/research/done/document", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "doc-1", doc.ID)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/done/document?format=markdown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# Report"))
}

func TestArchiveFallback(t *testing.T) {
	archive := fakeArchive{
		states: map[string]models.WorkflowState{
			"old":     {RunID: "old", Status: models.StatusCompleted},
			"old-bad": {RunID: "old-bad", Status: models.StatusFailed},
		},
		docs: map[string]*models.Document{"old": {ID: "doc-old"}},
	}
	mux := newTestMux(t, newFakeService(), WithArchives(archive))

	rec := do(t, mux, http.MethodGet, "/api/v1/research/old", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/old/document", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "doc-old")

	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodGet, "/api/v1/research/old-bad/document", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/v1/research/never/document", "").Code)
}

func TestCancel(t *testing.T) {
	svc := newFakeService()
	svc.states["live"] = models.WorkflowState{RunID: "live", Status: models.StatusResearching}
	svc.states["done"] = models.WorkflowState{RunID: "done", Status: models.StatusCompleted}
	mux := newTestMux(t, svc)

	assert.Equal(t, http.StatusAccepted, do(t, mux, http.MethodPost, "/api/v1/research/live/cancel", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodPost, "/api/v1/research/done/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodPost, "/api/v1/research/nope/cancel", "").Code)
}

func TestTaskResult(t *testing.T) {
	svc := newFakeService()
	svc.results["t1"] = models.ResearchResult{TaskID: "t1", Confidence: 0.7}
	mux := newTestMux(t, svc)

	rec := do(t, mux, http.MethodGet, "/api/v1/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"t1"`)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/v1/tasks/t2", "").Code)
}

func TestQuickResearch(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		mux := newTestMux(t, newFakeService())
		assert.Equal(t, http.StatusNotImplemented, do(t, mux, http.MethodPost, "/api/v1/quick-research", `{"query":"q"}`).Code)
	})

	t.Run("json and markdown", func(t *testing.T) {
		mux := newTestMux(t, newFakeService(), WithQuickResearch(fakeQuick{}))
		rec := do(t, mux, http.MethodPost, "/api/v1/quick-research", `{"query":"NIS2"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		var out pipeline.Output
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "short summary", out.Summary)

		rec = do(t, mux, http.MethodPost, "/api/v1/quick-research?format=markdown", `{"query":"NIS2"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "# Quick research: NIS2")
	})

	t.Run("errors", func(t *testing.T) {
		mux := newTestMux(t, newFakeService(), WithQuickResearch(fakeQuick{err: errors.New("boom")}))
		rec := do(t, mux, http.MethodPost, "/api/v1/quick-research", `{"query":"NIS2"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "boom", errorBody(t, rec))
	})
}

func TestInstrumentWrapsEveryRoute(t *testing.T) {
	svc := newFakeService()
	mux := http.NewServeMux()
	var seen []string
	NewResearchHandler(context.Background(), svc, zaptest.NewLogger(t)).RegisterRoutes(mux, func(route string, next http.Handler) http.Handler {
		seen = append(seen, route)
		return Instrument(route, zaptest.NewLogger(t), next)
	})
	assert.Contains(t, seen, "GET /api/v1/research/{id}/document")
	assert.Len(t, seen, 7)

	rec := do(t, mux, http.MethodGet, "/api/v1/research/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
