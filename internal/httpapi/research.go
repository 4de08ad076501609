// Package httpapi serves the research API, progress streams and the
// per-client rate limit in front of them.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/formatting"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/pipeline"
	"github.com/Kocoro-lab/research-orchestrator/internal/workflow"
)

const maxBodyBytes = 1 << 20

// ResearchService is the run registry the handlers drive.
type ResearchService interface {
	StartWorkflow(ctx context.Context, query string) (string, error)
	ExecuteWorkflow(ctx context.Context, runID string) (*models.Document, error)
	GetStatus(runID string) (models.WorkflowState, error)
	ListRuns() []models.RunSummary
	GetDocument(runID string) (*models.Document, error)
	GetTaskResult(taskID string) (models.ResearchResult, bool)
	CancelWorkflow(runID string) error
}

// QuickResearcher runs the single-pass pipeline.
type QuickResearcher interface {
	Research(ctx context.Context, query string) (*pipeline.Output, error)
}

// Archive serves runs that are no longer in the process registry, for
// example after a restart.
type Archive interface {
	GetRun(ctx context.Context, runID string) (models.WorkflowState, error)
	GetDocument(ctx context.Context, runID string) (*models.Document, error)
}

// ResearchHandler serves /api/v1/research.
type ResearchHandler struct {
	svc      ResearchService
	quick    QuickResearcher
	archives []Archive
	// runs outlive the request that started them
	baseCtx context.Context
	logger  *zap.Logger
}

// HandlerOption configures a ResearchHandler.
type HandlerOption func(*ResearchHandler)

// WithQuickResearch enables POST /api/v1/quick-research.
func WithQuickResearch(q QuickResearcher) HandlerOption {
	return func(h *ResearchHandler) { h.quick = q }
}

// WithArchives adds read-only fallbacks for unknown run ids, tried in order.
func WithArchives(as ...Archive) HandlerOption {
	return func(h *ResearchHandler) { h.archives = append(h.archives, as...) }
}

// NewResearchHandler creates the handler. Background runs use baseCtx.
func NewResearchHandler(baseCtx context.Context, svc ResearchService, logger *zap.Logger, opts ...HandlerOption) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ResearchHandler{
		svc:     svc,
		baseCtx: baseCtx,
		logger:  logger.With(zap.String("component", "httpapi")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the research routes. wrap is applied to every
// route; pass nil for none.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux, wrap func(route string, next http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(_ string, next http.Handler) http.Handler { return next }
	}
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/v1/research", h.handleCreate},
		{"GET /api/v1/research", h.handleList},
		{"GET /api/v1/research/{id}", h.handleStatus},
		{"GET /api/v1/research/{id}/document", h.handleDocument},
		{"POST /api/v1/research/{id}/cancel", h.handleCancel},
		{"GET /api/v1/tasks/{id}", h.handleTaskResult},
		{"POST /api/v1/quick-research", h.handleQuickResearch},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, wrap(rt.pattern, rt.handler))
	}
}

type researchRequest struct {
	Query string `json:"query"`
}

type createResponse struct {
	RunID  string                `json:"run_id"`
	Status models.WorkflowStatus `json:"status"`
}

func (h *ResearchHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	runID, err := h.svc.StartWorkflow(r.Context(), req.Query)
	if err != nil {
		h.sendError(w, err)
		return
	}

	go func() {
		if _, err := h.svc.ExecuteWorkflow(h.baseCtx, runID); err != nil {
			h.logger.Warn("Background workflow ended with error",
				zap.String("run_id", runID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, createResponse{RunID: runID, Status: models.StatusPlanning})
}

func (h *ResearchHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListRuns())
}

func (h *ResearchHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := h.svc.GetStatus(id)
	if errors.Is(err, workflow.ErrRunNotFound) {
		state, err = h.archivedRun(r.Context(), id)
	}
	if err != nil {
		h.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *ResearchHandler) handleDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := h.svc.GetDocument(id)
	if errors.Is(err, workflow.ErrRunNotFound) {
		doc, err = h.archivedDocument(r.Context(), id)
	}
	if err != nil {
		h.sendError(w, err)
		return
	}
	if wantsMarkdown(r) {
		writeMarkdown(w, formatting.RenderMarkdown(doc))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.CancelWorkflow(id); err != nil {
		h.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancel_requested"})
}

func (h *ResearchHandler) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	res, ok := h.svc.GetTaskResult(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task result not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ResearchHandler) handleQuickResearch(w http.ResponseWriter, r *http.Request) {
	if h.quick == nil {
		writeError(w, http.StatusNotImplemented, "quick research is not enabled")
		return
	}
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	out, err := h.quick.Research(r.Context(), req.Query)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if wantsMarkdown(r) {
		writeMarkdown(w, out.Markdown())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ResearchHandler) decodeQuery(w http.ResponseWriter, r *http.Request) (researchRequest, bool) {
	var req researchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return req, false
	}
	return req, true
}

func (h *ResearchHandler) archivedRun(ctx context.Context, id string) (models.WorkflowState, error) {
	for _, a := range h.archives {
		if state, err := a.GetRun(ctx, id); err == nil {
			return state, nil
		}
	}
	return models.WorkflowState{}, workflow.ErrRunNotFound
}

func (h *ResearchHandler) archivedDocument(ctx context.Context, id string) (*models.Document, error) {
	found := false
	for _, a := range h.archives {
		if doc, err := a.GetDocument(ctx, id); err == nil {
			return doc, nil
		}
		if _, err := a.GetRun(ctx, id); err == nil {
			found = true
		}
	}
	if found {
		return nil, workflow.ErrDocumentNotReady
	}
	return nil, workflow.ErrRunNotFound
}

// sendError maps service errors to status codes.
func (h *ResearchHandler) sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		code = http.StatusNotFound
	case errors.Is(err, workflow.ErrDocumentNotReady),
		errors.Is(err, workflow.ErrRunFinished),
		errors.Is(err, workflow.ErrRunInProgress):
		code = http.StatusConflict
	case errors.Is(err, workflow.ErrEmptyQuery), errors.Is(err, pipeline.ErrEmptyQuery):
		code = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func wantsMarkdown(r *http.Request) bool {
	if r.URL.Query().Get("format") == "markdown" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/markdown")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeMarkdown(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
