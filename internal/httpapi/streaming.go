package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/streaming"
)

const (
	subscriberBuffer = 256
	sseHeartbeat     = 15 * time.Second
)

// StreamingHandler serves SSE and websocket endpoints for run events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger.With(zap.String("component", "stream"))}
}

// RegisterRoutes registers the stream routes on mux, each passed through
// wrap when it is not nil.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux, wrap func(route string, next http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(_ string, next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /stream/sse", wrap("GET /stream/sse", http.HandlerFunc(h.handleSSE)))
	mux.Handle("GET /stream/ws", wrap("GET /stream/ws", http.HandlerFunc(h.handleWS)))
}

type streamParams struct {
	runID   string
	types   map[string]struct{}
	afterID uint64
}

func (p streamParams) wants(ev streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[ev.Type]
	return ok
}

// parseStreamParams reads workflow_id, the optional comma-separated types
// filter and the replay cursor (Last-Event-ID header or last_event_id).
func parseStreamParams(r *http.Request) (streamParams, bool) {
	q := r.URL.Query()
	p := streamParams{runID: q.Get("workflow_id"), types: map[string]struct{}{}}
	if p.runID == "" {
		return p, false
	}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.afterID = n
		}
	}
	if v := q.Get("last_event_id"); v != "" && p.afterID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.afterID = n
		}
	}
	return p, true
}

// handleSSE streams events for a run via Server-Sent Events. The stream
// replays buffered history first and ends after a terminal event.
// GET /stream/sse?workflow_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "workflow_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost.
	ch := h.mgr.Subscribe(p.runID, subscriberBuffer)
	defer h.mgr.Unsubscribe(p.runID, ch)

	fmt.Fprintf(w, ": connected to workflow %s\n\n", p.runID)
	flusher.Flush()

	last := p.afterID
	for _, ev := range h.mgr.ReplaySince(p.runID, p.afterID) {
		last = ev.Seq
		if p.wants(ev) {
			writeSSE(w, ev)
		}
		if ev.IsTerminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("workflow_id", p.runID))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if p.wants(ev) {
				writeSSE(w, ev)
				flusher.Flush()
			}
			if ev.IsTerminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
