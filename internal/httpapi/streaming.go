package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathom-engine/fathom/internal/streaming"
)

// StreamingHandler serves SSE and WebSocket endpoints for task events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// handleSSE streams events for one query's task tree via Server-Sent Events.
// GET /stream/sse?task_id=<root task id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, `{"error":"task_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))

	// Last-Event-ID header or query param marks where to replay from.
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(taskID, 256)
	defer h.mgr.Unsubscribe(taskID, ch)

	fmt.Fprintf(w, ": connected to task %s\n\n", taskID)
	flusher.Flush()

	if lastID > 0 {
		for _, ev := range h.mgr.ReplaySince(taskID, lastID) {
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("task_id", taskID))
			return
		case evt := <-ch:
			if skipEvent(typeFilter, evt.Type) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			// Keep the connection alive through proxies.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

func parseTypeFilter(s string) map[string]struct{} {
	if s == "" {
		return nil
	}
	filter := map[string]struct{}{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = struct{}{}
		}
	}
	return filter
}

func skipEvent(filter map[string]struct{}, eventType string) bool {
	if len(filter) == 0 {
		return false
	}
	_, ok := filter[eventType]
	return !ok
}
