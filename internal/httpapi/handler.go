// Package httpapi exposes the workspace API: create a workspace from a
// context payload, submit queries against it, poll task results, cancel a
// running tree, and stream task lifecycle events over SSE or WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathom-engine/fathom/internal/budget"
	"github.com/fathom-engine/fathom/internal/workspace"
)

// Engine is the query execution surface the API fronts. *engine.Engine
// implements it.
type Engine interface {
	Submit(ctx context.Context, workspaceID, query string, limits *budget.Limits) (string, error)
	Result(ctx context.Context, taskID string) (*workspace.WorkerTask, error)
	Cancel(taskID string) error
}

// Store is the subset of the workspace store the API needs directly.
type Store interface {
	CreateWorkspace(ctx context.Context, content string) (*workspace.Workspace, *workspace.Chunk, error)
	GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error)
	LiveTaskCount(ctx context.Context, workspaceID string) (int, error)
}

// Handler serves the workspace and task routes.
type Handler struct {
	store     Store
	engine    Engine
	logger    *zap.Logger
	authToken string
}

func NewHandler(store Store, engine Engine, logger *zap.Logger, authToken string) *Handler {
	return &Handler{store: store, engine: engine, logger: logger, authToken: authToken}
}

// RegisterRoutes registers the API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workspaces", h.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces/{id}", h.handleGetWorkspace)
	mux.HandleFunc("POST /workspaces/{id}/queries", h.handleSubmitQuery)
	mux.HandleFunc("GET /tasks/{id}", h.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", h.handleCancelTask)
}

type createWorkspaceRequest struct {
	Context string `json:"context"`
}

type createWorkspaceResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Lines       int    `json:"lines"`
}

func (h *Handler) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req createWorkspaceRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Context == "" {
		http.Error(w, `{"error":"context is required"}`, http.StatusBadRequest)
		return
	}

	ws, root, err := h.store.CreateWorkspace(r.Context(), req.Context)
	if err != nil {
		h.logger.Error("create workspace failed", zap.Error(err))
		http.Error(w, `{"error":"failed to create workspace"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createWorkspaceResponse{
		WorkspaceID: ws.ID,
		Lines:       root.Range.Lines(),
	})
}

func (h *Handler) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := h.store.GetWorkspace(r.Context(), r.PathValue("id"))
	if errors.Is(err, workspace.ErrWorkspaceNotFound) {
		http.Error(w, `{"error":"workspace not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"failed to load workspace"}`, http.StatusInternalServerError)
		return
	}
	live, err := h.store.LiveTaskCount(r.Context(), ws.ID)
	if err != nil {
		h.logger.Warn("live task count failed", zap.String("workspace_id", ws.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, workspaceResponse{Workspace: ws, LiveTasks: live})
}

type workspaceResponse struct {
	*workspace.Workspace
	LiveTasks int `json:"live_tasks"`
}

type submitQueryRequest struct {
	Query  string         `json:"query"`
	Limits *budget.Limits `json:"limits,omitempty"`
}

type submitQueryResponse struct {
	TaskID string `json:"task_id"`
}

func (h *Handler) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req submitQueryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, `{"error":"query is required"}`, http.StatusBadRequest)
		return
	}

	taskID, err := h.engine.Submit(r.Context(), r.PathValue("id"), req.Query, req.Limits)
	switch {
	case errors.Is(err, workspace.ErrWorkspaceNotFound):
		http.Error(w, `{"error":"workspace not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, workspace.ErrWorkspaceClosed):
		http.Error(w, `{"error":"workspace no longer accepts queries"}`, http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("submit query failed",
			zap.String("workspace_id", r.PathValue("id")),
			zap.Error(err))
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, submitQueryResponse{TaskID: taskID})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.engine.Result(r.Context(), r.PathValue("id"))
	if errors.Is(err, workspace.ErrTaskNotFound) {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"failed to load task"}`, http.StatusInternalServerError)
		return
	}

	out := map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	}
	if task.Result != nil {
		out["result"] = task.Result
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := h.engine.Cancel(id); err != nil {
		http.Error(w, `{"error":"task not found or already finished"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  "cancelling",
	})
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StartServer starts the API server on port with the given handlers
// registered. Shut it down with srv.Shutdown.
func StartServer(port int, h *Handler, sh *StreamingHandler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	sh.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("Starting workspace API server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Workspace API server failed", zap.Error(err))
		}
	}()
	return srv
}
