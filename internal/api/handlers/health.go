package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/cloo-solutions/bookrag/internal/api"
	"github.com/cloo-solutions/bookrag/internal/index"
)

// SnapshotProvider exposes the active global snapshot.
type SnapshotProvider interface {
	Acquire() (index.Snapshot, error)
}

// BackendPinger checks that the snapshot store is reachable.
type BackendPinger interface {
	Ping(ctx context.Context) error
	Name() string
}

type HealthHandler struct {
	snapshots SnapshotProvider
	backend   BackendPinger
}

func NewHealthHandler(snapshots SnapshotProvider, backend BackendPinger) *HealthHandler {
	return &HealthHandler{snapshots: snapshots, backend: backend}
}

type HealthResponse struct {
	Status           string `json:"status"`
	SnapshotID       string `json:"snapshot_id,omitempty"`
	Chunks           int    `json:"chunks"`
	EmbeddingModel   string `json:"embedding_model,omitempty"`
	Backend          string `json:"backend"`
	BackendReachable bool   `json:"backend_reachable"`
	BackendError     string `json:"backend_error,omitempty"`
}

// Chat reports whether queries can currently be answered. It responds 503
// until a snapshot is loaded or while the backend is unreachable.
func (h *HealthHandler) Chat(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{Status: "ok", Backend: h.backend.Name(), BackendReachable: true}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.backend.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.BackendReachable = false
		resp.BackendError = err.Error()
		status = http.StatusServiceUnavailable
	}

	snap, err := h.snapshots.Acquire()
	if err != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		resp.SnapshotID = snap.ID()
		resp.Chunks = snap.Size()
		resp.EmbeddingModel = snap.Version().Model
	}

	api.Success(w, status, resp)
}
