package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oversightlabs/fieldsync/internal/types"
)

// SyncStatusResponse is returned by GET /api/v1/sync/status.
type SyncStatusResponse struct {
	Online       bool              `json:"online"`
	PendingCount int               `json:"pending_count"`
	LastReport   *types.SyncReport `json:"last_report,omitempty"`
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.PendingCount(r.Context())
	if err != nil {
		slog.Error("pending count failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SyncStatusResponse{
		Online:       h.connectivity.Online(),
		PendingCount: count,
		LastReport:   h.sync.LastReport(),
	})
}

// TriggerSync handles POST /api/v1/sync/trigger. The trigger is
// asynchronous: 202 means "queued", not "synced".
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.sync.TriggerNow()
	w.WriteHeader(http.StatusAccepted)
}

// ListPending handles GET /api/v1/sync/pending, returning every record
// still awaiting acknowledgment.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListPendingSync(r.Context())
	if err != nil {
		slog.Error("list pending failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if recs == nil {
		recs = []types.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ListQueue handles GET /api/v1/queue, including dead entries so support
// staff can see what gave up and why.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.store.ListOperations(r.Context())
	if err != nil {
		slog.Error("list queue failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if ops == nil {
		ops = []types.PendingOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// QueueStats handles GET /api/v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.QueueStats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Watch handles GET /api/v1/watch: a Server-Sent Events stream of record
// change events, one JSON object per event. The UI layer re-reads its
// lists reactively off this stream instead of polling.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := h.store.Notifier().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Opening comment so clients see the stream is live before the first
	// change arrives.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to encode change event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
