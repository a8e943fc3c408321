package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oversightlabs/fieldsync/internal/filecache"
	"github.com/oversightlabs/fieldsync/internal/store"
	"github.com/oversightlabs/fieldsync/internal/types"
	"github.com/oversightlabs/fieldsync/internal/validation"
)

// SyncControl is the slice of the sync coordinator the API needs.
type SyncControl interface {
	TriggerNow()
	LastReport() *types.SyncReport
}

// ConnectivityStatus reports the current network state.
type ConnectivityStatus interface {
	Online() bool
}

// Handler implements the local API handlers serving the UI layer.
type Handler struct {
	store        *store.Store
	cache        *filecache.Cache
	sync         SyncControl
	connectivity ConnectivityStatus
	authToken    string
	apiKey       string
	version      string
}

// NewHandler creates a new Handler. authToken is the remote bearer token
// passed through to document downloads; apiKey guards the local surface.
func NewHandler(s *store.Store, cache *filecache.Cache, sync SyncControl, conn ConnectivityStatus, authToken, apiKey, version string) *Handler {
	return &Handler{
		store:        s,
		cache:        cache,
		sync:         sync,
		connectivity: conn,
		authToken:    authToken,
		apiKey:       apiKey,
		version:      version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.PendingCount(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Online:       h.connectivity.Online(),
		PendingCount: count,
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateRecordRequest is the body for POST /records/{entityType}.
type CreateRecordRequest struct {
	OwnerID  int64           `json:"owner_id"`
	ParentID *int64          `json:"parent_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Pinned   bool            `json:"pinned"`
}

// UpdateRecordRequest is the body for PUT /records/{entityType}/{id}.
type UpdateRecordRequest struct {
	Payload json.RawMessage `json:"payload"`
	Pinned  bool            `json:"pinned"`
}

// CreateRecord handles POST /api/v1/records/{entityType}. The record is
// written locally and queued; it syncs whenever connectivity allows.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if errs := validation.ValidateCreateRecord(entityType, req.OwnerID, req.Payload); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec, err := h.store.CreateLocal(r.Context(), types.Record{
		EntityType: entityType,
		OwnerID:    req.OwnerID,
		ParentID:   req.ParentID,
		Payload:    req.Payload,
		Pinned:     req.Pinned,
	})
	if err != nil {
		slog.Error("create record failed", "entity_type", entityType, "error", err)
		MapStoreError(w, r, err)
		return
	}

	// Synced on the worker's schedule; a manual trigger wakes it sooner.
	h.sync.TriggerNow()
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /api/v1/records/{entityType}/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), entityType, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListRecords handles GET /api/v1/records/{entityType}?owner_id=|parent_id=.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	var (
		recs []types.Record
		err  error
	)
	switch {
	case r.URL.Query().Get("parent_id") != "":
		var parentID int64
		parentID, err = strconv.ParseInt(r.URL.Query().Get("parent_id"), 10, 64)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "parent_id must be an integer")
			return
		}
		recs, err = h.store.ListByParent(r.Context(), entityType, parentID)
	case r.URL.Query().Get("owner_id") != "":
		var ownerID int64
		ownerID, err = strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "owner_id must be an integer")
			return
		}
		recs, err = h.store.ListByOwner(r.Context(), entityType, ownerID)
	default:
		WriteProblem(w, r, http.StatusBadRequest, "owner_id or parent_id query parameter is required")
		return
	}
	if err != nil {
		slog.Error("list records failed", "entity_type", entityType, "error", err)
		MapStoreError(w, r, err)
		return
	}

	if recs == nil {
		recs = []types.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// UpdateRecord handles PUT /api/v1/records/{entityType}/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if errs := validation.ValidateUpdateRecord(req.Payload); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec, err := h.store.UpdateLocal(r.Context(), entityType, id, req.Payload, req.Pinned)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.sync.TriggerNow()
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/v1/records/{entityType}/{id}. The
// record disappears from reads immediately; the remote delete follows on
// the next pass.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteLocal(r.Context(), entityType, id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.sync.TriggerNow()
	w.WriteHeader(http.StatusNoContent)
}

// entityTypeParam parses and validates the {entityType} URL parameter.
func entityTypeParam(w http.ResponseWriter, r *http.Request) (types.EntityType, bool) {
	raw := strings.ToUpper(chi.URLParam(r, "entityType"))
	switch et := types.EntityType(raw); et {
	case types.EntityNote, types.EntityDocument, types.EntityAttendance:
		return et, true
	default:
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", raw))
		return "", false
	}
}

// idParam parses the {id} URL parameter. Negative values are legal: they
// are device-minted ids for records not yet synced.
func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "id must be an integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
