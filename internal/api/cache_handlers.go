package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oversightlabs/fieldsync/internal/filecache"
	"github.com/oversightlabs/fieldsync/internal/types"
)

// DownloadRequest is the body for POST /cache/files/{documentID}.
type DownloadRequest struct {
	FileURL      string `json:"file_url"`
	FileName     string `json:"file_name"`
	OriginalName string `json:"original_name,omitempty"`
	FileType     string `json:"file_type,omitempty"`
	Category     string `json:"category,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// DownloadResponse is returned once the document is on disk.
type DownloadResponse struct {
	DocumentID int64  `json:"document_id"`
	LocalPath  string `json:"local_path"`
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		slog.Error("cache stats failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListCachedFiles handles GET /api/v1/cache/files.
func (h *Handler) ListCachedFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.cache.List(r.Context())
	if err != nil {
		slog.Error("cache list failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if files == nil {
		files = []types.CachedFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

// DownloadDocument handles POST /api/v1/cache/files/{documentID}. It
// blocks until the download completes or fails; a failed download leaves
// the document online-only and the error comes back to the caller.
func (h *Handler) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.FileURL == "" {
		WriteProblem(w, r, http.StatusBadRequest, "file_url is required")
		return
	}

	path, err := h.cache.DownloadAndCache(r.Context(), documentID, req.FileURL, filecache.Metadata{
		FileName:     req.FileName,
		OriginalName: req.OriginalName,
		FileType:     req.FileType,
		Category:     req.Category,
		FileSize:     req.FileSize,
	}, h.authToken)
	if err != nil {
		slog.Warn("document download failed",
			"document_id", documentID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusBadGateway, "Download failed; document remains online-only")
		return
	}

	writeJSON(w, http.StatusOK, DownloadResponse{DocumentID: documentID, LocalPath: path})
}

// EvictDocument handles DELETE /api/v1/cache/files/{documentID}.
func (h *Handler) EvictDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}

	if err := h.cache.Delete(r.Context(), documentID); err != nil {
		slog.Error("cache delete failed", "document_id", documentID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCache handles DELETE /api/v1/cache/files.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ClearAll(r.Context()); err != nil {
		slog.Error("cache clear failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func documentIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "documentID must be an integer")
		return 0, false
	}
	return id, true
}
