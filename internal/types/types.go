package types

import (
	"encoding/json"
	"time"
)

// EntityType identifies which kind of business record a row or queue
// entry refers to. The sync engine is generic over this tag.
type EntityType string

const (
	EntityNote       EntityType = "NOTE"
	EntityDocument   EntityType = "DOCUMENT"
	EntityAttendance EntityType = "ATTENDANCE"
)

// SyncStatus tracks where a record sits in its synchronization lifecycle.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "SYNCED"
	StatusPendingCreate SyncStatus = "PENDING_CREATE"
	StatusPendingUpdate SyncStatus = "PENDING_UPDATE"
	StatusPendingDelete SyncStatus = "PENDING_DELETE"
)

// IsPending reports whether the status represents an unacknowledged
// local mutation.
func (s SyncStatus) IsPending() bool {
	return s == StatusPendingCreate || s == StatusPendingUpdate || s == StatusPendingDelete
}

// Operation is the kind of remote mutation a queue entry carries.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Record is a user-owned row in the local store. IDs are negative while
// the record only exists locally (minted from the device clock) and
// positive once the server has assigned an identity. The payload is
// opaque to the sync engine except for serialization.
type Record struct {
	EntityType     EntityType      `json:"entity_type"`
	ID             int64           `json:"id"`
	OwnerID        int64           `json:"owner_id"`
	ParentID       *int64          `json:"parent_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Pinned         bool            `json:"pinned"`
	SyncStatus     SyncStatus      `json:"sync_status"`
	LocalCreatedAt time.Time       `json:"local_created_at"`
	LocalUpdatedAt time.Time       `json:"local_updated_at"`
}

// IsLocal reports whether the record still carries a device-minted id.
func (r *Record) IsLocal() bool {
	return r.ID < 0
}

// PendingOperation is one outstanding remote mutation. At most one live
// entry exists per (entity type, entity id) pair; later mutations of the
// same record coalesce into the existing entry.
type PendingOperation struct {
	ID              int64           `json:"id"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        int64           `json:"entity_id"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	LastError       string          `json:"last_error,omitempty"`
	LastAttemptedAt *time.Time      `json:"last_attempted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Retryable reports whether the operation still has retry budget left.
func (p *PendingOperation) Retryable() bool {
	return p.RetryCount < p.MaxRetries
}

// CachedFile is one row of the bounded file cache index. The entry is
// only trustworthy for offline reads when FullyDownloaded is true and
// the bytes at LocalPath still exist.
type CachedFile struct {
	ID              int64     `json:"id"`
	DocumentID      int64     `json:"document_id"`
	FileURL         string    `json:"file_url"`
	LocalPath       string    `json:"local_path"`
	FileName        string    `json:"file_name"`
	OriginalName    string    `json:"original_name"`
	FileSize        int64     `json:"file_size"`
	FileType        string    `json:"file_type"`
	Category        string    `json:"category"`
	CachedAt        time.Time `json:"cached_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	FullyDownloaded bool      `json:"fully_downloaded"`
}

// RemoteRecord is the server's view of a record, returned by the remote
// record API on create and update.
type RemoteRecord struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	ParentID  *int64          `json:"parent_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SyncReport summarizes one worker pass for observability.
type SyncReport struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
	StartedAt time.Time     `json:"started_at"`
}

// QueueStats summarizes the pending operation queue for diagnostics.
type QueueStats struct {
	Total     int `json:"total"`
	Retryable int `json:"retryable"`
	Dead      int `json:"dead"`
}

// CacheStats summarizes the file cache for diagnostics.
type CacheStats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	MaxBytes   int64 `json:"max_bytes"`
}

// HealthResponse is returned by the local API health endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Online       bool   `json:"online"`
	PendingCount int    `json:"pending_count"`
}
