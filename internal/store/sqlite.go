package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oversightlabs/fieldsync/internal/types"
	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width RFC 3339 variant so that text comparison
// in ORDER BY clauses matches chronological order down to nanoseconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the durable local state of the sync engine: the record table,
// the pending operation queue, and the cached-file index all live in one
// SQLite file so cross-table transitions can run in a single transaction.
type Store struct {
	db       *sql.DB
	notifier *Notifier

	mintMu     sync.Mutex
	lastMinted int64
}

// Open creates a Store backed by the SQLite file at dbPath. It enables
// WAL mode, applies pragmas, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, notifier: NewNotifier()}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.notifier.Close()
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that keep their own
// tables in the same file (the file cache index).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Notifier returns the change notifier for reactive reads.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// MintLocalID returns a device-minted negative identifier guaranteed not
// to collide with server-assigned positive IDs. Two creates landing in
// the same millisecond get strictly decreasing values.
func (s *Store) MintLocalID() int64 {
	s.mintMu.Lock()
	defer s.mintMu.Unlock()

	id := -time.Now().UnixMilli()
	if id >= s.lastMinted {
		id = s.lastMinted - 1
	}
	s.lastMinted = id
	return id
}

// CreateLocal inserts a new record in PENDING_CREATE status and enqueues
// the matching CREATE operation, in one transaction.
func (s *Store) CreateLocal(ctx context.Context, rec types.Record) (*types.Record, error) {
	now := time.Now().UTC()
	rec.ID = s.MintLocalID()
	rec.SyncStatus = types.StatusPendingCreate
	rec.LocalCreatedAt = now
	rec.LocalUpdatedAt = now
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, owner_id, parent_id, payload, pinned, sync_status, local_created_at, local_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.EntityType, rec.ID, rec.OwnerID, rec.ParentID, string(rec.Payload), rec.Pinned,
		rec.SyncStatus, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := enqueueTx(ctx, tx, &rec, types.OpCreate, 0); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.Notify(ChangeEvent{EntityType: rec.EntityType, ID: rec.ID, Kind: ChangeCreated})
	return &rec, nil
}

// UpdateLocal applies a local edit and enqueues (or coalesces into) the
// matching pending operation. A record still in PENDING_CREATE keeps its
// CREATE operation with the fresh payload; a SYNCED record transitions to
// PENDING_UPDATE.
func (s *Store) UpdateLocal(ctx context.Context, entityType types.EntityType, id int64, payload json.RawMessage, pinned bool) (*types.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecordTx(ctx, tx, entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.SyncStatus == types.StatusPendingDelete {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	rec.Payload = payload
	rec.Pinned = pinned
	rec.LocalUpdatedAt = now

	op := types.OpUpdate
	if rec.SyncStatus == types.StatusPendingCreate {
		// Not yet on the server: the coalesced operation stays a CREATE.
		op = types.OpCreate
	} else {
		rec.SyncStatus = types.StatusPendingUpdate
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE records
		SET payload = ?, pinned = ?, sync_status = ?, local_updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, string(rec.Payload), rec.Pinned, rec.SyncStatus, now.Format(timeLayout), entityType, id)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	if err := enqueueTx(ctx, tx, rec, op, 0); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.Notify(ChangeEvent{EntityType: entityType, ID: id, Kind: ChangeUpdated})
	return rec, nil
}

// DeleteLocal soft-deletes a record and enqueues the DELETE. A record
// that never reached the server (PENDING_CREATE) is cancelled instead:
// its row and its queued CREATE vanish in the same transaction and the
// remote is never contacted.
func (s *Store) DeleteLocal(ctx context.Context, entityType types.EntityType, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecordTx(ctx, tx, entityType, id)
	if err != nil {
		return err
	}

	if rec.SyncStatus == types.StatusPendingCreate {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_operations WHERE entity_type = ? AND entity_id = ?`, entityType, id); err != nil {
			return fmt.Errorf("dequeue operation: %w", err)
		}
	} else {
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET sync_status = ?, local_updated_at = ?
			WHERE entity_type = ? AND id = ?
		`, types.StatusPendingDelete, now.Format(timeLayout), entityType, id)
		if err != nil {
			return fmt.Errorf("mark record deleted: %w", err)
		}
		// Deletes drain ahead of creates and updates.
		if err := enqueueTx(ctx, tx, rec, types.OpDelete, 1); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.Notify(ChangeEvent{EntityType: entityType, ID: id, Kind: ChangeDeleted})
	return nil
}

// MarkStatus sets the sync status of a record.
func (s *Store) MarkStatus(ctx context.Context, entityType types.EntityType, id int64, status types.SyncStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_status = ? WHERE entity_type = ? AND id = ?
	`, status, entityType, id)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignID reconciles a device-minted id with the server-assigned one
// after a successful remote create. In a single transaction it replaces
// the old row with one keyed by the server id in SYNCED status, adopts
// the server's copy of the payload, and removes the pending operation,
// so a concurrent reader never observes the record missing and a SYNCED
// record never has a queue entry.
func (s *Store) ReassignID(ctx context.Context, entityType types.EntityType, oldID int64, server types.RemoteRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecordTx(ctx, tx, entityType, oldID)
	if err != nil {
		return err
	}

	payload := rec.Payload
	if len(server.Payload) > 0 {
		payload = server.Payload
	}
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, oldID); err != nil {
		return fmt.Errorf("delete local row: %w", err)
	}

	// ON CONFLICT covers a re-run after a pass that created the server
	// row but crashed before committing the reassignment.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, owner_id, parent_id, payload, pinned, sync_status, local_created_at, local_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			local_updated_at = excluded.local_updated_at
	`, entityType, server.ID, rec.OwnerID, rec.ParentID, string(payload), rec.Pinned,
		types.StatusSynced, rec.LocalCreatedAt.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert server row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE entity_type = ? AND entity_id = ?`, entityType, oldID); err != nil {
		return fmt.Errorf("dequeue operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.Notify(ChangeEvent{EntityType: entityType, ID: server.ID, Kind: ChangeReassigned, OldID: oldID})
	return nil
}

// ApplyServerRecord overwrites the local row with the server's copy
// after a successful remote update (last-writer-wins) and removes the
// pending operation in the same transaction.
func (s *Store) ApplyServerRecord(ctx context.Context, entityType types.EntityType, server types.RemoteRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE records
		SET payload = ?, sync_status = ?, local_updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, string(server.Payload), types.StatusSynced, now.Format(timeLayout), entityType, server.ID)
	if err != nil {
		return fmt.Errorf("apply server record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE entity_type = ? AND entity_id = ?`, entityType, server.ID); err != nil {
		return fmt.Errorf("dequeue operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.Notify(ChangeEvent{EntityType: entityType, ID: server.ID, Kind: ChangeUpdated})
	return nil
}

// AcknowledgeDelete hard-deletes a PENDING_DELETE row once the remote
// has confirmed the delete, removing the queue entry atomically.
func (s *Store) AcknowledgeDelete(ctx context.Context, entityType types.EntityType, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE entity_type = ? AND entity_id = ?`, entityType, id); err != nil {
		return fmt.Errorf("dequeue operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.Notify(ChangeEvent{EntityType: entityType, ID: id, Kind: ChangeDeleted})
	return nil
}

// Get retrieves a single record regardless of status.
func (s *Store) Get(ctx context.Context, entityType types.EntityType, id int64) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+`WHERE entity_type = ? AND id = ?`, entityType, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// ListByOwner returns an owner's records, excluding rows awaiting a
// remote delete, ordered pinned-first then by recency. This is the
// UI-facing read contract.
func (s *Store) ListByOwner(ctx context.Context, entityType types.EntityType, ownerID int64) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE entity_type = ? AND owner_id = ? AND sync_status != ?
		ORDER BY pinned DESC, local_updated_at DESC
	`, entityType, ownerID, types.StatusPendingDelete)
	if err != nil {
		return nil, fmt.Errorf("query records by owner: %w", err)
	}
	return collectRecords(rows)
}

// ListByParent returns records under a parent entity, excluding rows
// awaiting a remote delete, ordered pinned-first then by recency.
func (s *Store) ListByParent(ctx context.Context, entityType types.EntityType, parentID int64) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE entity_type = ? AND parent_id = ? AND sync_status != ?
		ORDER BY pinned DESC, local_updated_at DESC
	`, entityType, parentID, types.StatusPendingDelete)
	if err != nil {
		return nil, fmt.Errorf("query records by parent: %w", err)
	}
	return collectRecords(rows)
}

// ListPendingSync returns every record in a PENDING_* status.
func (s *Store) ListPendingSync(ctx context.Context) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE sync_status != ?
		ORDER BY local_updated_at ASC
	`, types.StatusSynced)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	return collectRecords(rows)
}

// PendingCount returns the number of outstanding pending operations,
// dead ones included so the UI can surface divergence.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return count, nil
}

const selectRecord = `
	SELECT entity_type, id, owner_id, parent_id, payload, pinned, sync_status, local_created_at, local_updated_at
	FROM records
`

// getRecordTx loads a record inside an open transaction.
func getRecordTx(ctx context.Context, tx *sql.Tx, entityType types.EntityType, id int64) (*types.Record, error) {
	row := tx.QueryRowContext(ctx, selectRecord+`WHERE entity_type = ? AND id = ?`, entityType, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// scanRecord scans a row into a Record, handling nullable columns and
// timestamp parsing.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var parentID sql.NullInt64
	var payload string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rec.EntityType,
		&rec.ID,
		&rec.OwnerID,
		&parentID,
		&payload,
		&rec.Pinned,
		&rec.SyncStatus,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		rec.ParentID = &parentID.Int64
	}
	rec.Payload = json.RawMessage(payload)

	if rec.LocalCreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse local_created_at: %w", err)
	}
	if rec.LocalUpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse local_updated_at: %w", err)
	}

	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]types.Record, error) {
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}
