package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oversightlabs/fieldsync/internal/types"
)

// DefaultMaxRetries is the retry budget given to new pending operations.
const DefaultMaxRetries = 3

// enqueueTx upserts a pending operation inside an open transaction.
// A later mutation of the same record replaces the operation kind,
// payload, and priority of the existing entry but keeps its created_at,
// so a burst of edits before the first sync attempt collapses into one
// network call at its original queue position. The retry budget resets
// on coalesce: a fresh mutation landing on a dead entry must become
// syncable again rather than inherit the exhausted count.
func enqueueTx(ctx context.Context, tx *sql.Tx, rec *types.Record, op types.Operation, priority int) error {
	var payload any
	if op != types.OpDelete {
		snapshot, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record snapshot: %w", err)
		}
		payload = string(snapshot)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_operations (entity_type, entity_id, operation, payload, priority, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			operation = excluded.operation,
			payload = excluded.payload,
			priority = excluded.priority,
			retry_count = 0,
			last_error = NULL
	`, rec.EntityType, rec.ID, op, payload, priority, DefaultMaxRetries, now)
	if err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}
	return nil
}

// Enqueue upserts a pending operation for a record outside the mutation
// entry points. CreateLocal/UpdateLocal/DeleteLocal enqueue internally;
// this exists for re-queueing from diagnostics tooling.
func (s *Store) Enqueue(ctx context.Context, rec *types.Record, op types.Operation, priority int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueTx(ctx, tx, rec, op, priority); err != nil {
		return err
	}
	return tx.Commit()
}

// Retryable returns all operations whose retry budget is not exhausted,
// ordered by priority (higher first) then FIFO within equal priority.
func (s *Store) Retryable(ctx context.Context) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, selectOperation+`
		WHERE retry_count < max_retries
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query retryable operations: %w", err)
	}
	return collectOperations(rows)
}

// ListOperations returns every queue entry, dead ones included, for
// diagnostics.
func (s *Store) ListOperations(ctx context.Context) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, selectOperation+`
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	return collectOperations(rows)
}

// GetOperation returns the live queue entry for an entity, if any.
func (s *Store) GetOperation(ctx context.Context, entityType types.EntityType, entityID int64) (*types.PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, selectOperation+`
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	op, err := scanOperation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOperationNotFound
		}
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return op, nil
}

// RecordFailure increments the retry count and stamps the attempt after
// a failed remote call. Once the budget is exhausted the entry drops out
// of Retryable but stays in the table for diagnostics.
func (s *Store) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now().UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET retry_count = retry_count + 1, last_error = ?, last_attempted_at = ?
		WHERE id = ?
	`, msg, now, id)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// RemoveOperation deletes the queue entry for an entity.
func (s *Store) RemoveOperation(ctx context.Context, entityType types.EntityType, entityID int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_operations WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("remove operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// QueueStats returns counts of live and dead queue entries.
func (s *Store) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	var stats types.QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(retry_count < max_retries), 0),
		       COALESCE(SUM(retry_count >= max_retries), 0)
		FROM pending_operations
	`).Scan(&stats.Total, &stats.Retryable, &stats.Dead)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &stats, nil
}

const selectOperation = `
	SELECT id, entity_type, entity_id, operation, payload, priority, retry_count, max_retries, last_error, last_attempted_at, created_at
	FROM pending_operations
`

// scanOperation scans a row into a PendingOperation, handling nullable
// columns and timestamp parsing.
func scanOperation(scanner interface{ Scan(...any) error }) (*types.PendingOperation, error) {
	var op types.PendingOperation
	var payload, lastError, lastAttemptedAt sql.NullString
	var createdAt string

	err := scanner.Scan(
		&op.ID,
		&op.EntityType,
		&op.EntityID,
		&op.Operation,
		&payload,
		&op.Priority,
		&op.RetryCount,
		&op.MaxRetries,
		&lastError,
		&lastAttemptedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	op.LastError = lastError.String
	if lastAttemptedAt.Valid {
		t, err := time.Parse(timeLayout, lastAttemptedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_attempted_at: %w", err)
		}
		op.LastAttemptedAt = &t
	}
	if op.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &op, nil
}

func collectOperations(rows *sql.Rows) ([]types.PendingOperation, error) {
	defer rows.Close()

	var ops []types.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ops, nil
}
