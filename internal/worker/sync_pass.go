package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oversightlabs/fieldsync/internal/remote"
	"github.com/oversightlabs/fieldsync/internal/store"
	"github.com/oversightlabs/fieldsync/internal/types"
)

// pass drains all retryable operations once, in priority order. One bad
// record must not block the others: each remote failure is recorded on
// its own queue entry and the loop moves on. Only infrastructure errors
// (the queue scan itself) surface as a whole-pass failure.
func (c *SyncCoordinator) pass(ctx context.Context) (*types.SyncReport, error) {
	start := time.Now()
	ops, err := c.store.Retryable(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan retryable operations: %w", err)
	}

	report := &types.SyncReport{StartedAt: start.UTC()}
	for i := range ops {
		if ctx.Err() != nil {
			break
		}
		op := &ops[i]
		report.Attempted++

		if err := c.dispatch(ctx, op); err != nil {
			report.Failed++
			slog.Warn("operation failed, will retry",
				"component", "worker",
				"worker", "sync-coordinator",
				"entity_type", op.EntityType,
				"entity_id", op.EntityID,
				"operation", op.Operation,
				"retry_count", op.RetryCount+1,
				"error", err,
			)
			if recErr := c.store.RecordFailure(ctx, op.ID, err); recErr != nil && !errors.Is(recErr, store.ErrOperationNotFound) {
				slog.Error("failed to record operation failure",
					"component", "worker",
					"worker", "sync-coordinator",
					"operation_id", op.ID,
					"error", recErr,
				)
			}
			continue
		}
		report.Synced++
	}

	report.Duration = time.Since(start)
	return report, nil
}

// dispatch performs the remote call matching the operation kind and
// applies the resulting local transition.
func (c *SyncCoordinator) dispatch(ctx context.Context, op *types.PendingOperation) error {
	switch op.Operation {
	case types.OpCreate:
		return c.dispatchCreate(ctx, op)
	case types.OpUpdate:
		return c.dispatchUpdate(ctx, op)
	case types.OpDelete:
		return c.dispatchDelete(ctx, op)
	default:
		// A malformed entry would otherwise burn retries forever; drop it.
		slog.Error("unknown operation kind, removing entry",
			"component", "worker",
			"worker", "sync-coordinator",
			"operation", op.Operation,
			"entity_type", op.EntityType,
			"entity_id", op.EntityID,
		)
		return c.store.RemoveOperation(ctx, op.EntityType, op.EntityID)
	}
}

func (c *SyncCoordinator) dispatchCreate(ctx context.Context, op *types.PendingOperation) error {
	server, err := c.api.Create(ctx, op.EntityType, op.Payload)
	if err != nil {
		return err
	}

	err = c.store.ReassignID(ctx, op.EntityType, op.EntityID, *server)
	if errors.Is(err, store.ErrNotFound) {
		// The local row disappeared between enqueue and acknowledgment;
		// self-heal by dropping the orphaned queue entry.
		return c.store.RemoveOperation(ctx, op.EntityType, op.EntityID)
	}
	return err
}

func (c *SyncCoordinator) dispatchUpdate(ctx context.Context, op *types.PendingOperation) error {
	server, err := c.api.Update(ctx, op.EntityType, op.EntityID, op.Payload)
	if err != nil {
		if remote.IsNotFound(err) {
			// Deleted remotely while we held a local edit. Last-writer-wins
			// by server acknowledgment: the server's delete stands.
			return c.store.AcknowledgeDelete(ctx, op.EntityType, op.EntityID)
		}
		return err
	}
	return c.store.ApplyServerRecord(ctx, op.EntityType, *server)
}

func (c *SyncCoordinator) dispatchDelete(ctx context.Context, op *types.PendingOperation) error {
	err := c.api.Delete(ctx, op.EntityType, op.EntityID)
	if err != nil && !remote.IsNotFound(err) {
		return err
	}
	// 404 means the record is already gone remotely, which is the state
	// the delete wanted.
	return c.store.AcknowledgeDelete(ctx, op.EntityType, op.EntityID)
}
