// Package worker hosts the background coordinators: the sync
// coordinator that drains the pending operation queue against the
// remote record API, and the cache sweeper that ages out old downloads.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oversightlabs/fieldsync/internal/remote"
	"github.com/oversightlabs/fieldsync/internal/types"
)

// SyncStore defines the store operations the sync coordinator needs.
// Implemented by store.Store.
type SyncStore interface {
	Retryable(ctx context.Context) ([]types.PendingOperation, error)
	ReassignID(ctx context.Context, entityType types.EntityType, oldID int64, server types.RemoteRecord) error
	ApplyServerRecord(ctx context.Context, entityType types.EntityType, server types.RemoteRecord) error
	AcknowledgeDelete(ctx context.Context, entityType types.EntityType, id int64) error
	RecordFailure(ctx context.Context, opID int64, cause error) error
	RemoveOperation(ctx context.Context, entityType types.EntityType, entityID int64) error
}

// ConnectivitySource is the edge-triggered network signal feeding the
// coordinator. Implemented by connectivity.Observer.
type ConnectivitySource interface {
	Online() bool
	BecameOnline() <-chan struct{}
}

// SyncCoordinator drains the pending operation queue. It wakes on
// offline-to-online transitions, on a coarse periodic ticker as a safety
// net, and on manual triggers; all three feed one loop goroutine, so at
// most one pass runs at a time and triggers arriving mid-pass coalesce.
type SyncCoordinator struct {
	store        SyncStore
	api          remote.RecordAPI
	connectivity ConnectivitySource
	interval     time.Duration
	passAttempts int

	trigger chan struct{}

	mu         sync.Mutex
	lastReport *types.SyncReport
}

// NewSyncCoordinator creates a coordinator. passAttempts bounds how many
// times one trigger's whole pass is re-run after an unexpected failure.
func NewSyncCoordinator(
	store SyncStore,
	api remote.RecordAPI,
	connectivity ConnectivitySource,
	interval time.Duration,
	passAttempts int,
) *SyncCoordinator {
	if passAttempts < 1 {
		passAttempts = 1
	}
	return &SyncCoordinator{
		store:        store,
		api:          api,
		connectivity: connectivity,
		interval:     interval,
		passAttempts: passAttempts,
		trigger:      make(chan struct{}, 1),
	}
}

// TriggerNow requests a pass. A request arriving while one is already
// pending or running is absorbed rather than queued.
func (c *SyncCoordinator) TriggerNow() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// LastReport returns the most recent pass report, or nil before the
// first pass.
func (c *SyncCoordinator) LastReport() *types.SyncReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
		"pass_attempts", c.passAttempts,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Drain whatever survived the previous process before waiting for a
	// trigger.
	c.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-c.connectivity.BecameOnline():
			c.runPass(ctx)
		case <-ticker.C:
			c.runPass(ctx)
		case <-c.trigger:
			c.runPass(ctx)
		}
	}
}

// runPass executes one logical work unit. Per-item failures are handled
// inside the pass and never propagate; an unexpected whole-pass failure
// is retried a bounded number of times, then abandoned for this trigger.
// Nothing is lost on abandonment: queue entries are durable and the next
// trigger starts over from persisted state.
func (c *SyncCoordinator) runPass(ctx context.Context) {
	if !c.connectivity.Online() {
		slog.Debug("skipping sync pass, network unavailable",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return
	}

	backoff := retry.WithMaxRetries(uint64(c.passAttempts-1), retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		report, passErr := c.pass(ctx)
		if passErr != nil {
			return retry.RetryableError(passErr)
		}

		c.mu.Lock()
		c.lastReport = report
		c.mu.Unlock()

		if report.Attempted > 0 {
			slog.Info("sync pass completed",
				"component", "worker",
				"worker", "sync-coordinator",
				"attempted", report.Attempted,
				"synced", report.Synced,
				"failed", report.Failed,
				"duration_ms", report.Duration.Milliseconds(),
			)
		}
		return nil
	})
	if err != nil {
		slog.Error("sync pass abandoned for this trigger",
			"component", "worker",
			"worker", "sync-coordinator",
			"error", err,
		)
	}
}
