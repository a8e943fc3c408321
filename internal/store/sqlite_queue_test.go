package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/oversightlabs/fieldsync/internal/types"
)

func TestEnqueue_CoalescesRepeatedEdits(t *testing.T) {
	// Given: A record edited twice before any drain
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustCreate(t, s, `{"title":"one"}`)

	first, err := s.GetOperation(ctx, types.EntityNote, rec.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}

	// When: A second edit lands on the same entity
	if _, err := s.UpdateLocal(ctx, types.EntityNote, rec.ID, json.RawMessage(`{"title":"two"}`), false); err != nil {
		t.Fatalf("UpdateLocal: %v", err)
	}

	// Then: Exactly one queue row exists, with the latest payload and the
	// original created_at
	ops, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if !ops[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at not preserved: %v vs %v", ops[0].CreatedAt, first.CreatedAt)
	}
	var snapshot types.Record
	if err := json.Unmarshal(ops[0].Payload, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if string(snapshot.Payload) != `{"title":"two"}` {
		t.Errorf("payload not replaced: %s", snapshot.Payload)
	}
}

func TestQueue_AtMostOneLiveOperationPerEntity(t *testing.T) {
	// Given: A record mutated through every entry point
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustCreate(t, s, `{"title":"x"}`)
	if err := s.ReassignID(ctx, types.EntityNote, rec.ID, types.RemoteRecord{ID: 11}); err != nil {
		t.Fatalf("ReassignID: %v", err)
	}
	if _, err := s.UpdateLocal(ctx, types.EntityNote, 11, json.RawMessage(`{"title":"y"}`), false); err != nil {
		t.Fatalf("UpdateLocal: %v", err)
	}
	if _, err := s.UpdateLocal(ctx, types.EntityNote, 11, json.RawMessage(`{"title":"z"}`), false); err != nil {
		t.Fatalf("UpdateLocal: %v", err)
	}
	if err := s.DeleteLocal(ctx, types.EntityNote, 11); err != nil {
		t.Fatalf("DeleteLocal: %v", err)
	}

	// Then: The queue holds a single entry for the entity, now a DELETE
	ops, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if ops[0].Operation != types.OpDelete {
		t.Errorf("expected DELETE, got %s", ops[0].Operation)
	}
}

func TestRetryable_OrdersPriorityThenFIFO(t *testing.T) {
	// Given: A create, then a delete enqueued later at higher priority
	s := newTestStore(t)
	ctx := context.Background()
	first := mustCreate(t, s, `{"title":"first"}`)
	second := mustCreate(t, s, `{"title":"second"}`)
	third := mustCreate(t, s, `{"title":"third"}`)
	if err := s.ReassignID(ctx, types.EntityNote, third.ID, types.RemoteRecord{ID: 300}); err != nil {
		t.Fatalf("ReassignID: %v", err)
	}
	if err := s.DeleteLocal(ctx, types.EntityNote, 300); err != nil {
		t.Fatalf("DeleteLocal: %v", err)
	}

	// When: Retryable operations are listed
	ops, err := s.Retryable(ctx)
	if err != nil {
		t.Fatalf("Retryable: %v", err)
	}

	// Then: The delete drains first, then the creates in FIFO order
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	if ops[0].Operation != types.OpDelete {
		t.Errorf("high-priority delete not first, got %s", ops[0].Operation)
	}
	if ops[1].EntityID != first.ID || ops[2].EntityID != second.ID {
		t.Errorf("equal-priority operations not FIFO: %d, %d", ops[1].EntityID, ops[2].EntityID)
	}
}

func TestRecordFailure_ExhaustedBudgetLeavesDeadEntry(t *testing.T) {
	// Given: One queued operation
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustCreate(t, s, `{"title":"doomed"}`)
	op, err := s.GetOperation(ctx, types.EntityNote, rec.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}

	// When: It fails maxRetries times in a row
	for i := 0; i < op.MaxRetries; i++ {
		if err := s.RecordFailure(ctx, op.ID, fmt.Errorf("server unreachable (attempt %d)", i+1)); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	// Then: It is excluded from Retryable but still present for diagnostics
	retryable, err := s.Retryable(ctx)
	if err != nil {
		t.Fatalf("Retryable: %v", err)
	}
	if len(retryable) != 0 {
		t.Errorf("exhausted operation still retryable")
	}

	all, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("dead operation dropped from diagnostics")
	}
	if all[0].RetryCount != op.MaxRetries {
		t.Errorf("expected retry_count %d, got %d", op.MaxRetries, all[0].RetryCount)
	}
	if all[0].LastError == "" || all[0].LastAttemptedAt == nil {
		t.Error("failure bookkeeping not recorded")
	}

	// And: The divergence stays visible through the pending count
	count, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected pending count 1, got %d", count)
	}
}

func TestEnqueue_FreshEditRevivesDeadEntry(t *testing.T) {
	// Given: A record whose CREATE exhausted its retry budget
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustCreate(t, s, `{"title":"v1"}`)
	op, err := s.GetOperation(ctx, types.EntityNote, rec.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	for i := 0; i < op.MaxRetries; i++ {
		if err := s.RecordFailure(ctx, op.ID, errors.New("server unreachable")); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	// When: The user edits the record again
	if _, err := s.UpdateLocal(ctx, types.EntityNote, rec.ID, json.RawMessage(`{"title":"v2"}`), false); err != nil {
		t.Fatalf("UpdateLocal: %v", err)
	}

	// Then: The coalesced entry gets a fresh retry budget and a clean
	// error slate, so the new edit can still reach the server
	retryable, err := s.Retryable(ctx)
	if err != nil {
		t.Fatalf("Retryable: %v", err)
	}
	if len(retryable) != 1 {
		t.Fatalf("expected 1 retryable operation, got %d", len(retryable))
	}
	if retryable[0].RetryCount != 0 {
		t.Errorf("retry_count not reset, got %d", retryable[0].RetryCount)
	}
	if retryable[0].LastError != "" {
		t.Errorf("last_error not cleared: %q", retryable[0].LastError)
	}
	var snapshot types.Record
	if err := json.Unmarshal(retryable[0].Payload, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if string(snapshot.Payload) != `{"title":"v2"}` {
		t.Errorf("payload not replaced: %s", snapshot.Payload)
	}
}

func TestQueueStats_SplitsLiveAndDead(t *testing.T) {
	// Given: One live and one dead operation
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, `{"title":"live"}`)
	dead := mustCreate(t, s, `{"title":"dead"}`)
	deadOp, err := s.GetOperation(ctx, types.EntityNote, dead.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	for i := 0; i < deadOp.MaxRetries; i++ {
		if err := s.RecordFailure(ctx, deadOp.ID, errors.New("boom")); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	// When: Stats are read
	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}

	// Then: Totals split into retryable and dead
	if stats.Total != 2 || stats.Retryable != 1 || stats.Dead != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRemoveOperation_Unknown(t *testing.T) {
	// Given: An empty queue
	s := newTestStore(t)

	// When/Then: Removing an unknown entry fails with ErrOperationNotFound
	err := s.RemoveOperation(context.Background(), types.EntityNote, 1)
	if !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}
