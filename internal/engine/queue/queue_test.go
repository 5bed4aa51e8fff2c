package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/record"
)

// fastConfig keeps drain retries from slowing the tests down.
func fastConfig() *Config {
	return &Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxTries:        1,
		Logger:               log.New(os.Stderr, "[test] ", 0),
	}
}

// setupTestQueue creates a task queue over a temporary database.
func setupTestQueue(t *testing.T, config *Config) *Queue {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath, db.TargetSchemaVersion)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if config == nil {
		config = fastConfig()
	}
	q, err := New(database, record.EntityTask, config)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q
}

func enqueueOp(t *testing.T, q *Queue, title string) *record.PendingOperation {
	t.Helper()

	op := &record.PendingOperation{
		Kind:    record.OpCreate,
		Payload: json.RawMessage(`{"title":"` + title + `"}`),
	}
	if err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return op
}

func TestDrainAppliesInEnqueueOrder(t *testing.T) {
	q := setupTestQueue(t, nil)
	ctx := context.Background()

	a := enqueueOp(t, q, "A")
	b := enqueueOp(t, q, "B")
	c := enqueueOp(t, q, "C")

	var applied []string
	result, err := q.Drain(ctx, func(ctx context.Context, op *record.PendingOperation) error {
		applied = append(applied, op.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Applied != 3 {
		t.Errorf("expected 3 applied, got %d", result.Applied)
	}
	want := []string{a.ID, b.ID, c.ID}
	if len(applied) != 3 || applied[0] != want[0] || applied[1] != want[1] || applied[2] != want[2] {
		t.Errorf("expected apply order %v, got %v", want, applied)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after drain, got %d", n)
	}
}

func TestDrainStopsOnFirstFailure(t *testing.T) {
	q := setupTestQueue(t, nil)
	ctx := context.Background()

	enqueueOp(t, q, "A")
	b := enqueueOp(t, q, "B")
	c := enqueueOp(t, q, "C")

	result, err := q.Drain(ctx, func(ctx context.Context, op *record.PendingOperation) error {
		if op.ID == b.ID {
			return errors.New("remote rejected B")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Applied != 1 {
		t.Errorf("expected 1 applied before the failure, got %d", result.Applied)
	}
	if result.Failed == nil || result.Failed.ID != b.ID {
		t.Errorf("expected drain to stop on B, got %+v", result.Failed)
	}

	// B and C must still be queued, in order.
	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != b.ID || pending[1].ID != c.ID {
		t.Fatalf("expected [B, C] still queued, got %d ops", len(pending))
	}

	// A later drain against a recovered remote empties the queue.
	result, err = q.Drain(ctx, func(ctx context.Context, op *record.PendingOperation) error {
		return nil
	})
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("expected 2 applied on retry, got %d", result.Applied)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after retry, got %d", n)
	}
}

func TestRemovalOnlyAfterConfirmation(t *testing.T) {
	q := setupTestQueue(t, nil)
	ctx := context.Background()

	a := enqueueOp(t, q, "A")

	_, err := q.Drain(ctx, func(ctx context.Context, op *record.PendingOperation) error {
		// The operation must still be queued while apply runs.
		n, err := q.Len(ctx)
		if err != nil {
			t.Errorf("Len during apply failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected operation still queued during apply, got %d", n)
		}
		return errors.New("no confirmation")
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatal("expected unconfirmed operation to survive the drain")
	}
}

func TestAttemptsPersistAcrossDrains(t *testing.T) {
	q := setupTestQueue(t, nil)
	ctx := context.Background()

	enqueueOp(t, q, "A")

	fail := func(ctx context.Context, op *record.PendingOperation) error {
		return errors.New("remote down")
	}
	for i := 0; i < 2; i++ {
		if _, err := q.Drain(ctx, fail); err != nil {
			t.Fatalf("Drain %d failed: %v", i, err)
		}
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued operation, got %d", len(pending))
	}
	if pending[0].Attempts != 2 {
		t.Errorf("expected 2 persisted attempts, got %d", pending[0].Attempts)
	}
}

func TestParkedOperationBlocksQueue(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	q := setupTestQueue(t, cfg)
	ctx := context.Background()

	a := enqueueOp(t, q, "A")
	enqueueOp(t, q, "B")

	// First drain fails A, crossing MaxAttempts.
	_, err := q.Drain(ctx, func(ctx context.Context, op *record.PendingOperation) error {
		return errors.New("remote rejects A")
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Second drain must not call the remote at all: A is parked and
	// blocks the queue.
	calls := 0
	result, err := q.Drain(ctx, func(ctx context.Context, op *record.PendingOperation) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no remote calls with a parked head, got %d", calls)
	}
	if result.Failed == nil || result.Failed.ID != a.ID {
		t.Errorf("expected parked operation reported, got %+v", result.Failed)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected both operations still queued, got %d", n)
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q := setupTestQueue(t, nil)

	op := enqueueOp(t, q, "A")
	if op.ID == "" {
		t.Error("expected an assigned operation id")
	}
	if op.EnqueuedAt.IsZero() {
		t.Error("expected an assigned enqueue time")
	}
	if op.Seq == 0 {
		t.Error("expected an assigned sequence number")
	}
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	q := setupTestQueue(t, nil)

	op := &record.PendingOperation{Kind: "upsert"}
	if err := q.Enqueue(context.Background(), op); err == nil {
		t.Fatal("expected enqueue with an unknown kind to fail")
	}
}
