package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/meta"
	"github.com/nesttask/nesttask/internal/engine/queue"
	"github.com/nesttask/nesttask/internal/engine/record"
)

// fakeAPI is a scriptable remote boundary.
type fakeAPI struct {
	mu      sync.Mutex
	applied []*record.PendingOperation

	applyErr func(op *record.PendingOperation) error
	fetch    func(et record.EntityType) ([]*record.Record, error)
	block    chan struct{} // when set, Apply waits on it
	started  chan struct{} // closed when the first Apply begins
}

func (f *fakeAPI) Apply(ctx context.Context, op *record.PendingOperation) error {
	if f.started != nil {
		select {
		case <-f.started:
		default:
			close(f.started)
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.applyErr != nil {
		if err := f.applyErr(op); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.applied = append(f.applied, op)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) Fetch(ctx context.Context, et record.EntityType) ([]*record.Record, error) {
	if f.fetch != nil {
		return f.fetch(et)
	}
	return nil, nil
}

// setupTestCoordinator wires a coordinator over a temporary database.
func setupTestCoordinator(t *testing.T, api *fakeAPI) (*Coordinator, *meta.Metadata) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath, db.TargetSchemaVersion)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	metadata := meta.New(database)
	coord, err := New(database, api, metadata, &Config{
		Queue: &queue.Config{
			RetryInitialInterval: time.Millisecond,
			RetryMaxTries:        1,
			Logger:               log.New(os.Stderr, "[test] ", 0),
		},
		Logger: log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coord, metadata
}

func enqueueTask(t *testing.T, coord *Coordinator, title string) *record.PendingOperation {
	t.Helper()

	op := &record.PendingOperation{
		EntityType: record.EntityTask,
		Kind:       record.OpCreate,
		Payload:    json.RawMessage(`{"title":"` + title + `"}`),
	}
	if err := coord.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return op
}

func TestReconcileDrainsAndStampsSync(t *testing.T) {
	api := &fakeAPI{}
	coord, metadata := setupTestCoordinator(t, api)
	ctx := context.Background()

	enqueueTask(t, coord, "A")
	enqueueTask(t, coord, "B")

	result, err := coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !result.Ran {
		t.Fatal("expected pass to run")
	}
	if result.Applied != 2 {
		t.Errorf("expected 2 applied, got %d", result.Applied)
	}
	if !result.Clean() {
		t.Errorf("expected a clean pass, got %+v", result)
	}

	total, err := coord.PendingTotal(ctx)
	if err != nil {
		t.Fatalf("PendingTotal failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected empty queues, got %d pending", total)
	}

	if _, ok, err := metadata.LastSync(ctx); err != nil || !ok {
		t.Errorf("expected last sync stamped, ok=%v err=%v", ok, err)
	}
}

func TestReconcileRefreshesStores(t *testing.T) {
	ts := time.Now()
	api := &fakeAPI{
		fetch: func(et record.EntityType) ([]*record.Record, error) {
			if et != record.EntityTask {
				return nil, nil
			}
			return []*record.Record{
				{ID: "t1", Payload: json.RawMessage(`{"title":"remote"}`), UpdatedAt: &ts},
			}, nil
		},
	}
	coord, _ := setupTestCoordinator(t, api)
	ctx := context.Background()

	result, err := coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Refreshed != 1 {
		t.Errorf("expected 1 refreshed record, got %d", result.Refreshed)
	}

	got, ok := coord.Store(record.EntityTask).GetByID(ctx, "t1")
	if !ok {
		t.Fatal("expected refreshed record in the task store")
	}
	if string(got.Payload) != `{"title":"remote"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
}

func TestReconcileStampsOwnerLastFetched(t *testing.T) {
	ts := time.Now()
	api := &fakeAPI{
		fetch: func(et record.EntityType) ([]*record.Record, error) {
			if et != record.EntityTask {
				return nil, nil
			}
			return []*record.Record{
				{ID: "t1", OwnerID: "user-1", Payload: json.RawMessage(`{}`), UpdatedAt: &ts},
				{ID: "t2", Payload: json.RawMessage(`{}`), UpdatedAt: &ts},
			}, nil
		},
	}
	coord, metadata := setupTestCoordinator(t, api)
	ctx := context.Background()

	if _, err := coord.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, ok, err := metadata.LastFetched(ctx, "user-1"); err != nil || !ok {
		t.Errorf("expected last-fetched stamped for user-1, ok=%v err=%v", ok, err)
	}
	// A record without an owner stamps nobody.
	if _, ok, err := metadata.LastFetched(ctx, "user-2"); err != nil || ok {
		t.Errorf("expected no last-fetched for user-2, ok=%v err=%v", ok, err)
	}
}

func TestReconcilePartialFailureStillFinishes(t *testing.T) {
	api := &fakeAPI{
		applyErr: func(op *record.PendingOperation) error {
			return errors.New("remote rejects everything")
		},
		fetch: func(et record.EntityType) ([]*record.Record, error) {
			if et == record.EntityCourse {
				return nil, errors.New("courses endpoint down")
			}
			return nil, nil
		},
	}
	coord, metadata := setupTestCoordinator(t, api)
	ctx := context.Background()

	enqueueTask(t, coord, "A")

	result, err := coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Blocked) != 1 || result.Blocked[0] != record.EntityTask {
		t.Errorf("expected task queue blocked, got %v", result.Blocked)
	}
	if len(result.RefreshFailed) != 1 || result.RefreshFailed[0] != record.EntityCourse {
		t.Errorf("expected course refresh failed, got %v", result.RefreshFailed)
	}

	// The operation stays queued and the coordinator is idle again.
	total, err := coord.PendingTotal(ctx)
	if err != nil {
		t.Fatalf("PendingTotal failed: %v", err)
	}
	if total != 1 {
		t.Errorf("expected the rejected operation still queued, got %d", total)
	}
	if coord.Reconciling() {
		t.Error("expected coordinator idle after a partial failure")
	}
	if _, ok, err := metadata.LastSync(ctx); err != nil || !ok {
		t.Errorf("expected last sync stamped even after partial failure, ok=%v err=%v", ok, err)
	}
}

func TestConcurrentTriggerIsNoOp(t *testing.T) {
	api := &fakeAPI{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	coord, _ := setupTestCoordinator(t, api)
	ctx := context.Background()

	enqueueTask(t, coord, "A")

	done := make(chan Result, 1)
	go func() {
		result, err := coord.Reconcile(ctx)
		if err != nil {
			t.Errorf("Reconcile failed: %v", err)
		}
		done <- result
	}()

	// Wait until the first pass is inside Apply, then trigger again.
	<-api.started
	second, err := coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if second.Ran {
		t.Error("expected concurrent trigger to be a strict no-op")
	}

	close(api.block)
	first := <-done
	if !first.Ran {
		t.Error("expected first pass to run")
	}
	if first.Applied != 1 {
		t.Errorf("expected exactly one application of the operation, got %d", first.Applied)
	}
}
