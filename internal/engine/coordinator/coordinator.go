package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/meta"
	"github.com/nesttask/nesttask/internal/engine/queue"
	"github.com/nesttask/nesttask/internal/engine/record"
	"github.com/nesttask/nesttask/internal/engine/remote"
	"github.com/nesttask/nesttask/internal/engine/store"
)

// Config tunes the coordinator.
type Config struct {
	// Queue carries per-queue settings (attempts, backoff) down to
	// each entity type's pending queue. Nil means queue defaults.
	Queue *queue.Config

	// Logger for reconciliation activity. Nil means a stderr logger.
	Logger *log.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Result summarizes one reconciliation pass.
type Result struct {
	// Ran is false when another pass was already in flight and this
	// trigger was dropped.
	Ran bool
	// Applied counts operations confirmed and removed across all
	// queues.
	Applied int
	// Blocked lists entity types whose drain stopped on a failed
	// operation. Those operations and everything behind them stay
	// queued for the next pass.
	Blocked []record.EntityType
	// Refreshed counts records written into the entity stores from the
	// remote truth.
	Refreshed int
	// RefreshFailed lists entity types whose refresh fetch failed.
	// Their stores keep serving the previous cached state.
	RefreshFailed []record.EntityType
}

// Clean reports whether the pass ran and finished with every queue
// empty and every store refreshed.
func (r Result) Clean() bool {
	return r.Ran && len(r.Blocked) == 0 && len(r.RefreshFailed) == 0
}

// Coordinator owns the reconciliation pass: replay every pending queue
// against the remote side, pull the remote truth back into the entity
// stores, and stamp the sync metadata. At most one pass runs at a time;
// a trigger that arrives while one is in flight is dropped, not queued.
type Coordinator struct {
	api    remote.API
	meta   *meta.Metadata
	queues map[record.EntityType]*queue.Queue
	stores map[record.EntityType]*store.Store
	logger *log.Logger
	now    func() time.Time

	reconciling atomic.Bool
}

// New builds a coordinator over an opened engine database. Every
// mutable entity type gets a pending queue; every entity type gets a
// store for remote refresh.
func New(database *db.DB, api remote.API, metadata *meta.Metadata, config *Config) (*Coordinator, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	queues := make(map[record.EntityType]*queue.Queue)
	for _, et := range record.MutableEntityTypes() {
		q, err := queue.New(database, et, config.Queue)
		if err != nil {
			return nil, fmt.Errorf("queue for %s: %w", et, err)
		}
		queues[et] = q
	}

	stores := make(map[record.EntityType]*store.Store)
	for _, et := range record.EntityTypes() {
		s, err := store.New(database, et.Collection(), logger)
		if err != nil {
			return nil, fmt.Errorf("store for %s: %w", et, err)
		}
		stores[et] = s
	}

	return &Coordinator{
		api:    api,
		meta:   metadata,
		queues: queues,
		stores: stores,
		logger: logger,
		now:    now,
	}, nil
}

// Queue returns the pending queue for a mutable entity type, or nil for
// types that have none.
func (c *Coordinator) Queue(entityType record.EntityType) *queue.Queue {
	return c.queues[entityType]
}

// Store returns the entity store for one entity type, or nil.
func (c *Coordinator) Store(entityType record.EntityType) *store.Store {
	return c.stores[entityType]
}

// Reconciling reports whether a pass is currently in flight.
func (c *Coordinator) Reconciling() bool {
	return c.reconciling.Load()
}

// Enqueue records an offline mutation for later replay. The entity type
// must be mutable.
func (c *Coordinator) Enqueue(ctx context.Context, op *record.PendingOperation) error {
	q, ok := c.queues[op.EntityType]
	if !ok {
		return fmt.Errorf("no pending queue for entity type %q", op.EntityType)
	}
	return q.Enqueue(ctx, op)
}

// Reconcile runs one reconciliation pass.
//
// The pass is single-flight: if another Reconcile is in flight this call
// returns immediately with Ran=false and does nothing else. Otherwise it
// drains every non-empty pending queue in a fixed entity-type order,
// then refreshes every entity store from the remote truth, then stamps
// the per-owner last-fetched marks and last_sync_timestamp. Partial
// failure is non-fatal: blocked queues keep
// their remaining operations, failed refreshes keep the previous cached
// state, and the coordinator returns to idle either way. Only storage
// faults make Reconcile itself return an error.
func (c *Coordinator) Reconcile(ctx context.Context) (Result, error) {
	var result Result
	if !c.reconciling.CompareAndSwap(false, true) {
		c.logger.Printf("Reconciliation already in flight, trigger dropped")
		return result, nil
	}
	defer c.reconciling.Store(false)
	result.Ran = true

	c.logger.Printf("Reconciliation started")

	for _, et := range record.MutableEntityTypes() {
		q := c.queues[et]
		n, err := q.Len(ctx)
		if err != nil {
			return result, err
		}
		if n == 0 {
			continue
		}
		drained, err := q.Drain(ctx, c.api.Apply)
		if err != nil {
			return result, err
		}
		result.Applied += drained.Applied
		if drained.Failed != nil {
			result.Blocked = append(result.Blocked, et)
		}
	}

	fetchedOwners := make(map[string]bool)
	for _, et := range record.EntityTypes() {
		recs, err := c.api.Fetch(ctx, et)
		if err != nil {
			c.logger.Printf("WARNING: refresh %s failed, keeping cached state: %v", et, err)
			result.RefreshFailed = append(result.RefreshFailed, et)
			continue
		}
		if err := c.stores[et].PutAll(ctx, recs); err != nil {
			c.logger.Printf("WARNING: refresh %s not stored: %v", et, err)
			result.RefreshFailed = append(result.RefreshFailed, et)
			continue
		}
		result.Refreshed += len(recs)
		for _, rec := range recs {
			if rec.OwnerID != "" {
				fetchedOwners[rec.OwnerID] = true
			}
		}
	}

	now := c.now()
	for owner := range fetchedOwners {
		if err := c.meta.SetLastFetched(ctx, owner, now); err != nil {
			return result, err
		}
	}
	if err := c.meta.SetLastSync(ctx, now); err != nil {
		return result, err
	}

	c.logger.Printf("Reconciliation finished: applied=%d, refreshed=%d, blocked=%d, refresh_failed=%d",
		result.Applied, result.Refreshed, len(result.Blocked), len(result.RefreshFailed))
	return result, nil
}

// PendingTotal reports the number of operations still queued across all
// entity types.
func (c *Coordinator) PendingTotal(ctx context.Context) (int, error) {
	total := 0
	for _, et := range record.MutableEntityTypes() {
		n, err := c.queues[et].Len(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
