package reaper

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/meta"
	"github.com/nesttask/nesttask/internal/engine/snapshot"
)

const (
	// DefaultRetention is how long cached records and response
	// snapshots are kept before the sweep may evict them.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultGateInterval rate-limits the sweep to one run per rolling
	// window.
	DefaultGateInterval = 24 * time.Hour
)

// exclusionAllowlist is the fixed set of request paths the path-based
// snapshot sweep never evicts. These are what the dashboard needs to
// boot offline; the literal values match what the install/caching
// mechanism registers and must not drift.
var exclusionAllowlist = map[string]bool{
	"/index.html":             true,
	"/offline.html":           true,
	"/manifest.json":          true,
	"/service-worker.js":      true,
	"/":                       true,
	"/icons/icon-192x192.png": true,
	"/icons/icon-512x512.png": true,
}

// IsProtectedPath reports whether a snapshot path is exempt from the
// age-based sweep.
func IsProtectedPath(path string) bool {
	return exclusionAllowlist[path]
}

// SweepError reports a failure confined to one collection or snapshot
// group. It is logged and counted, never propagated: a failing
// collection must not abort the sweep of the remaining ones.
type SweepError struct {
	// Target is the collection or snapshot group that failed.
	Target string
	// Err is the underlying cause.
	Err error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("sweep %s: %v", e.Target, e.Err)
}

func (e *SweepError) Unwrap() error {
	return e.Err
}

// Config tunes the reaper.
type Config struct {
	// Retention is the age past which records and snapshots are
	// evicted. Zero means DefaultRetention.
	Retention time.Duration

	// GateInterval is the minimum time between sweeps. Zero means
	// DefaultGateInterval.
	GateInterval time.Duration

	// Logger for sweep activity. Nil means a stderr logger.
	Logger *log.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Result summarizes one Sweep call.
type Result struct {
	// Skipped is true when the gate suppressed the sweep entirely.
	Skipped bool
	// CollectionsSwept counts collections the cursor completed.
	CollectionsSwept int
	// RecordsEvicted counts aged records deleted.
	RecordsEvicted int
	// SnapshotsEvicted counts aged response snapshots deleted.
	SnapshotsEvicted int
	// Errors holds the per-target failures that were isolated.
	Errors []*SweepError
}

// Reaper performs the daily eviction sweep over every entity collection
// and every response-snapshot group.
type Reaper struct {
	db        *db.DB
	snapshots *snapshot.Cache
	meta      *meta.Metadata
	config    Config
}

// New creates a reaper over the engine database.
func New(database *db.DB, snapshots *snapshot.Cache, metadata *meta.Metadata, config *Config) *Reaper {
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.GateInterval <= 0 {
		cfg.GateInterval = DefaultGateInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reaper] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{db: database, snapshots: snapshots, meta: metadata, config: cfg}
}

// Sweep runs the eviction pass if the gate allows it.
//
// The gate is checked first: if the last run is within GateInterval the
// call is a no-op and the gate is left untouched. Otherwise every entity
// collection is cursored and aged records are deleted, then every
// snapshot group except the metadata group is swept with the path
// allowlist honored. Per-target failures are caught, logged, and
// reported in the Result; they never abort the rest of the sweep. On
// completion, success or partial failure alike, the gate is advanced so
// the sweep does not run again until the next window.
//
// ctx is consulted between collections only: once a collection's cursor
// has started it runs to the end, preserving at-least-once eviction per
// collection.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var result Result
	now := r.config.Now()

	lastRun, ok, err := r.meta.LastCleanup(ctx)
	if err != nil {
		return result, err
	}
	if ok && now.Sub(lastRun) < r.config.GateInterval {
		result.Skipped = true
		return result, nil
	}

	cutoff := now.Add(-r.config.Retention)
	r.config.Logger.Printf("Starting sweep, cutoff %s", cutoff.Format(time.RFC3339))

	collections, err := r.db.Collections(ctx)
	if err != nil {
		return result, err
	}

	for _, name := range collections {
		if ctx.Err() != nil {
			break
		}
		evicted, err := r.sweepCollection(ctx, name, cutoff)
		if err != nil {
			sweepErr := &SweepError{Target: name, Err: err}
			r.config.Logger.Printf("WARNING: %v", sweepErr)
			result.Errors = append(result.Errors, sweepErr)
			continue
		}
		result.CollectionsSwept++
		result.RecordsEvicted += evicted
	}

	if ctx.Err() == nil {
		evicted, errs := r.sweepSnapshots(ctx, cutoff)
		result.SnapshotsEvicted = evicted
		result.Errors = append(result.Errors, errs...)
	}

	// The gate advances even after partial failure; the sweep is
	// self-healing on the next window rather than retried immediately.
	if err := r.meta.SetLastCleanup(ctx, now); err != nil {
		return result, err
	}

	r.config.Logger.Printf("Sweep complete: collections=%d, records=%d, snapshots=%d, errors=%d",
		result.CollectionsSwept, result.RecordsEvicted, result.SnapshotsEvicted, len(result.Errors))
	return result, nil
}

// sweepCollection walks one collection with a forward cursor and deletes
// aged, non-exempt records. Age comes from updated_at, else created_at,
// else event_ts; records marked auth-exempt are never deleted, whatever
// their age.
func (r *Reaper) sweepCollection(ctx context.Context, name string, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`
	SELECT id, created_at, updated_at, event_ts, auth_exempt FROM %q`, name)

	rows, err := r.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		var createdAt, updatedAt, eventTS sql.NullString
		var exempt int
		if err := rows.Scan(&id, &createdAt, &updatedAt, &eventTS, &exempt); err != nil {
			return 0, err
		}
		if exempt != 0 {
			continue
		}
		ref, ok := ageReference(updatedAt, createdAt, eventTS)
		if !ok {
			continue
		}
		if ref.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	del := fmt.Sprintf("DELETE FROM %q WHERE id = ?", name)
	evicted := 0
	for _, id := range stale {
		if _, err := r.db.Conn().ExecContext(ctx, del, id); err != nil {
			return evicted, fmt.Errorf("delete %s: %w", id, err)
		}
		evicted++
	}
	return evicted, nil
}

// sweepSnapshots evicts aged captures from every snapshot group except
// the metadata group, honoring the path allowlist. Group failures are
// isolated, same as collection failures.
func (r *Reaper) sweepSnapshots(ctx context.Context, cutoff time.Time) (int, []*SweepError) {
	var sweepErrs []*SweepError

	groups, err := r.snapshots.Groups(ctx)
	if err != nil {
		sweepErr := &SweepError{Target: "snapshots", Err: err}
		r.config.Logger.Printf("WARNING: %v", sweepErr)
		return 0, []*SweepError{sweepErr}
	}

	evicted := 0
	for _, group := range groups {
		if group == snapshot.GroupMetadata {
			continue
		}
		entries, err := r.snapshots.Entries(ctx, group)
		if err != nil {
			sweepErr := &SweepError{Target: group, Err: err}
			r.config.Logger.Printf("WARNING: %v", sweepErr)
			sweepErrs = append(sweepErrs, sweepErr)
			continue
		}
		for _, entry := range entries {
			if IsProtectedPath(entry.Path) {
				continue
			}
			if !entry.CapturedAt.Before(cutoff) {
				continue
			}
			if err := r.snapshots.Delete(ctx, group, entry.Path); err != nil {
				sweepErr := &SweepError{Target: group, Err: err}
				r.config.Logger.Printf("WARNING: %v", sweepErr)
				sweepErrs = append(sweepErrs, sweepErr)
				continue
			}
			evicted++
		}
	}
	return evicted, sweepErrs
}

// ageReference mirrors record.AgeReference for rows read straight off
// the cursor: updated_at wins, then created_at, then event_ts.
func ageReference(updatedAt, createdAt, eventTS sql.NullString) (time.Time, bool) {
	for _, ns := range []sql.NullString{updatedAt, createdAt, eventTS} {
		if !ns.Valid {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, ns.String); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
