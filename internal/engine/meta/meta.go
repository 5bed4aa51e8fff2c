// Package meta persists the engine's sync bookkeeping in one explicit
// structure: the last successful sync timestamp, the cleanup gate, and
// per-user last-fetched marks. It replaces the scattered key-value
// entries previous versions of the dashboard kept as ambient state.
package meta

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
)

const (
	keyLastSync    = "last_sync_timestamp"
	keyLastCleanup = "last_cleanup_run"
	keyLastFetched = "last_fetched:" // + user id
)

// Metadata reads and writes the sync_metadata singleton records.
//
// lastSyncTimestamp is created on the first successful sync, overwritten
// on every subsequent one, and never deleted. The cleanup gate is owned
// by the reaper and rate-limits the sweep to one run per rolling window.
type Metadata struct {
	db *db.DB
}

// New creates a Metadata accessor over the engine database.
func New(database *db.DB) *Metadata {
	return &Metadata{db: database}
}

// LastSync returns the last successful sync time, or false if no sync
// has completed yet.
func (m *Metadata) LastSync(ctx context.Context) (time.Time, bool, error) {
	return m.getTime(ctx, keyLastSync)
}

// SetLastSync records a successful sync at t.
func (m *Metadata) SetLastSync(ctx context.Context, t time.Time) error {
	return m.setTime(ctx, keyLastSync, t)
}

// LastCleanup returns when the reaper last ran, or false if it never has.
func (m *Metadata) LastCleanup(ctx context.Context) (time.Time, bool, error) {
	return m.getTime(ctx, keyLastCleanup)
}

// SetLastCleanup records a completed sweep at t.
func (m *Metadata) SetLastCleanup(ctx context.Context, t time.Time) error {
	return m.setTime(ctx, keyLastCleanup, t)
}

// LastFetched returns when records for the given user were last fetched
// from the remote, or false if they never were.
func (m *Metadata) LastFetched(ctx context.Context, userID string) (time.Time, bool, error) {
	return m.getTime(ctx, keyLastFetched+userID)
}

// SetLastFetched records a remote fetch for the given user at t.
func (m *Metadata) SetLastFetched(ctx context.Context, userID string, t time.Time) error {
	return m.setTime(ctx, keyLastFetched+userID, t)
}

func (m *Metadata) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	var value string
	err := m.db.Conn().QueryRowContext(ctx,
		"SELECT value FROM sync_metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read metadata %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse metadata %s: %w", key, err)
	}
	return t, true, nil
}

func (m *Metadata) setTime(ctx context.Context, key string, t time.Time) error {
	_, err := m.db.Conn().ExecContext(ctx, `
	INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}
