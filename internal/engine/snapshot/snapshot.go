// Package snapshot caches captured network responses so the dashboard
// can render from the last known remote truth while offline.
//
// Snapshots are organized into named groups (API responses, static
// assets) keyed by request path. The metadata group is engine-internal
// and is never swept.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
)

// Well-known snapshot groups.
const (
	// GroupAPI holds captured API responses.
	GroupAPI = "api"
	// GroupAssets holds captured static assets.
	GroupAssets = "assets"
	// GroupMetadata is the engine's own group; the sweep skips it.
	GroupMetadata = "metadata"
)

// Entry is one captured response.
type Entry struct {
	// Group is the snapshot group the entry belongs to.
	Group string
	// Path is the request path the response was captured for.
	Path string
	// Status is the captured HTTP status code.
	Status int
	// Body is the captured response body.
	Body []byte
	// CapturedAt is when the response was captured.
	CapturedAt time.Time
}

// Cache stores response snapshots in the engine database.
type Cache struct {
	db *db.DB
}

// New creates a snapshot cache over the engine database.
func New(database *db.DB) *Cache {
	return &Cache{db: database}
}

// Put captures a response, replacing any previous capture for the same
// group and path.
func (c *Cache) Put(ctx context.Context, entry Entry) error {
	if entry.Group == "" || entry.Path == "" {
		return fmt.Errorf("snapshot group and path are required")
	}
	_, err := c.db.Conn().ExecContext(ctx, `
	INSERT INTO response_snapshots (grp, path, status, body, captured_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(grp, path) DO UPDATE SET
		status = excluded.status,
		body = excluded.body,
		captured_at = excluded.captured_at`,
		entry.Group, entry.Path, entry.Status, entry.Body,
		entry.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("capture snapshot %s%s: %w", entry.Group, entry.Path, err)
	}
	return nil
}

// Get returns the captured response for a group and path, or false if
// none is cached.
func (c *Cache) Get(ctx context.Context, group, path string) (Entry, bool, error) {
	row := c.db.Conn().QueryRowContext(ctx, `
	SELECT grp, path, status, body, captured_at
	FROM response_snapshots WHERE grp = ? AND path = ?`, group, path)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read snapshot %s%s: %w", group, path, err)
	}
	return entry, true, nil
}

// Groups returns the distinct snapshot group names present in the cache.
func (c *Cache) Groups(ctx context.Context) ([]string, error) {
	rows, err := c.db.Conn().QueryContext(ctx,
		"SELECT DISTINCT grp FROM response_snapshots ORDER BY grp")
	if err != nil {
		return nil, fmt.Errorf("list snapshot groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan snapshot group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Entries returns every captured entry in a group.
func (c *Cache) Entries(ctx context.Context, group string) ([]Entry, error) {
	rows, err := c.db.Conn().QueryContext(ctx, `
	SELECT grp, path, status, body, captured_at
	FROM response_snapshots WHERE grp = ? ORDER BY path`, group)
	if err != nil {
		return nil, fmt.Errorf("list snapshots in %s: %w", group, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot in %s: %w", group, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes one captured entry. Deleting an absent entry is a no-op.
func (c *Cache) Delete(ctx context.Context, group, path string) error {
	_, err := c.db.Conn().ExecContext(ctx,
		"DELETE FROM response_snapshots WHERE grp = ? AND path = ?", group, path)
	if err != nil {
		return fmt.Errorf("delete snapshot %s%s: %w", group, path, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var capturedAt string
	if err := row.Scan(&entry.Group, &entry.Path, &entry.Status, &entry.Body, &capturedAt); err != nil {
		return Entry{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
		entry.CapturedAt = t
	}
	return entry, nil
}
