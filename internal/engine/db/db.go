// Package db provides the embedded SQLite store backing the offline
// engine, including versioned schema management for the engine's
// collections.
//
// The database runs in embedded mode with WAL enabled so the UI's read
// paths stay responsive while the sync machinery writes.
//
// Schema versioning uses SQLite's user_version pragma. Upgrades are
// additive only: each version step creates the collections introduced at
// that version and nothing else, and every step is idempotent.
//
// Version history:
//   - v1: tasks, routines, user_data
//   - v2: courses, materials
//   - v3: teachers
//   - v4: pending-operation collections for the mutable entity types
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nesttask/nesttask/internal/engine/record"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TargetSchemaVersion is the schema version this build of the engine
// requires. Open upgrades older databases to this version.
const TargetSchemaVersion = 4

// DB wraps the SQLite connection with collection-aware schema handling.
type DB struct {
	conn    *sql.DB
	path    string
	version int
}

// Open opens (creating if necessary) the engine database at path and
// brings its schema up to targetVersion.
//
// A database whose persisted version is already at or above
// targetVersion is left untouched; downgrades never happen. Failure to
// open or upgrade the underlying store is surfaced as *SchemaOpenError
// and is not retried here.
//
// The caller MUST call Close when done.
func Open(path string, targetVersion int) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &SchemaOpenError{Path: path, Err: fmt.Errorf("create database directory: %w", err)}
	}

	// _txlock=immediate makes BeginTx take the write lock up front, so
	// concurrent upgrades serialize at BEGIN instead of at first write.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, &SchemaOpenError{Path: path, Err: err}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &SchemaOpenError{Path: path, Err: err}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// busy_timeout first: the WAL switch itself needs the write lock,
	// and a concurrent opener must wait for it rather than fail.
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &SchemaOpenError{Path: path, Err: fmt.Errorf("%s: %w", pragma, err)}
		}
	}

	if err := db.migrate(context.Background(), targetVersion); err != nil {
		_ = db.Close()
		return nil, &SchemaOpenError{Path: path, Err: err}
	}

	if err := db.initInternalTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, &SchemaOpenError{Path: path, Err: err}
	}

	return db, nil
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SchemaVersion returns the persisted schema version observed at Open.
func (db *DB) SchemaVersion() int {
	return db.version
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// migrate applies schema upgrade steps until the persisted version
// reaches targetVersion.
//
// The whole upgrade runs in one immediate transaction, so concurrent
// opens serialize on SQLite's write lock: the second opener either waits
// out the busy timeout and then observes the bumped version (making its
// own upgrade a no-op) or fails, which Open reports as *SchemaOpenError.
func (db *DB) migrate(ctx context.Context, targetVersion int) error {
	var stored int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	db.version = stored

	// Forward-compatible read: a newer on-disk schema is left alone.
	if stored >= targetVersion {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upgrade transaction: %w", err)
	}
	defer tx.Rollback()

	for v := stored + 1; v <= targetVersion; v++ {
		step, ok := upgradeSteps[v]
		if !ok {
			return fmt.Errorf("no upgrade step for schema version %d", v)
		}
		if err := step(ctx, tx); err != nil {
			return fmt.Errorf("upgrade to schema version %d: %w", v, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", targetVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade: %w", err)
	}

	db.version = targetVersion
	return nil
}

// upgradeSteps maps a schema version to the step that creates the
// collections introduced at that version. Steps are idempotent.
var upgradeSteps = map[int]func(context.Context, *sql.Tx) error{
	1: func(ctx context.Context, tx *sql.Tx) error {
		return createCollections(ctx, tx, "tasks", "routines", "user_data")
	},
	2: func(ctx context.Context, tx *sql.Tx) error {
		return createCollections(ctx, tx, "courses", "materials")
	},
	3: func(ctx context.Context, tx *sql.Tx) error {
		return createCollections(ctx, tx, "teachers")
	},
	4: func(ctx context.Context, tx *sql.Tx) error {
		var queues []string
		for _, et := range record.MutableEntityTypes() {
			queues = append(queues, et.QueueCollection())
		}
		return createQueueCollections(ctx, tx, queues...)
	},
}

// createCollections creates entity collections. Every collection shares
// one shape: an id key, an opaque payload, the age timestamps, the
// owning user, and the eviction exemption flag.
func createCollections(ctx context.Context, tx *sql.Tx, names ...string) error {
	for _, name := range names {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			payload TEXT,
			owner_id TEXT,
			created_at TEXT,
			updated_at TEXT,
			event_ts TEXT,
			auth_exempt INTEGER NOT NULL DEFAULT 0
		)`, name)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q(owner_id)`,
			"idx_"+name+"_owner", name)
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("index collection %s: %w", name, err)
		}
	}
	return nil
}

// createQueueCollections creates pending-operation collections. The seq
// column is the queue order; AUTOINCREMENT guarantees it is monotonic
// even across deletes, so replay order survives partial drains.
func createQueueCollections(ctx context.Context, tx *sql.Tx, names ...string) error {
	for _, name := range names {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			enqueued_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		)`, name)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create queue collection %s: %w", name, err)
		}
	}
	return nil
}

// initInternalTables creates the engine's own bookkeeping tables. These
// are not versioned collections; they exist at every version and are
// created idempotently on every open.
func (db *DB) initInternalTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS sync_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS response_snapshots (
		grp TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 200,
		body BLOB,
		captured_at TEXT NOT NULL,
		PRIMARY KEY (grp, path)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_grp ON response_snapshots(grp);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("initialize internal tables: %w", err)
	}
	return nil
}

// Collections returns the entity collection names present in the
// database, in creation order. Pending-operation collections are not
// included; they are queues, not caches, and the eviction sweep must
// never touch them.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	var names []string
	for _, et := range record.EntityTypes() {
		name := et.Collection()
		ok, err := db.HasCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// HasCollection reports whether a collection table exists.
func (db *DB) HasCollection(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return count > 0, nil
}
