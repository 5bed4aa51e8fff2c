// Package store provides generic keyed CRUD over one named collection
// in the engine database.
//
// Writes favor correctness: any transaction failure surfaces as
// *StorageError and the caller decides whether to retry. Reads favor
// availability: GetAll and GetByID degrade to an empty result rather
// than propagating, so the UI's render paths never stall on a storage
// fault. The asymmetry is deliberate.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/record"
)

// Store performs CRUD against a single collection.
type Store struct {
	db         *db.DB
	collection string
	logger     *log.Logger
}

// New creates a Store over an existing collection.
//
// The collection must already exist; collections are created by schema
// upgrades, never by stores. If logger is nil, a default logger writing
// to stderr is used.
func New(database *db.DB, collection string, logger *log.Logger) (*Store, error) {
	ok, err := database.HasCollection(context.Background(), collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{db: database, collection: collection, logger: logger}, nil
}

// Collection returns the collection name this store operates on.
func (s *Store) Collection() string {
	return s.collection
}

// Put upserts a single record, keyed by its id. Last write wins.
func (s *Store) Put(ctx context.Context, rec *record.Record) error {
	return s.PutAll(ctx, []*record.Record{rec})
}

// PutAll upserts a batch of records within one transaction: either all
// upserts become visible or none do.
func (s *Store) PutAll(ctx context.Context, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return &StorageError{Collection: s.collection, Err: fmt.Errorf("invalid record: %w", err)}
		}
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Collection: s.collection, Err: err}
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %q (id, payload, owner_id, created_at, updated_at, event_ts, auth_exempt)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		owner_id = excluded.owner_id,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		event_ts = excluded.event_ts,
		auth_exempt = excluded.auth_exempt
	`, s.collection)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return &StorageError{Collection: s.collection, Err: err}
	}
	defer stmt.Close()

	for _, rec := range recs {
		var exempt int
		if rec.AuthExempt {
			exempt = 1
		}
		_, err := stmt.ExecContext(ctx,
			rec.ID,
			nullableJSON(rec.Payload),
			nullableString(rec.OwnerID),
			timeToNullString(rec.CreatedAt),
			timeToNullString(rec.UpdatedAt),
			timeToNullString(rec.EventAt),
			exempt,
		)
		if err != nil {
			return &StorageError{Collection: s.collection, Err: fmt.Errorf("upsert %s: %w", rec.ID, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Collection: s.collection, Err: err}
	}
	return nil
}

// GetAll returns a snapshot of every record in the collection, in
// storage order. Failures are logged and degrade to an empty slice.
func (s *Store) GetAll(ctx context.Context) []*record.Record {
	query := fmt.Sprintf(`
	SELECT id, payload, owner_id, created_at, updated_at, event_ts, auth_exempt
	FROM %q`, s.collection)

	rows, err := s.db.Conn().QueryContext(ctx, query)
	if err != nil {
		s.logger.Printf("WARNING: read %s failed: %v", s.collection, err)
		return nil
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		s.logger.Printf("WARNING: scan %s failed: %v", s.collection, err)
		return nil
	}
	return recs
}

// GetByID returns the record with the given id, or false if absent.
// Failures are logged and degrade to absent.
func (s *Store) GetByID(ctx context.Context, id string) (*record.Record, bool) {
	query := fmt.Sprintf(`
	SELECT id, payload, owner_id, created_at, updated_at, event_ts, auth_exempt
	FROM %q WHERE id = ?`, s.collection)

	row := s.db.Conn().QueryRowContext(ctx, query, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Printf("WARNING: read %s/%s failed: %v", s.collection, id, err)
		return nil, false
	}
	return rec, true
}

// Delete removes the record with the given id. Deleting an absent id is
// a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %q WHERE id = ?", s.collection)
	if _, err := s.db.Conn().ExecContext(ctx, query, id); err != nil {
		return &StorageError{Collection: s.collection, Err: fmt.Errorf("delete %s: %w", id, err)}
	}
	return nil
}

// Clear removes every record from the collection. The collection itself
// is never dropped.
func (s *Store) Clear(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %q", s.collection)
	if _, err := s.db.Conn().ExecContext(ctx, query); err != nil {
		return &StorageError{Collection: s.collection, Err: err}
	}
	return nil
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %q", s.collection)
	if err := s.db.Conn().QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, &StorageError{Collection: s.collection, Err: err}
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var rec record.Record
	var payload, ownerID, createdAt, updatedAt, eventTS sql.NullString
	var exempt int

	err := row.Scan(&rec.ID, &payload, &ownerID, &createdAt, &updatedAt, &eventTS, &exempt)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	rec.OwnerID = ownerID.String
	rec.CreatedAt = nullStringToTime(createdAt)
	rec.UpdatedAt = nullStringToTime(updatedAt)
	rec.EventAt = nullStringToTime(eventTS)
	rec.AuthExempt = exempt != 0

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
