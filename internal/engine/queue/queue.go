package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/record"
)

// DefaultMaxAttempts is how many failed replay attempts an operation
// accumulates across drains before it is parked.
const DefaultMaxAttempts = 10

// ApplyFunc replays one pending operation against the remote boundary.
// Returning nil confirms the operation; it is then removed from the
// queue. Any error leaves the operation (and everything behind it)
// queued for the next drain.
type ApplyFunc func(ctx context.Context, op *record.PendingOperation) error

// Config tunes a queue's drain behavior.
type Config struct {
	// MaxAttempts parks an operation after this many failed replays
	// across drains. Zero means DefaultMaxAttempts.
	MaxAttempts int

	// RetryInitialInterval seeds the per-operation backoff inside one
	// drain. Zero means 200ms.
	RetryInitialInterval time.Duration

	// RetryMaxTries bounds the in-drain retries per operation before the
	// drain gives up on this entity type. Zero means 3.
	RetryMaxTries uint

	// Logger for drain activity. Nil means a stderr logger.
	Logger *log.Logger
}

func (c *Config) withDefaults() Config {
	out := Config{
		MaxAttempts:          c.MaxAttempts,
		RetryInitialInterval: c.RetryInitialInterval,
		RetryMaxTries:        c.RetryMaxTries,
		Logger:               c.Logger,
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.RetryInitialInterval <= 0 {
		out.RetryInitialInterval = 200 * time.Millisecond
	}
	if out.RetryMaxTries == 0 {
		out.RetryMaxTries = 3
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return out
}

// Queue is the ordered pending-operation queue for one entity type,
// backed by that type's pending-operation collection.
type Queue struct {
	db         *db.DB
	entityType record.EntityType
	table      string
	config     Config
}

// New creates the queue for a mutable entity type.
func New(database *db.DB, entityType record.EntityType, config *Config) (*Queue, error) {
	table := entityType.QueueCollection()
	ok, err := database.HasCollection(context.Background(), table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no pending-operation collection for entity type %q", entityType)
	}
	if config == nil {
		config = &Config{}
	}
	return &Queue{
		db:         database,
		entityType: entityType,
		table:      table,
		config:     config.withDefaults(),
	}, nil
}

// EntityType returns the entity type this queue serves.
func (q *Queue) EntityType() record.EntityType {
	return q.entityType
}

// Enqueue appends an operation, preserving insertion order. The
// operation's ID and EnqueuedAt are assigned if unset.
func (q *Queue) Enqueue(ctx context.Context, op *record.PendingOperation) error {
	if op.EntityType == "" {
		op.EntityType = q.entityType
	}
	if op.EntityType != q.entityType {
		return fmt.Errorf("operation for %q enqueued on %q queue", op.EntityType, q.entityType)
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	query := fmt.Sprintf(`
	INSERT INTO %q (id, kind, payload, enqueued_at, attempts)
	VALUES (?, ?, ?, ?, ?)`, q.table)

	res, err := q.db.Conn().ExecContext(ctx, query,
		op.ID, string(op.Kind), nullablePayload(op.Payload),
		op.EnqueuedAt.UTC().Format(time.RFC3339Nano), op.Attempts)
	if err != nil {
		return fmt.Errorf("enqueue %s operation: %w", q.entityType, err)
	}

	if seq, err := res.LastInsertId(); err == nil {
		op.Seq = seq
	}
	return nil
}

// Pending returns the queued operations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]*record.PendingOperation, error) {
	query := fmt.Sprintf(`
	SELECT seq, id, kind, payload, enqueued_at, attempts
	FROM %q ORDER BY seq ASC`, q.table)

	rows, err := q.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s queue: %w", q.entityType, err)
	}
	defer rows.Close()

	var ops []*record.PendingOperation
	for rows.Next() {
		var op record.PendingOperation
		var kind, enqueuedAt string
		var payload sql.NullString
		if err := rows.Scan(&op.Seq, &op.ID, &kind, &payload, &enqueuedAt, &op.Attempts); err != nil {
			return nil, fmt.Errorf("scan %s operation: %w", q.entityType, err)
		}
		op.EntityType = q.entityType
		op.Kind = record.OpKind(kind)
		if payload.Valid {
			op.Payload = []byte(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %q", q.table)
	if err := q.db.Conn().QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s queue: %w", q.entityType, err)
	}
	return count, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Applied is how many operations were confirmed and removed.
	Applied int
	// Remaining is how many operations are still queued.
	Remaining int
	// Failed is the operation the drain stopped on, if any.
	Failed *record.PendingOperation
	// FailedErr is why the failed operation could not be applied.
	FailedErr error
}

// Drain replays queued operations in enqueue order, strictly
// sequentially. Each operation is removed only after apply confirms it.
//
// On an apply failure the failed operation and everything behind it stay
// queued and the drain ends for this entity type; the queue can be
// drained again later. Apply failures are reported in the DrainResult,
// not as an error: only storage faults make Drain itself fail.
//
// Within one drain each operation gets a short capped exponential
// backoff. Across drains the operation's attempt counter is persisted;
// once it crosses MaxAttempts the operation is parked: it keeps blocking
// its queue (replaying later operations over it could reorder causally
// dependent mutations) but no further remote calls are spent on it until
// an operator intervenes.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) (DrainResult, error) {
	var result DrainResult

	ops, err := q.Pending(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = len(ops)

	for _, op := range ops {
		if op.Attempts >= q.config.MaxAttempts {
			q.config.Logger.Printf("WARNING: %s operation %s parked after %d attempts; queue blocked until resolved",
				q.entityType, op.ID, op.Attempts)
			result.Failed = op
			result.FailedErr = fmt.Errorf("operation parked after %d attempts", op.Attempts)
			return result, nil
		}

		applyErr := q.applyWithBackoff(ctx, op, apply)
		if applyErr != nil {
			op.Attempts++
			if err := q.recordAttempt(ctx, op); err != nil {
				return result, err
			}
			q.config.Logger.Printf("WARNING: %s operation %s (%s) failed (attempt %d): %v",
				q.entityType, op.ID, op.Kind, op.Attempts, applyErr)
			result.Failed = op
			result.FailedErr = applyErr
			return result, nil
		}

		if err := q.remove(ctx, op.Seq); err != nil {
			return result, err
		}
		result.Applied++
		result.Remaining--
	}

	return result, nil
}

// applyWithBackoff runs apply under a small capped exponential backoff.
// Context cancellation ends the retries immediately.
func (q *Queue) applyWithBackoff(ctx context.Context, op *record.PendingOperation, apply ApplyFunc) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.config.RetryInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, apply(ctx, op)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(q.config.RetryMaxTries))
	return err
}

// recordAttempt persists the operation's attempt counter.
func (q *Queue) recordAttempt(ctx context.Context, op *record.PendingOperation) error {
	query := fmt.Sprintf("UPDATE %q SET attempts = ? WHERE seq = ?", q.table)
	if _, err := q.db.Conn().ExecContext(ctx, query, op.Attempts, op.Seq); err != nil {
		return fmt.Errorf("record attempt for %s operation %s: %w", q.entityType, op.ID, err)
	}
	return nil
}

// remove deletes a confirmed operation by its queue position.
func (q *Queue) remove(ctx context.Context, seq int64) error {
	query := fmt.Sprintf("DELETE FROM %q WHERE seq = ?", q.table)
	if _, err := q.db.Conn().ExecContext(ctx, query, seq); err != nil {
		return fmt.Errorf("remove confirmed %s operation: %w", q.entityType, err)
	}
	return nil
}

func nullablePayload(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
