package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the kind of a pending offline mutation.
type OpKind string

const (
	// OpCreate records a create performed while disconnected.
	OpCreate OpKind = "create"
	// OpUpdate records an update performed while disconnected.
	OpUpdate OpKind = "update"
	// OpDelete records a delete performed while disconnected.
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// PendingOperation is one mutation recorded while offline, waiting to be
// replayed against the remote API.
//
// Operations for one entity type are totally ordered by Seq, assigned at
// enqueue time. An operation is removed from its queue only after the
// remote side confirms it.
type PendingOperation struct {
	// ID uniquely identifies the operation across queues.
	ID string `json:"id"`

	// EntityType is the entity the mutation applies to.
	EntityType EntityType `json:"entity_type"`

	// Kind is create, update, or delete.
	Kind OpKind `json:"kind"`

	// Payload is the mutation body sent to the remote API. For deletes
	// it carries at least the target record id.
	Payload json.RawMessage `json:"payload,omitempty"`

	// EnqueuedAt is when the mutation was recorded.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed replay attempts across drains.
	Attempts int `json:"attempts"`

	// Seq is the queue position, assigned by the store at enqueue time.
	// Zero until enqueued.
	Seq int64 `json:"-"`
}

// Validate checks that the operation can be enqueued.
func (op *PendingOperation) Validate() error {
	if op.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	return nil
}
