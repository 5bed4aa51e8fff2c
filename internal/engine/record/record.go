// Package record defines the data envelopes shared by the offline engine:
// cached entity records and pending offline mutations.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies one of the dashboard's entity collections.
type EntityType string

const (
	// EntityTask is the tasks collection.
	EntityTask EntityType = "task"
	// EntityRoutine is the class/study routines collection.
	EntityRoutine EntityType = "routine"
	// EntityUserData is the per-user profile and credential collection.
	EntityUserData EntityType = "user_data"
	// EntityCourse is the courses collection.
	EntityCourse EntityType = "course"
	// EntityMaterial is the study materials collection.
	EntityMaterial EntityType = "material"
	// EntityTeacher is the teachers collection.
	EntityTeacher EntityType = "teacher"
)

// EntityTypes returns every entity type, in collection order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityTask,
		EntityRoutine,
		EntityUserData,
		EntityCourse,
		EntityMaterial,
		EntityTeacher,
	}
}

// MutableEntityTypes returns the entity types that accept offline
// mutations and therefore own a pending-operation queue.
func MutableEntityTypes() []EntityType {
	return []EntityType{
		EntityTask,
		EntityRoutine,
		EntityCourse,
		EntityTeacher,
	}
}

// Collection returns the collection name backing this entity type.
func (et EntityType) Collection() string {
	if et == EntityTask {
		return "tasks"
	}
	if et == EntityUserData {
		return "user_data"
	}
	return string(et) + "s"
}

// QueueCollection returns the pending-operation collection name for a
// mutable entity type.
func (et EntityType) QueueCollection() string {
	return fmt.Sprintf("pending_%s_ops", et)
}

// Record is a single cached entity. The payload is opaque to the engine;
// only the identifying key, the owning user, the age timestamps, and the
// eviction exemption flag are interpreted.
//
// Age is taken from whichever timestamp is present, in priority order:
// UpdatedAt, then CreatedAt, then EventAt. A record with none of the
// three has no age and is never evicted by the age-based sweep.
type Record struct {
	// ID is the unique key within the record's collection.
	ID string `json:"id"`

	// Payload is the record body as stored by the UI layer.
	Payload json.RawMessage `json:"payload,omitempty"`

	// OwnerID is the owning user, if any.
	OwnerID string `json:"owner_id,omitempty"`

	// UpdatedAt is the last modification time.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// CreatedAt is the creation time.
	CreatedAt *time.Time `json:"created_at,omitempty"`

	// EventAt is a generic event timestamp carried by records that have
	// neither creation nor modification times.
	EventAt *time.Time `json:"timestamp,omitempty"`

	// AuthExempt marks authentication material that must never be
	// removed by the age-based sweep. Set at write time.
	AuthExempt bool `json:"auth_exempt,omitempty"`
}

// Validate checks that the record can be stored.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// AgeReference returns the timestamp age is measured from, and whether
// the record carries one at all.
func (r *Record) AgeReference() (time.Time, bool) {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt, true
	}
	if r.CreatedAt != nil {
		return *r.CreatedAt, true
	}
	if r.EventAt != nil {
		return *r.EventAt, true
	}
	return time.Time{}, false
}

// OlderThan reports whether the record's age reference is before cutoff.
// Records without an age reference are never considered old.
func (r *Record) OlderThan(cutoff time.Time) bool {
	ref, ok := r.AgeReference()
	if !ok {
		return false
	}
	return ref.Before(cutoff)
}
