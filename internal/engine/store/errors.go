package store

import "fmt"

// StorageError reports a failed write against one collection. Read
// paths never return it; they degrade to empty results instead.
type StorageError struct {
	// Collection is the collection the write targeted.
	Collection string
	// Err is the underlying transaction failure.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in collection %s: %v", e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
