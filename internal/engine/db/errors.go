package db

import "fmt"

// SchemaOpenError reports a failure to open or upgrade the engine
// database. It is fatal to the calling operation and is never retried by
// the engine; callers decide whether to try again (for example after an
// exclusive lock held by another upgrade is released).
type SchemaOpenError struct {
	// Path is the database file that could not be opened.
	Path string
	// Err is the underlying cause.
	Err error
}

func (e *SchemaOpenError) Error() string {
	return fmt.Sprintf("open engine database %s: %v", e.Path, e.Err)
}

func (e *SchemaOpenError) Unwrap() error {
	return e.Err
}
