package findings

import (
	"errors"

	"github.com/odvcencio/findingmirror/internal/entitystore"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = entitystore.ErrClosed

// StorageError wraps an engine or filesystem failure. Callers should treat
// it as a failed sync attempt and retry later.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "finding store: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
