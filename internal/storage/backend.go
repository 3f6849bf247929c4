package storage

import (
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Read and Stat when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Backend abstracts where backup archives live.
type Backend interface {
	// Read returns a reader for the object at the given path.
	Read(path string) (io.ReadCloser, error)

	// Write stores the bytes produced by fill at the given path. Readers
	// see either the previous object or the complete new one.
	Write(path string, fill func(io.Writer) error) error

	// Stat returns object metadata.
	Stat(path string) (ObjectInfo, error)

	// Delete removes the object at the given path.
	Delete(path string) error

	// List returns all paths under the given prefix.
	List(prefix string) ([]string, error)
}

type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}
