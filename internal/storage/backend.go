package storage

import (
	"errors"
	"io"
)

// ErrNotExist is returned by Read when no file is stored at the path.
var ErrNotExist = errors.New("storage: path does not exist")

// Backend abstracts the flat file space loose objects live in. Paths are
// slash separated and relative to the backend root.
type Backend interface {
	// Read returns a reader for the file at the given path.
	Read(path string) (io.ReadCloser, error)

	// Write stores data at the given path. A reader never observes a
	// partially written file.
	Write(path string, data []byte) error

	// Has returns true if the path exists.
	Has(path string) (bool, error)

	// Delete removes the file at the given path.
	Delete(path string) error

	// List returns all paths under the given prefix.
	List(prefix string) ([]string, error)
}
