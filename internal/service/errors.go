package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/odvcencio/repohost/internal/database"
	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/protocol"
	"github.com/odvcencio/repohost/internal/refs"
)

// Error kinds surfaced to callers. Lower layers keep their own sentinels;
// classify wraps them so both remain visible to errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConflict        = errors.New("conflict")
	ErrCorruptData     = errors.New("corrupt data")
	ErrBusy            = errors.New("repository busy")
	ErrUnsupported     = errors.New("unsupported")
	ErrCancelled       = errors.New("cancelled")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrPathNotFound = fmt.Errorf("path %w", ErrNotFound)
	ErrNotAFile     = fmt.Errorf("%w: path is a directory", ErrPathNotFound)
)

// classify maps storage, database and protocol errors onto the service
// error kinds. Errors that already carry a kind are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrAlreadyExists, ErrConflict, ErrCorruptData, ErrBusy, ErrUnsupported, ErrCancelled, ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return err
		}
	}
	var mismatch *refs.CASMismatchError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, object.ErrNotFound), errors.Is(err, refs.ErrNotFound),
		errors.Is(err, sql.ErrNoRows), errors.Is(err, protocol.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, object.ErrCorrupt), errors.Is(err, object.ErrTypeMismatch), errors.Is(err, protocol.ErrMalformed):
		return fmt.Errorf("%w: %w", ErrCorruptData, err)
	case errors.As(err, &mismatch), errors.Is(err, refs.ErrLocked):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, database.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, refs.ErrInvalidName):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, protocol.ErrUnsupported):
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	case errors.Is(err, protocol.ErrRepositoryBusy):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
