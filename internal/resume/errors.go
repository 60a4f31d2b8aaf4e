package resume

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/peermesh/internal/store"
)

var (
	// ErrConflict reports a protocol violation by the caller, such as
	// checkpointing a task that is already suspended. Never retried.
	ErrConflict = errors.New("resume: conflict")
	// ErrNotFound reports an unknown or already consumed task, group or
	// sub-task. For duplicate deliveries this is an expected outcome.
	ErrNotFound = errors.New("resume: not found")
	// ErrNotReady is returned by LoadAndClear when the current group still has
	// outstanding sub-tasks.
	ErrNotReady = errors.New("resume: group not ready")
	// ErrStorageTransient marks a connection or transaction failure that is
	// safe to retry with backoff.
	ErrStorageTransient = errors.New("resume: transient storage failure")
	// ErrStorage marks any other storage failure.
	ErrStorage = errors.New("resume: storage failure")
	// ErrInvalidRequest reports a malformed checkpoint or reply.
	ErrInvalidRequest = errors.New("resume: invalid request")
)

var taxonomy = []error{ErrConflict, ErrNotFound, ErrNotReady, ErrStorageTransient, ErrStorage, ErrInvalidRequest}

// translateStorageError maps raw store errors onto the package taxonomy. The
// original error text is kept for logs but its type is not exposed.
func translateStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch {
	case store.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	case store.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrNotFound, op, err)
	case errors.Is(err, store.ErrGroupComplete):
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	case store.IsTransient(err):
		return fmt.Errorf("%w: %s: %v", ErrStorageTransient, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
	}
}
