package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateKey is returned by non-Postgres implementations when a
	// primary or unique key already exists. IsUniqueViolation matches it.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrGroupComplete is returned when an increment would push a parallel
	// invocation past its expected total.
	ErrGroupComplete = errors.New("parallel invocation already complete")
	// ErrMissingParent is returned by non-Postgres implementations when a row
	// references a paused task or invocation that does not exist.
	ErrMissingParent = errors.New("referenced row does not exist")
)

// Postgres SQLSTATE codes used for classification.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgTooManyConnections   = "53300"
	pgAdminShutdown        = "57P01"
)

// IsUniqueViolation reports whether err is a duplicate-key failure.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && string(pgErr.Code) == pgUniqueViolation
}

// IsForeignKeyViolation reports whether err references a missing parent row.
func IsForeignKeyViolation(err error) bool {
	if errors.Is(err, ErrMissingParent) {
		return true
	}
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && string(pgErr.Code) == pgForeignKeyViolation
}

// IsTransient reports whether err is worth retrying: serialization and
// deadlock aborts, lock timeouts, dropped connections and class 08 errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		code := string(pgErr.Code)
		switch code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgTooManyConnections, pgAdminShutdown:
			return true
		}
		return strings.HasPrefix(code, "08")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
