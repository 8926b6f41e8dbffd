package dbclient

import (
	"errors"

	"github.com/jackc/pgconn"
)

// Sentinel errors returned by the database client. Callers are expected to
// check for them with errors.Is and map them to the externally visible error
// kinds.
var (
	// ErrLockTimeout indicates a row lock could not be acquired within the
	// configured `lock_timeout`.
	ErrLockTimeout = errors.New("timed out waiting for row lock")

	// ErrUserAlreadyActive indicates the user already has a live mandelbox.
	ErrUserAlreadyActive = errors.New("user already has an active mandelbox")

	// ErrNoInstanceAvailable indicates no lockable instance with free
	// capacity exists for the requested region and image.
	ErrNoInstanceAvailable = errors.New("no instance with capacity available")

	// ErrBadInstanceState indicates a conditional update found the instance
	// row missing or in an unexpected lifecycle state.
	ErrBadInstanceState = errors.New("instance missing or in unexpected state")

	// ErrNotFound indicates the queried row does not exist.
	ErrNotFound = errors.New("row not found")
)

// Postgres error codes the client maps to sentinel errors.
const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeUniqueViolation  = "23505"
)

// isLockTimeout reports whether err is the server-side lock_timeout error.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeLockNotAvailable
}

// isUniqueViolation reports whether err is a unique index violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation
}
