// Package apperr defines the error kinds shared by the ledger, dispute and
// dashboard packages. Package-level sentinels wrap one of the kinds so callers
// can classify any error with errors.Is.
package apperr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrValidation covers illegal transitions, missing or invalid fields and
	// ineligible operations. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when an entity is absent or not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller's actor type lacks permission.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned when a uniqueness rule would be violated.
	ErrConflict = errors.New("conflict")
	// ErrPersistence wraps integrity failures reported by the database.
	ErrPersistence = errors.New("persistence failure")
)

const pgUniqueViolation = "23505"

// Validationf builds a validation error with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// IsDomain reports whether err carries one of the domain kinds, as opposed to
// a persistence or infrastructure failure.
func IsDomain(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict)
}

// IsUniqueViolation reports whether err is a Postgres unique violation,
// optionally restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// Classify converts database errors into the kinds above. pgx.ErrNoRows maps to
// notFound (when given), integrity violations (class 23) map to ErrPersistence.
// Anything else is returned unchanged.
func Classify(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) && notFound != nil {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return fmt.Errorf("%w: %s (%s)", ErrPersistence, pgErr.Message, pgErr.ConstraintName)
	}
	return err
}
