package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = store.ErrNotFound

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation, e.g. a second
// settlement entry for the same (job_id, kind).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
