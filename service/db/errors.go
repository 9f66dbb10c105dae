package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies storage failures for the ingestion retry policy.
type ErrorKind string

const (
	// KindTransient covers I/O, connection and timeout failures; the write may succeed if retried.
	KindTransient ErrorKind = "transient"
	// KindIntegrity covers constraint violations other than the tolerated duplicate key.
	KindIntegrity ErrorKind = "integrity"
)

// StorageError wraps every failure returned by a store operation.
type StorageError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient storage error.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// IsIntegrity reports whether err is an integrity violation.
func IsIntegrity(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindIntegrity
}

// wrapErr classifies a pgx error. SQLSTATE class 23 (integrity constraint
// violation) and class 22 (data exception) are integrity errors; everything
// else is treated as transient.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	kind := KindTransient
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22") {
			kind = KindIntegrity
		}
	}
	return &StorageError{Op: op, Kind: kind, Err: err}
}
