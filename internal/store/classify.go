package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pharmimport/internal/retry"
	"pharmimport/internal/services"
)

// classify tags a backend error with the services marker matching its
// cause. Constraint violations are validation errors; lock contention,
// serialization failures and dropped connections are transient.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
			return services.Wrap(services.ErrValidation, "importing", operation, "row rejected by database", err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return services.Wrap(services.ErrTransient, "importing", operation, "database busy", err)
		case sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return services.Wrap(services.ErrFatal, "importing", operation, "database unusable", err)
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return services.Wrap(services.ErrValidation, "importing", operation, "row rejected by database", err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return services.Wrap(services.ErrTransient, "importing", operation, "database temporarily unavailable", err)
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "28"):
			return services.Wrap(services.ErrFatal, "importing", operation, "database rejected statement", err)
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || retry.IsTransient(err) {
		return services.Wrap(services.ErrTransient, "importing", operation, "database call failed", err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
