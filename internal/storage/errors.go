package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kobai/internal/model"
)

// notFound wraps model.ErrNotFound so callers can match it with errors.Is.
func notFound(what string, key any) error {
	return fmt.Errorf("storage: %s %v: %w", what, key, model.ErrNotFound)
}

// mapErr translates driver errors into model sentinels. A missing row becomes
// model.ErrNotFound, a unique violation becomes model.ErrConflict and a data
// exception (SQLSTATE class 22) becomes model.ErrInvalidInput.
func mapErr(op, what string, key any, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what, key)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("storage: %s: %s %v already exists: %w", op, what, key, model.ErrConflict)
	}
	if isDataException(err) {
		return fmt.Errorf("storage: %s: %w: %w", op, model.ErrInvalidInput, err)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isDataException matches rejected values such as 22P05 (unsupported Unicode
// escape) and 22021 (invalid byte sequence). Retrying them cannot succeed.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22")
}
