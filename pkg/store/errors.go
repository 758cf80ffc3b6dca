package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/opswatch/internal/errkind"
)

// classify maps a raw pgx/postgres error onto the taxonomy every caller
// above this package reasons about with errors.Is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errkind.NotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, errkind.Conflict)
	}
	return fmt.Errorf("%s: %w: %v", op, errkind.Transient, err)
}
