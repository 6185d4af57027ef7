package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
