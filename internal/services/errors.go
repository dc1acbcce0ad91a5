package services

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrArtistNotFound = errors.New("artist not found")
)

// notFound maps pgx.ErrNoRows to ErrNotFound so callers can tell a
// missing row from a failed query.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
