package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrDuplicate         = errors.New("duplicate value")
	ErrSectorInUse       = errors.New("sector still has cards")
	ErrSectorSoleAccess  = errors.New("sector is a user's only permitted sector")
	ErrNoSectors         = errors.New("no sector exists")
	ErrInvalidReference  = errors.New("referenced row does not exist")
	ErrInsufficientStock = errors.New("movement would make the balance negative")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == pgForeignKeyViolation
}
