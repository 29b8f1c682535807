package repositories

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Common repository errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidAmount    = errors.New("amount must be greater than zero")
	ErrInvalidReference = errors.New("campaign reference is required")
)

// IsRecordNotFoundError checks if an error is a gorm record not found error
func IsRecordNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// forUpdate takes a row lock on databases that support it. SQLite ignores the
// clause; its single writer already serialises transactions.
func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
