package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	GetByCustomerID(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*AccountState, error)
	GetByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AccountState, error)
	Insert(ctx context.Context, db *gorm.DB, state *AccountState) error
	// UpdateIfVersion writes state only while the stored row still has expectedVersion and expectedState.
	UpdateIfVersion(ctx context.Context, db *gorm.DB, state *AccountState, expectedVersion int64, expectedState State) (bool, error)
	ListExpiredGracePeriods(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]AccountState, error)

	// InsertFailure reports false when a failure with the same idempotency key already exists.
	InsertFailure(ctx context.Context, db *gorm.DB, failure *PaymentFailure) (bool, error)
	FindFailureByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*PaymentFailure, error)
	UpdateFailureStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []FailureStatus, to FailureStatus, now time.Time) (bool, error)
	CountRecentFailures(ctx context.Context, db *gorm.DB, customerID snowflake.ID, since time.Time) (int64, error)
	ResolveOpenFailures(ctx context.Context, db *gorm.DB, customerID snowflake.ID, now time.Time) (int64, error)
}
