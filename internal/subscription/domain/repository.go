package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListByCustomerID(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]Subscription, error)
	ListByStatus(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus, limit int) ([]Subscription, error)
	// UpdateMetadataStatus writes metadata and status only while the row is in one of fromStatuses.
	UpdateMetadataStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, status SubscriptionStatus, fromStatuses []SubscriptionStatus, now time.Time) (bool, error)
	CountActiveAt(ctx context.Context, db *gorm.DB, at time.Time) (int64, error)
	CountCanceledBetween(ctx context.Context, db *gorm.DB, start, end time.Time) (int64, error)
}
