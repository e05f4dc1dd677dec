package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, customer_id, status, billing_interval, interval_count, amount, currency,
	current_period_start, current_period_end, cancel_at_period_end, provider_subscription_id,
	metadata, canceled_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var item subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByCustomerID(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE customer_id = ?
		 ORDER BY created_at ASC, id ASC`,
		customerID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.SubscriptionStatus, limit int) ([]subscriptiondomain.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + subscriptionColumns + `
		 FROM subscriptions
		 WHERE status IN ?
		 ORDER BY id ASC`
	args := []any{statuses}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var items []subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateMetadataStatus(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	metadata datatypes.JSONMap,
	status subscriptiondomain.SubscriptionStatus,
	fromStatuses []subscriptiondomain.SubscriptionStatus,
	now time.Time,
) (bool, error) {
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET metadata = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		metadata,
		status,
		now,
		id,
		fromStatuses,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CountActiveAt(ctx context.Context, db *gorm.DB, at time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE created_at <= ?
		 AND (canceled_at IS NULL OR canceled_at > ?)`,
		at,
		at,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) CountCanceledBetween(ctx context.Context, db *gorm.DB, start, end time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE canceled_at IS NOT NULL
		 AND canceled_at >= ? AND canceled_at < ?`,
		start,
		end,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
