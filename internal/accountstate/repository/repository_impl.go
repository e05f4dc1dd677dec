package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/accountstate/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const accountStateColumns = `id, customer_id, subscription_id, state, reason, grace_period_end,
	feature_restrictions, data_retention_days, reactivation_date, metadata, version, created_at, updated_at`

const paymentFailureColumns = `id, customer_id, subscription_id, invoice_id, idempotency_key, failure_code,
	failure_message, amount, currency, attempt_count, max_attempts, status, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) GetByCustomerID(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*domain.AccountState, error) {
	var item domain.AccountState
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountStateColumns+`
		 FROM account_states
		 WHERE customer_id = ?`,
		customerID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.AccountState, error) {
	var item domain.AccountState
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountStateColumns+`
		 FROM account_states
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

func (r *repo) Insert(ctx context.Context, db *gorm.DB, state *domain.AccountState) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO account_states (`+accountStateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID,
		state.CustomerID,
		state.SubscriptionID,
		state.State,
		state.Reason,
		state.GracePeriodEnd,
		restrictionsValue(state.FeatureRestrictions),
		state.DataRetentionDays,
		state.ReactivationDate,
		state.Metadata,
		state.Version,
		state.CreatedAt,
		state.UpdatedAt,
	).Error
}

func (r *repo) UpdateIfVersion(ctx context.Context, db *gorm.DB, state *domain.AccountState, expectedVersion int64, expectedState domain.State) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE account_states
		 SET subscription_id = ?, state = ?, reason = ?, grace_period_end = ?, feature_restrictions = ?,
			data_retention_days = ?, reactivation_date = ?, metadata = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND state = ?`,
		state.SubscriptionID,
		state.State,
		state.Reason,
		state.GracePeriodEnd,
		restrictionsValue(state.FeatureRestrictions),
		state.DataRetentionDays,
		state.ReactivationDate,
		state.Metadata,
		state.UpdatedAt,
		state.ID,
		expectedVersion,
		expectedState,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListExpiredGracePeriods(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.AccountState, error) {
	query := `SELECT ` + accountStateColumns + `
		 FROM account_states
		 WHERE state IN ?
		 AND grace_period_end IS NOT NULL
		 AND grace_period_end < ?
		 ORDER BY grace_period_end ASC, id ASC`
	args := []any{
		[]domain.State{domain.StateGracePeriod, domain.StateRestricted},
		now,
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var items []domain.AccountState
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertFailure(ctx context.Context, db *gorm.DB, failure *domain.PaymentFailure) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO payment_failures (`+paymentFailureColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		failure.ID,
		failure.CustomerID,
		failure.SubscriptionID,
		failure.InvoiceID,
		failure.IdempotencyKey,
		failure.FailureCode,
		failure.FailureMessage,
		failure.Amount,
		failure.Currency,
		failure.AttemptCount,
		failure.MaxAttempts,
		failure.Status,
		failure.CreatedAt,
		failure.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindFailureByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.PaymentFailure, error) {
	var item domain.PaymentFailure
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentFailureColumns+`
		 FROM payment_failures
		 WHERE idempotency_key = ?`,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateFailureStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.FailureStatus, to domain.FailureStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_failures
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CountRecentFailures(ctx context.Context, db *gorm.DB, customerID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_failures
		 WHERE customer_id = ?
		 AND created_at >= ?
		 AND status <> ?`,
		customerID,
		since,
		domain.FailureStatusResolved,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) ResolveOpenFailures(ctx context.Context, db *gorm.DB, customerID snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_failures
		 SET status = ?, updated_at = ?
		 WHERE customer_id = ? AND status IN ?`,
		domain.FailureStatusResolved,
		now,
		customerID,
		[]domain.FailureStatus{domain.FailureStatusPending, domain.FailureStatusRetrying, domain.FailureStatusExhausted},
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func restrictionsValue(in datatypes.JSONSlice[string]) datatypes.JSONSlice[string] {
	if in == nil {
		return datatypes.JSONSlice[string]{}
	}
	return in
}
