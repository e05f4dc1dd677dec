// Package domain contains persistence models for subscriptions and their dunning metadata.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus mirrors the gateway lifecycle of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// BillingInterval is the unit of a subscription's billing period.
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Grace metadata keys written by the billing retry loop.
const (
	MetadataGracePeriodEnd       = "grace_period_end"
	MetadataGracePeriodAppliedAt = "grace_period_applied_at"
	MetadataDunningSuspendedAt   = "dunning_suspended_at"
)

// Subscription captures a customer's billing agreement.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	CustomerID             snowflake.ID       `gorm:"not null;index"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	BillingInterval        BillingInterval    `gorm:"type:text;not null"`
	IntervalCount          int                `gorm:"not null;default:1"`
	Amount                 int64              `gorm:"not null"`
	Currency               string             `gorm:"type:text;not null"`
	CurrentPeriodStart     *time.Time         `gorm:""`
	CurrentPeriodEnd       *time.Time         `gorm:""`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false"`
	ProviderSubscriptionID *string            `gorm:"type:text"`
	Metadata               datatypes.JSONMap  `gorm:"type:jsonb"`
	CanceledAt             *time.Time         `gorm:""`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsBillable reports whether the subscription contributes to recurring revenue.
func (s Subscription) IsBillable() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// MonthlyAmount normalizes the subscription amount to a monthly equivalent in minor units.
func (s Subscription) MonthlyAmount() int64 {
	count := int64(s.IntervalCount)
	if count <= 0 {
		count = 1
	}
	switch s.BillingInterval {
	case IntervalDay:
		return s.Amount * 30 / count
	case IntervalWeek:
		return s.Amount * 52 / (12 * count)
	case IntervalYear:
		return s.Amount / (12 * count)
	default:
		return s.Amount / count
	}
}

// GracePeriodEnd returns the grace end stored in metadata, if any.
func (s Subscription) GracePeriodEnd() (time.Time, bool) {
	return metadataTime(s.Metadata, MetadataGracePeriodEnd)
}

// DunningSuspendedAt returns when the retry loop suspended the subscription, if it did.
func (s Subscription) DunningSuspendedAt() (time.Time, bool) {
	return metadataTime(s.Metadata, MetadataDunningSuspendedAt)
}

func metadataTime(metadata datatypes.JSONMap, key string) (time.Time, bool) {
	if metadata == nil {
		return time.Time{}, false
	}
	raw, ok := metadata[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}
