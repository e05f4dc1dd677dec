// Package domain holds the account state model that governs what a customer can do
// while a payment is failing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type State string

const (
	StateActive      State = "active"
	StateGracePeriod State = "grace_period"
	StateRestricted  State = "restricted"
	StateSuspended   State = "suspended"
)

// FeatureAllFeatures is the restriction sentinel carried by suspended accounts.
const FeatureAllFeatures = "all_features"

const (
	ReasonPaymentFailure          = "payment_failure"
	ReasonMultiplePaymentFailures = "multiple_payment_failures"
	ReasonGracePeriodExpired      = "grace_period_expired"
	ReasonPaymentRecovered        = "payment_recovered"
	ReasonDunningExhausted        = "dunning_exhausted"
)

// Transition is one entry of the append-only state history.
type Transition struct {
	From             State     `json:"from"`
	To               State     `json:"to"`
	Reason           string    `json:"reason"`
	At               time.Time `json:"at"`
	Actor            string    `json:"actor,omitempty"`
	PaymentFailureID string    `json:"payment_failure_id,omitempty"`
}

// AccountMetadata is the typed trail stored alongside the current state.
type AccountMetadata struct {
	FailureCount         int               `json:"failure_count"`
	PaymentFailureID     string            `json:"payment_failure_id,omitempty"`
	ReactivatedFrom      State             `json:"reactivated_from,omitempty"`
	PaymentIntentID      string            `json:"payment_intent_id,omitempty"`
	GracePeriodExpiredAt *time.Time        `json:"grace_period_expired_at,omitempty"`
	Notes                map[string]string `json:"notes,omitempty"`
	Transitions          []Transition      `json:"transitions"`
}

// AccountState is the single current row per customer. A customer without a row is active.
type AccountState struct {
	ID                  snowflake.ID                        `gorm:"primaryKey" json:"id"`
	CustomerID          snowflake.ID                        `gorm:"not null;uniqueIndex" json:"customer_id"`
	SubscriptionID      *snowflake.ID                       `json:"subscription_id,omitempty"`
	State               State                               `gorm:"type:text;not null" json:"state"`
	Reason              string                              `gorm:"type:text;not null" json:"reason"`
	GracePeriodEnd      *time.Time                          `json:"grace_period_end,omitempty"`
	FeatureRestrictions datatypes.JSONSlice[string]         `gorm:"type:jsonb" json:"feature_restrictions"`
	DataRetentionDays   int                                 `gorm:"not null" json:"data_retention_days"`
	ReactivationDate    *time.Time                          `json:"reactivation_date,omitempty"`
	Metadata            datatypes.JSONType[AccountMetadata] `gorm:"type:jsonb" json:"metadata"`
	Version             int64                               `gorm:"not null" json:"version"`
	CreatedAt           time.Time                           `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time                           `gorm:"not null" json:"updated_at"`
}

func (AccountState) TableName() string { return "account_states" }

// Restrictions returns the restriction set, never nil.
func (a AccountState) Restrictions() []string {
	if len(a.FeatureRestrictions) == 0 {
		return []string{}
	}
	out := make([]string, len(a.FeatureRestrictions))
	copy(out, a.FeatureRestrictions)
	return out
}

// IsRestricted reports whether feature is in the restriction set or the set is all_features.
func (a AccountState) IsRestricted(feature string) bool {
	for _, item := range a.FeatureRestrictions {
		if item == feature || item == FeatureAllFeatures {
			return true
		}
	}
	return false
}

type FailureStatus string

const (
	FailureStatusPending   FailureStatus = "pending"
	FailureStatusRetrying  FailureStatus = "retrying"
	FailureStatusResolved  FailureStatus = "resolved"
	FailureStatusExhausted FailureStatus = "exhausted"
)

// PaymentFailure is an immutable record of one failed charge attempt. Only Status advances.
type PaymentFailure struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	CustomerID     snowflake.ID  `gorm:"not null;index" json:"customer_id"`
	SubscriptionID *snowflake.ID `json:"subscription_id,omitempty"`
	InvoiceID      *snowflake.ID `json:"invoice_id,omitempty"`
	IdempotencyKey string        `gorm:"type:text;not null;uniqueIndex" json:"idempotency_key"`
	FailureCode    string        `gorm:"type:text" json:"failure_code"`
	FailureMessage string        `gorm:"type:text" json:"failure_message"`
	Amount         int64         `json:"amount"`
	Currency       string        `gorm:"type:text" json:"currency"`
	AttemptCount   int           `json:"attempt_count"`
	MaxAttempts    int           `json:"max_attempts"`
	Status         FailureStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"not null" json:"updated_at"`
}

func (PaymentFailure) TableName() string { return "payment_failures" }
