package domain

import (
	"context"
	"errors"
	"time"
)

// MetricsRequest selects the reporting window. A zero Start or End means the last 30 days.
type MetricsRequest struct {
	Start    time.Time
	End      time.Time
	Currency string
}

// SubscriptionMetrics is a revenue snapshot. ChurnRate is nil when nothing was
// active at the start of the window.
type SubscriptionMetrics struct {
	Currency              string    `json:"currency"`
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	MRR                   int64     `json:"mrr"`
	ARR                   int64     `json:"arr"`
	ActiveSubscriptions   int64     `json:"active_subscriptions"`
	ARPU                  float64   `json:"arpu"`
	ChurnRate             *float64  `json:"churn_rate,omitempty"`
	CustomerLifetimeValue float64   `json:"customer_lifetime_value"`
	LifetimeMonths        float64   `json:"lifetime_months"`
	PreviousMRR           int64     `json:"previous_mrr"`
	GrowthAmount          int64     `json:"growth_amount"`
	GrowthRate            *float64  `json:"growth_rate,omitempty"`
	HasData               bool      `json:"has_data"`
}

// DunningMetrics summarizes recovery. InvoluntaryChurn counts accounts
// suspended inside the window.
type DunningMetrics struct {
	Start            time.Time        `json:"start"`
	End              time.Time        `json:"end"`
	AccountsByState  map[string]int64 `json:"accounts_by_state"`
	PaymentFailures  int64            `json:"payment_failures"`
	Recovered        int64            `json:"recovered"`
	RecoveryRate     *float64         `json:"recovery_rate,omitempty"`
	InvoluntaryChurn int64            `json:"involuntary_churn"`
	HasData          bool             `json:"has_data"`
}

// Service exposes read-only revenue and recovery reporting.
type Service interface {
	GetSubscriptionMetrics(ctx context.Context, req MetricsRequest) (SubscriptionMetrics, error)
	GetDunningMetrics(ctx context.Context, req MetricsRequest) (DunningMetrics, error)
}

var (
	ErrInvalidRange    = errors.New("invalid_range")
	ErrInvalidCurrency = errors.New("invalid_currency")
)
