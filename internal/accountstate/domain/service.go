package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PaymentFailureInput describes one failed charge reported by a webhook or the retry loop.
type PaymentFailureInput struct {
	CustomerID     snowflake.ID
	SubscriptionID *snowflake.ID
	InvoiceID      *snowflake.ID
	// IdempotencyKey deduplicates redelivered failures. Empty means always record.
	IdempotencyKey string
	FailureCode    string
	FailureMessage string
	Amount         int64
	Currency       string
	AttemptCount   int
	MaxAttempts    int
	Status         FailureStatus
	Actor          string
}

// MetadataPatch carries the optional metadata fields an update may set.
type MetadataPatch struct {
	GracePeriodExpiredAt *time.Time        `json:"grace_period_expired_at,omitempty"`
	PaymentIntentID      string            `json:"payment_intent_id,omitempty"`
	Notes                map[string]string `json:"notes,omitempty"`
}

type UpdateStateRequest struct {
	AccountStateID snowflake.ID
	State          State
	Reason         string
	Metadata       MetadataPatch
	Actor          string
}

type SweepOutcome string

const (
	SweepOutcomeSuspended SweepOutcome = "suspended"
	SweepOutcomeSkipped   SweepOutcome = "skipped"
	SweepOutcomeError     SweepOutcome = "error"
)

// SweepItemResult captures the outcome of one row in a sweep.
type SweepItemResult struct {
	AccountStateID snowflake.ID `json:"account_state_id"`
	CustomerID     snowflake.ID `json:"customer_id"`
	Outcome        SweepOutcome `json:"outcome"`
	Err            error        `json:"-"`
}

type SweepResult struct {
	Processed int               `json:"processed"`
	Suspended int               `json:"suspended"`
	Errors    int               `json:"errors"`
	Items     []SweepItemResult `json:"items,omitempty"`
}

type Service interface {
	ProcessPaymentFailure(ctx context.Context, input PaymentFailureInput) (*AccountState, error)
	// ProcessPaymentSuccess returns nil when the customer has no account state row.
	ProcessPaymentSuccess(ctx context.Context, customerID snowflake.ID, paymentIntentID string) (*AccountState, error)
	ProcessExpiredGracePeriods(ctx context.Context) (SweepResult, error)
	UpdateAccountState(ctx context.Context, req UpdateStateRequest) (*AccountState, error)
	// GetAccountState returns nil when the customer has no row, which means active.
	GetAccountState(ctx context.Context, customerID snowflake.ID) (*AccountState, error)
	// RecordPaymentFailure stores a failed attempt without moving the account state.
	RecordPaymentFailure(ctx context.Context, input PaymentFailureInput) (*PaymentFailure, bool, error)
}

var (
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidState      = errors.New("invalid_state")
	ErrInvalidReason     = errors.New("invalid_reason")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotFound          = errors.New("account_state_not_found")
	ErrConflict          = errors.New("account_state_conflict")
)
