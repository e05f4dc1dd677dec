package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateInvoiceItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
}

type CreateInvoiceRequest struct {
	CustomerID        snowflake.ID        `json:"customer_id"`
	SubscriptionID    *snowflake.ID       `json:"subscription_id,omitempty"`
	ProviderInvoiceID string              `json:"provider_invoice_id,omitempty"`
	Currency          string              `json:"currency"`
	Items             []CreateInvoiceItem `json:"items"`
	TaxAmount         int64               `json:"tax_amount"`
}

type AttemptOutcome string

const (
	AttemptOutcomePaid           AttemptOutcome = "paid"
	AttemptOutcomeRetryScheduled AttemptOutcome = "retry_scheduled"
	AttemptOutcomeExhausted      AttemptOutcome = "exhausted"
	AttemptOutcomeSkipped        AttemptOutcome = "skipped"
	AttemptOutcomeError          AttemptOutcome = "error"
)

// AttemptResult is the outcome of collecting one invoice once.
type AttemptResult struct {
	InvoiceID          snowflake.ID   `json:"invoice_id"`
	Outcome            AttemptOutcome `json:"outcome"`
	AttemptCount       int            `json:"attempt_count"`
	NextPaymentAttempt *time.Time     `json:"next_payment_attempt,omitempty"`
	FailureCode        string         `json:"failure_code,omitempty"`
	Grace              GraceOutcome   `json:"grace,omitempty"`
	Err                error          `json:"-"`
}

type BillingRunResult struct {
	Processed          int             `json:"processed"`
	SuccessfulBillings int             `json:"successful_billings"`
	RetryScheduled     int             `json:"retry_scheduled"`
	FailedBillings     int             `json:"failed_billings"`
	Errors             int             `json:"errors"`
	Items              []AttemptResult `json:"items,omitempty"`
}

// GraceOutcome is what ApplyGracePeriodOrSuspend did to the subscription.
type GraceOutcome string

const (
	GraceApplied   GraceOutcome = "grace_applied"
	GracePending   GraceOutcome = "grace_pending"
	GraceSuspended GraceOutcome = "suspended"
)

// FailedCharge describes the exhausted attempt handed to ApplyGracePeriodOrSuspend.
type FailedCharge struct {
	FailureCode    string
	FailureMessage string
	AttemptCount   int
	Actor          string
}

type Service interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, id snowflake.ID) (*Invoice, error)
	GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*Invoice, error)
	FinalizeInvoice(ctx context.Context, id snowflake.ID) (*Invoice, error)
	VoidInvoice(ctx context.Context, id snowflake.ID, reason string) (*Invoice, error)
	RefundInvoice(ctx context.Context, id snowflake.ID, amount int64, reason string) (*Refund, error)
	// RetryInvoice attempts collection once, ignoring the retry schedule.
	RetryInvoice(ctx context.Context, id snowflake.ID) (*AttemptResult, error)
	// MarkPaidByProvider mirrors a gateway-reported payment onto the local invoice.
	MarkPaidByProvider(ctx context.Context, providerInvoiceID string, amountPaid int64, chargeID string) (*Invoice, error)

	ProcessFailedPayments(ctx context.Context) (BillingRunResult, error)
	SuspendOverdueSubscriptions(ctx context.Context) (int, error)
	ApplyGracePeriodOrSuspend(ctx context.Context, invoice Invoice, charge FailedCharge) (GraceOutcome, error)
	RemoveGracePeriod(ctx context.Context, subscriptionID snowflake.ID) error
}

var (
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidItems       = errors.New("invalid_invoice_items")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvoiceNotFound    = errors.New("invoice_not_found")
	ErrInvoiceNotDraft    = errors.New("invoice_not_draft")
	ErrInvoiceNotOpen     = errors.New("invoice_not_open")
	ErrInvoiceNotPaid     = errors.New("invoice_not_paid")
	ErrInvoiceNotVoidable = errors.New("invoice_not_voidable")
	ErrRefundExceedsPaid  = errors.New("refund_exceeds_paid_amount")
	ErrMissingCharge      = errors.New("invoice_missing_charge")
	ErrMissingProviderID  = errors.New("invoice_missing_provider_id")
	ErrConcurrentUpdate   = errors.New("invoice_conflict")
	ErrCustomerNotFound   = errors.New("customer_not_found")
)
