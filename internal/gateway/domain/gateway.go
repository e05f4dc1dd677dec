package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -destination=../mock/mock_gateway.go -package=mock github.com/smallbiznis/dunning/internal/gateway/domain Gateway

// Gateway is the port to an external payment processor.
type Gateway interface {
	Name() string
	PayInvoice(ctx context.Context, providerInvoiceID string) (*InvoiceResult, error)
	RetrieveInvoice(ctx context.Context, providerInvoiceID string) (*InvoiceResult, error)
	Refund(ctx context.Context, chargeID string, amount int64, reason string) (*RefundResult, error)
	PauseCollection(ctx context.Context, providerSubscriptionID string) error
}

const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusUncollectible = "uncollectible"
	InvoiceStatusVoid          = "void"
)

type InvoiceResult struct {
	ProviderInvoiceID  string
	Status             string
	AmountDue          int64
	AmountPaid         int64
	AttemptCount       int64
	ChargeID           string
	NextPaymentAttempt *time.Time
}

func (r *InvoiceResult) Paid() bool {
	return r != nil && r.Status == InvoiceStatusPaid
}

type RefundResult struct {
	ProviderRefundID string
	Status           string
	Amount           int64
}

var (
	ErrTimeout        = errors.New("gateway_timeout")
	ErrUnavailable    = errors.New("gateway_unavailable")
	ErrInvalidRequest = errors.New("gateway_invalid_request")
	ErrNotConfigured  = errors.New("gateway_not_configured")
)

const (
	CodeCardDeclined      = "card_declined"
	CodeInsufficientFunds = "insufficient_funds"
	CodeExpiredCard       = "expired_card"
	CodeProcessingError   = "processing_error"
	CodeRateLimited       = "rate_limited"
	CodeAPIError          = "api_error"
)

// Error is a classified processor failure.
type Error struct {
	Code        string
	DeclineCode string
	Message     string
	HTTPStatus  int
	Retryable   bool
	Decline     bool
}

func (e *Error) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("gateway %s (%s): %s", e.Code, e.DeclineCode, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Code, e.Message)
}

// FailureCode is the code stored on a PaymentFailure.
func (e *Error) FailureCode() string {
	if e.DeclineCode != "" {
		return e.DeclineCode
	}
	return e.Code
}

// IsDecline reports whether err is a card decline from the processor.
func IsDecline(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Decline
}

// FailureCode extracts a stable failure code from any gateway error.
func FailureCode(err error) string {
	var gwErr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &gwErr):
		return gwErr.FailureCode()
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "gateway_unavailable"
	default:
		return CodeAPIError
	}
}
