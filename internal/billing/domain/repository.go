package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AttemptUpdate is the outcome of one collection attempt written back to an invoice.
type AttemptUpdate struct {
	InvoiceID          snowflake.ID
	ExpectedAttempts   int
	AttemptCount       int
	Status             InvoiceStatus
	NextPaymentAttempt *time.Time
	LastFailureCode    string
	AmountPaid         int64
	ChargeID           *string
	PaidAt             *time.Time
	UpdatedAt          time.Time
}

type Repository interface {
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertItem(ctx context.Context, db *gorm.DB, item *InvoiceItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByProviderInvoiceID(ctx context.Context, db *gorm.DB, providerInvoiceID string) (*Invoice, error)
	ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
	// ListDue returns open invoices whose next attempt is due and that the gateway can collect.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error)
	// ClaimAttempt leases an open invoice due by dueBy by pushing next_payment_attempt to leaseUntil.
	ClaimAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedAttempts int, dueBy, leaseUntil, now time.Time) (bool, error)
	// ApplyAttempt writes an attempt outcome when the row is still open at the expected attempt count.
	ApplyAttempt(ctx context.Context, db *gorm.DB, update AttemptUpdate) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []InvoiceStatus, to InvoiceStatus, nextAttempt *time.Time, now time.Time) (bool, error)
	MarkVoided(ctx context.Context, db *gorm.DB, id snowflake.ID, from []InvoiceStatus, now time.Time) (bool, error)
	// MarkPaid settles an open invoice reported paid outside the retry loop.
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, amountPaid int64, chargeID *string, now time.Time) (bool, error)
	// AdjustRefunded adds delta to amount_refunded while keeping it within [0, amount_paid].
	AdjustRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) (bool, error)
	InsertRefund(ctx context.Context, db *gorm.DB, refund *Refund) error
	UpdateRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, status RefundStatus, providerRefundID *string) error
	ListRefunds(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Refund, error)
}
