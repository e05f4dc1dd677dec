// Package domain contains persistence models for invoices, refunds and the retry loop.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus mirrors the gateway invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// Invoice is a bill the retry loop attempts to collect.
type Invoice struct {
	ID                 snowflake.ID  `gorm:"primaryKey"`
	CustomerID         snowflake.ID  `gorm:"not null;index"`
	SubscriptionID     *snowflake.ID `gorm:"index"`
	ProviderInvoiceID  *string       `gorm:"type:text"`
	Status             InvoiceStatus `gorm:"type:text;not null;default:'draft'"`
	Currency           string        `gorm:"type:text;not null"`
	Subtotal           int64         `gorm:"not null;default:0"`
	TaxAmount          int64         `gorm:"not null;default:0"`
	Total              int64         `gorm:"not null;default:0"`
	AmountPaid         int64         `gorm:"not null;default:0"`
	AmountRefunded     int64         `gorm:"not null;default:0"`
	AttemptCount       int           `gorm:"not null;default:0"`
	NextPaymentAttempt *time.Time    `gorm:"index"`
	LastFailureCode    string        `gorm:"type:text;not null;default:''"`
	ChargeID           *string       `gorm:"type:text"`
	PaidAt             *time.Time    `gorm:""`
	VoidedAt           *time.Time    `gorm:""`
	CreatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// AmountDue is the outstanding balance.
func (i Invoice) AmountDue() int64 {
	if due := i.Total - i.AmountPaid; due > 0 {
		return due
	}
	return 0
}

// Refundable is the paid amount not yet refunded.
func (i Invoice) Refundable() int64 {
	if left := i.AmountPaid - i.AmountRefunded; left > 0 {
		return left
	}
	return 0
}

// InvoiceItem is a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	Description string       `gorm:"type:text;not null"`
	Quantity    int64        `gorm:"not null"`
	UnitAmount  int64        `gorm:"not null"`
	Amount      int64        `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund records money returned against a paid invoice.
type Refund struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	InvoiceID        snowflake.ID `gorm:"not null;index"`
	ProviderRefundID *string      `gorm:"type:text"`
	ChargeID         string       `gorm:"type:text;not null"`
	Amount           int64        `gorm:"not null"`
	Reason           string       `gorm:"type:text;not null"`
	Status           RefundStatus `gorm:"type:text;not null"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Refund) TableName() string { return "refunds" }
