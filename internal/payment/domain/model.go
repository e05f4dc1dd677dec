package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is one received gateway event. (provider, provider_event_id) is unique.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	CustomerID      snowflake.ID   `json:"customer_id" gorm:"not null;index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	// SourceType is the gateway object the event describes, e.g. invoice or payment_intent.
	SourceType         string
	Type               string
	ProviderCustomerID string
	ProviderInvoiceID  string
	ProviderPaymentID  string
	ChargeID           string
	// CustomerID is set by the adapter from object metadata, or resolved from ProviderCustomerID.
	CustomerID     snowflake.ID
	Amount         int64
	Currency       string
	AttemptCount   int
	FailureCode    string
	FailureMessage string
	OccurredAt     time.Time
	RawPayload     []byte
}

// AdapterConfig carries the provider credentials an adapter needs to verify events.
type AdapterConfig struct {
	Provider      string
	WebhookSecret string
	// Tolerance bounds the accepted signature age. Zero uses the adapter default.
	Tolerance time.Duration
}
