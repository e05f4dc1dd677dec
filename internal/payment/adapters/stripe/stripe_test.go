package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test"

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Provider: "stripe", WebhookSecret: testSecret})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter.(*Adapter)
}

func signedHeader(secret string, payload []byte, at time.Time) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)
	return header
}

func TestVerifySignature(t *testing.T) {
	adapter := newTestAdapter(t)
	payload := []byte(`{"id":"evt_123","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	now := time.Now()

	if err := adapter.Verify(context.Background(), payload, signedHeader(testSecret, payload, now)); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	cases := map[string]http.Header{
		"wrong secret": signedHeader("whsec_other", payload, now),
		"too old":      signedHeader(testSecret, payload, now.Add(-time.Hour)),
		"missing":      {},
	}
	for name, header := range cases {
		if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
			t.Fatalf("%s: expected invalid signature, got %v", name, err)
		}
	}
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	if _, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Provider: "stripe"}); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	customerID := node.Generate()
	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name         string
		event        map[string]any
		wantType     string
		wantSource   string
		wantAmount   int64
		wantCode     string
		wantInvoice  string
		wantCharge   string
		wantCustomer snowflake.ID
	}{
		{
			name: "invoice.payment_failed",
			event: map[string]any{
				"id": "evt_inv_failed", "type": "invoice.payment_failed", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "in_1", "customer": "cus_1", "amount_due": 5000, "amount_paid": 0,
					"attempt_count": 2, "currency": "usd", "charge": "ch_1",
				}},
			},
			wantType:    paymentdomain.EventTypePaymentFailed,
			wantSource:  sourceInvoice,
			wantAmount:  5000,
			wantCode:    invoiceFailureCode,
			wantInvoice: "in_1",
			wantCharge:  "ch_1",
		},
		{
			name: "invoice.paid",
			event: map[string]any{
				"id": "evt_inv_paid", "type": "invoice.paid", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "in_2", "customer": map[string]any{"id": "cus_2"}, "amount_due": 5000,
					"amount_paid": 5000, "currency": "usd",
				}},
			},
			wantType:    paymentdomain.EventTypePaymentSucceeded,
			wantSource:  sourceInvoice,
			wantAmount:  5000,
			wantInvoice: "in_2",
		},
		{
			name: "payment_intent.payment_failed",
			event: map[string]any{
				"id": "evt_pi_failed", "type": "payment_intent.payment_failed", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "pi_1", "customer": "cus_3", "amount": 2000, "currency": "usd",
					"metadata": map[string]any{"customer_id": customerID.String()},
					"last_payment_error": map[string]any{
						"code": "card_declined", "decline_code": "insufficient_funds",
						"message": "Your card has insufficient funds.", "charge": "ch_3",
					},
				}},
			},
			wantType:     paymentdomain.EventTypePaymentFailed,
			wantSource:   sourcePaymentIntent,
			wantAmount:   2000,
			wantCode:     "insufficient_funds",
			wantCharge:   "ch_3",
			wantCustomer: customerID,
		},
		{
			name: "payment_intent.succeeded",
			event: map[string]any{
				"id": "evt_pi_ok", "type": "payment_intent.succeeded", "created": created,
				"data": map[string]any{"object": map[string]any{
					"id": "pi_2", "customer": "cus_4", "amount": 2000, "amount_received": 1800,
					"currency": "usd", "invoice": "in_4", "latest_charge": "ch_4",
				}},
			},
			wantType:    paymentdomain.EventTypePaymentSucceeded,
			wantSource:  sourcePaymentIntent,
			wantAmount:  1800,
			wantInvoice: "in_4",
			wantCharge:  "ch_4",
		},
	}

	adapter := newTestAdapter(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal event: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if event.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, event.Type)
			}
			if event.SourceType != tt.wantSource {
				t.Fatalf("expected source %s, got %s", tt.wantSource, event.SourceType)
			}
			if event.Amount != tt.wantAmount {
				t.Fatalf("expected amount %d, got %d", tt.wantAmount, event.Amount)
			}
			if event.FailureCode != tt.wantCode {
				t.Fatalf("expected failure code %q, got %q", tt.wantCode, event.FailureCode)
			}
			if event.ProviderInvoiceID != tt.wantInvoice {
				t.Fatalf("expected invoice %q, got %q", tt.wantInvoice, event.ProviderInvoiceID)
			}
			if event.ChargeID != tt.wantCharge {
				t.Fatalf("expected charge %q, got %q", tt.wantCharge, event.ChargeID)
			}
			if event.CustomerID != tt.wantCustomer {
				t.Fatalf("expected customer %s, got %s", tt.wantCustomer, event.CustomerID)
			}
			if event.ProviderCustomerID == "" {
				t.Fatalf("expected provider customer id")
			}
			if event.Currency != "USD" {
				t.Fatalf("expected USD, got %s", event.Currency)
			}
			if !event.OccurredAt.Equal(time.Unix(created, 0).UTC()) {
				t.Fatalf("unexpected occurred_at %s", event.OccurredAt)
			}
		})
	}
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	adapter := newTestAdapter(t)
	payload := []byte(`{"id":"evt_1","type":"customer.updated","data":{"object":{"id":"cus_1"}}}`)
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored, got %v", err)
	}
}

func TestParseRequiresCustomerReference(t *testing.T) {
	adapter := newTestAdapter(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed","data":{"object":{"id":"in_1","amount_due":100,"currency":"usd"}}}`)
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrInvalidCustomer) {
		t.Fatalf("expected invalid customer, got %v", err)
	}
}
