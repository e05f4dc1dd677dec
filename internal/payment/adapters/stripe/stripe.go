package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	providerName = "stripe"

	sourceInvoice       = "invoice"
	sourcePaymentIntent = "payment_intent"

	// invoice events carry no decline detail; the charge holds it.
	invoiceFailureCode = "invoice_payment_failed"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Adapter{webhookSecret: secret, tolerance: tolerance}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return paymentdomain.ErrInvalidSignature
	default:
		return paymentdomain.ErrInvalidPayload
	}
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch event.Type {
	case stripego.EventTypeInvoicePaymentFailed:
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentFailed)
	case stripego.EventTypeInvoicePaid, stripego.EventTypeInvoicePaymentSucceeded:
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case stripego.EventTypePaymentIntentPaymentFailed:
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentFailed)
	case stripego.EventTypePaymentIntentSucceeded:
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeInvoice struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	AmountDue    int64           `json:"amount_due"`
	AmountPaid   int64           `json:"amount_paid"`
	AttemptCount int             `json:"attempt_count"`
	Currency     string          `json:"currency"`
	Charge       json.RawMessage `json:"charge"`
	Created      int64           `json:"created"`
	Metadata     map[string]any  `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string              `json:"id"`
	Customer         json.RawMessage     `json:"customer"`
	Invoice          json.RawMessage     `json:"invoice"`
	LatestCharge     json.RawMessage     `json:"latest_charge"`
	Amount           int64               `json:"amount"`
	AmountReceived   int64               `json:"amount_received"`
	Currency         string              `json:"currency"`
	Created          int64               `json:"created"`
	LastPaymentError *stripePaymentError `json:"last_payment_error"`
	Metadata         map[string]any      `json:"metadata"`
}

type stripePaymentError struct {
	Code        string          `json:"code"`
	DeclineCode string          `json:"decline_code"`
	Message     string          `json:"message"`
	Charge      json.RawMessage `json:"charge"`
}

func (a *Adapter) parseInvoice(event stripego.Event, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:           providerName,
		ProviderEventID:    event.ID,
		SourceType:         sourceInvoice,
		Type:               eventType,
		ProviderCustomerID: expandableID(invoice.Customer),
		ProviderInvoiceID:  invoice.ID,
		ProviderPaymentID:  invoice.ID,
		ChargeID:           expandableID(invoice.Charge),
		AttemptCount:       invoice.AttemptCount,
		Currency:           strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		OccurredAt:         timestamp(invoice.Created, event.Created),
		RawPayload:         payload,
	}
	if eventType == paymentdomain.EventTypePaymentSucceeded {
		out.Amount = invoice.AmountPaid
	} else {
		out.Amount = invoice.AmountDue
		out.FailureCode = invoiceFailureCode
		out.FailureMessage = "invoice payment attempt " + strconv.Itoa(invoice.AttemptCount) + " failed"
	}
	if err := applyCustomer(out, invoice.Metadata); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) parsePaymentIntent(event stripego.Event, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:           providerName,
		ProviderEventID:    event.ID,
		SourceType:         sourcePaymentIntent,
		Type:               eventType,
		ProviderCustomerID: expandableID(intent.Customer),
		ProviderInvoiceID:  expandableID(intent.Invoice),
		ProviderPaymentID:  intent.ID,
		ChargeID:           expandableID(intent.LatestCharge),
		Amount:             intent.Amount,
		Currency:           strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:         timestamp(intent.Created, event.Created),
		RawPayload:         payload,
	}
	if eventType == paymentdomain.EventTypePaymentSucceeded && intent.AmountReceived > 0 {
		out.Amount = intent.AmountReceived
	}
	if perr := intent.LastPaymentError; perr != nil && eventType == paymentdomain.EventTypePaymentFailed {
		out.FailureCode = perr.DeclineCode
		if out.FailureCode == "" {
			out.FailureCode = perr.Code
		}
		out.FailureMessage = perr.Message
		if out.ChargeID == "" {
			out.ChargeID = expandableID(perr.Charge)
		}
	}
	if eventType == paymentdomain.EventTypePaymentFailed && out.FailureCode == "" {
		out.FailureCode = "payment_failed"
	}
	if err := applyCustomer(out, intent.Metadata); err != nil {
		return nil, err
	}
	return out, nil
}

// applyCustomer takes the internal customer id from metadata when present. Events that carry
// neither metadata nor a gateway customer cannot be mapped.
func applyCustomer(event *paymentdomain.PaymentEvent, metadata map[string]any) error {
	if raw := readMetadataValue(metadata, "customer_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return paymentdomain.ErrInvalidCustomer
		}
		event.CustomerID = id
		return nil
	}
	if event.ProviderCustomerID == "" {
		return paymentdomain.ErrInvalidCustomer
	}
	return nil
}

// expandableID reads a Stripe reference that is either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return ""
		}
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return strings.TrimSpace(obj.ID)
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
