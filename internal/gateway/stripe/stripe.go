// Package stripe implements the gateway port over the Stripe API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/dunning/internal/gateway/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
)

const ProviderName = "stripe"

type Config struct {
	SecretKey string
	// APIURL overrides the Stripe API base URL, used for tests and proxies.
	APIURL     string
	HTTPClient *http.Client
}

type Adapter struct {
	invoices      invoice.Client
	refunds       refund.Client
	subscriptions subscription.Client
}

var _ domain.Gateway = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, domain.ErrNotConfigured
	}

	backendCfg := &stripego.BackendConfig{
		// Retries belong to the dunning schedule, not to the HTTP client.
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelError},
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	if url := strings.TrimSpace(cfg.APIURL); url != "" {
		backendCfg.URL = stripego.String(url)
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)

	return &Adapter{
		invoices:      invoice.Client{B: backend, Key: key},
		refunds:       refund.Client{B: backend, Key: key},
		subscriptions: subscription.Client{B: backend, Key: key},
	}, nil
}

func (a *Adapter) Name() string {
	return ProviderName
}

func (a *Adapter) PayInvoice(ctx context.Context, providerInvoiceID string) (*domain.InvoiceResult, error) {
	if strings.TrimSpace(providerInvoiceID) == "" {
		return nil, domain.ErrInvalidRequest
	}
	params := &stripego.InvoicePayParams{}
	params.Context = ctx

	inv, err := a.invoices.Pay(providerInvoiceID, params)
	if err != nil {
		return nil, classify(err)
	}
	return toInvoiceResult(inv), nil
}

func (a *Adapter) RetrieveInvoice(ctx context.Context, providerInvoiceID string) (*domain.InvoiceResult, error) {
	if strings.TrimSpace(providerInvoiceID) == "" {
		return nil, domain.ErrInvalidRequest
	}
	params := &stripego.InvoiceParams{}
	params.Context = ctx

	inv, err := a.invoices.Get(providerInvoiceID, params)
	if err != nil {
		return nil, classify(err)
	}
	return toInvoiceResult(inv), nil
}

func (a *Adapter) Refund(ctx context.Context, chargeID string, amount int64, reason string) (*domain.RefundResult, error) {
	if strings.TrimSpace(chargeID) == "" || amount <= 0 {
		return nil, domain.ErrInvalidRequest
	}
	params := &stripego.RefundParams{
		Charge: stripego.String(chargeID),
		Amount: stripego.Int64(amount),
	}
	if r := refundReason(reason); r != "" {
		params.Reason = stripego.String(r)
	}
	params.Context = ctx

	out, err := a.refunds.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &domain.RefundResult{
		ProviderRefundID: out.ID,
		Status:           string(out.Status),
		Amount:           out.Amount,
	}, nil
}

func (a *Adapter) PauseCollection(ctx context.Context, providerSubscriptionID string) error {
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return domain.ErrInvalidRequest
	}
	params := &stripego.SubscriptionParams{
		PauseCollection: &stripego.SubscriptionPauseCollectionParams{
			Behavior: stripego.String("mark_uncollectible"),
		},
	}
	params.Context = ctx

	if _, err := a.subscriptions.Update(providerSubscriptionID, params); err != nil {
		return classify(err)
	}
	return nil
}

func toInvoiceResult(inv *stripego.Invoice) *domain.InvoiceResult {
	result := &domain.InvoiceResult{
		ProviderInvoiceID: inv.ID,
		Status:            string(inv.Status),
		AmountDue:         inv.AmountDue,
		AmountPaid:        inv.AmountPaid,
		AttemptCount:      inv.AttemptCount,
		ChargeID:          chargeFromRaw(inv.LastResponse),
	}
	if inv.NextPaymentAttempt > 0 {
		next := time.Unix(inv.NextPaymentAttempt, 0).UTC()
		result.NextPaymentAttempt = &next
	}
	return result
}

// chargeFromRaw reads the legacy top-level charge id when the API version still sends it.
func chargeFromRaw(resp *stripego.APIResponse) string {
	if resp == nil || len(resp.RawJSON) == 0 {
		return ""
	}
	var raw struct {
		Charge json.RawMessage `json:"charge"`
	}
	if err := json.Unmarshal(resp.RawJSON, &raw); err != nil || len(raw.Charge) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw.Charge, &id); err == nil {
		return id
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw.Charge, &expanded); err == nil {
		return expanded.ID
	}
	return ""
}

func refundReason(reason string) string {
	switch strings.TrimSpace(reason) {
	case "duplicate", "fraudulent", "requested_by_customer":
		return reason
	default:
		return ""
	}
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout
	}

	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return err
	}

	out := &domain.Error{
		Code:        string(stripeErr.Code),
		DeclineCode: string(stripeErr.DeclineCode),
		Message:     stripeErr.Msg,
		HTTPStatus:  stripeErr.HTTPStatusCode,
	}
	switch {
	case stripeErr.Type == stripego.ErrorTypeCard:
		out.Decline = true
		out.Retryable = true
		if out.Code == "" {
			out.Code = domain.CodeCardDeclined
		}
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		out.Code = domain.CodeRateLimited
		out.Retryable = true
	case stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripego.ErrorTypeAPI:
		if out.Code == "" {
			out.Code = domain.CodeAPIError
		}
		out.Retryable = true
	case stripeErr.Type == stripego.ErrorTypeInvalidRequest:
		if out.Code == "" {
			out.Code = "invalid_request"
		}
		return errors.Join(domain.ErrInvalidRequest, out)
	}
	if out.Code == "" {
		out.Code = domain.CodeProcessingError
	}
	return out
}
