// Package fake is an in-memory gateway for local runs and tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smallbiznis/dunning/internal/gateway/domain"
)

const ProviderName = "fake"

type Gateway struct {
	mu       sync.Mutex
	failures map[string][]error
	lookups  map[string][]error
	invoices map[string]*domain.InvoiceResult
	paused   map[string]bool
	refunds  []domain.RefundResult
	calls    map[string]int
	seq      int
}

var _ domain.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		failures: map[string][]error{},
		lookups:  map[string][]error{},
		invoices: map[string]*domain.InvoiceResult{},
		paused:   map[string]bool{},
		calls:    map[string]int{},
	}
}

// FailNext queues errors returned by the next PayInvoice calls for the invoice.
func (g *Gateway) FailNext(providerInvoiceID string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[providerInvoiceID] = append(g.failures[providerInvoiceID], errs...)
}

// Decline is a card decline with the given decline code.
func Decline(code string) error {
	return &domain.Error{
		Code:        domain.CodeCardDeclined,
		DeclineCode: code,
		Message:     "Your card was declined.",
		HTTPStatus:  402,
		Retryable:   true,
		Decline:     true,
	}
}

// FailRetrieveNext queues errors returned by the next RetrieveInvoice calls for the invoice.
func (g *Gateway) FailRetrieveNext(providerInvoiceID string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups[providerInvoiceID] = append(g.lookups[providerInvoiceID], errs...)
}

// MarkPaid settles the invoice on the processor side without a PayInvoice call.
func (g *Gateway) MarkPaid(providerInvoiceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	inv := g.invoice(providerInvoiceID)
	inv.Status = domain.InvoiceStatusPaid
	inv.ChargeID = fmt.Sprintf("ch_fake_%d", g.seq)
}

// AlreadyPaid is the rejection a processor returns when paying a settled invoice.
func AlreadyPaid() error {
	return errors.Join(domain.ErrInvalidRequest, &domain.Error{
		Code:       "invoice_already_paid",
		Message:    "Invoice is already paid.",
		HTTPStatus: 400,
	})
}

func (g *Gateway) Name() string {
	return ProviderName
}

func (g *Gateway) PayInvoice(ctx context.Context, providerInvoiceID string) (*domain.InvoiceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls["pay:"+providerInvoiceID]++
	inv := g.invoice(providerInvoiceID)
	inv.AttemptCount++

	if queued := g.failures[providerInvoiceID]; len(queued) > 0 {
		err := queued[0]
		g.failures[providerInvoiceID] = queued[1:]
		return nil, err
	}

	g.seq++
	inv.Status = domain.InvoiceStatusPaid
	inv.ChargeID = fmt.Sprintf("ch_fake_%d", g.seq)
	out := *inv
	return &out, nil
}

func (g *Gateway) RetrieveInvoice(ctx context.Context, providerInvoiceID string) (*domain.InvoiceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls["retrieve:"+providerInvoiceID]++
	if queued := g.lookups[providerInvoiceID]; len(queued) > 0 {
		err := queued[0]
		g.lookups[providerInvoiceID] = queued[1:]
		return nil, err
	}

	out := *g.invoice(providerInvoiceID)
	return &out, nil
}

func (g *Gateway) Refund(ctx context.Context, chargeID string, amount int64, reason string) (*domain.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chargeID == "" || amount <= 0 {
		return nil, domain.ErrInvalidRequest
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	out := domain.RefundResult{
		ProviderRefundID: fmt.Sprintf("re_fake_%d", g.seq),
		Status:           "succeeded",
		Amount:           amount,
	}
	g.refunds = append(g.refunds, out)
	return &out, nil
}

func (g *Gateway) PauseCollection(ctx context.Context, providerSubscriptionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.paused[providerSubscriptionID] = true
	return nil
}

// PayCalls returns how many times PayInvoice ran for the invoice.
func (g *Gateway) PayCalls(providerInvoiceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls["pay:"+providerInvoiceID]
}

// RetrieveCalls returns how many times RetrieveInvoice ran for the invoice.
func (g *Gateway) RetrieveCalls(providerInvoiceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls["retrieve:"+providerInvoiceID]
}

func (g *Gateway) Paused(providerSubscriptionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused[providerSubscriptionID]
}

func (g *Gateway) Refunds() []domain.RefundResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.RefundResult(nil), g.refunds...)
}

func (g *Gateway) invoice(id string) *domain.InvoiceResult {
	inv, ok := g.invoices[id]
	if !ok {
		inv = &domain.InvoiceResult{ProviderInvoiceID: id, Status: domain.InvoiceStatusOpen}
		g.invoices[id] = inv
	}
	return inv
}
