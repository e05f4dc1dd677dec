package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	billingdomain "github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	customerdomain "github.com/smallbiznis/dunning/internal/customer/domain"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	"github.com/smallbiznis/dunning/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            paymentdomain.Repository
	CustomerSvc     customerdomain.Service
	AccountStateSvc accountstatedomain.Service
	BillingSvc      billingdomain.Service
	AuditSvc        auditdomain.Service `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

// Service stores gateway events once and applies them to invoices and account state.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        paymentdomain.Repository
	customerSvc customerdomain.Service
	accountSvc  accountstatedomain.Service
	billingSvc  billingdomain.Service
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		customerSvc: p.CustomerSvc,
		accountSvc:  p.AccountStateSvc,
		billingSvc:  p.BillingSvc,
		auditSvc:    p.AuditSvc,
		obsMetrics:  p.ObsMetrics,
	}
}

// ProcessEvent records the event and dispatches it. A redelivered event that was already
// processed returns ErrEventAlreadyProcessed; one that failed midway is processed again.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}
	if err := validateEvent(event); err != nil {
		return err
	}
	if err := s.resolveCustomer(ctx, event); err != nil {
		return err
	}

	now := s.clock.Now()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		CustomerID:      event.CustomerID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeWebhook), event.Provider)
	if err := s.processEvent(ctx, stored, event); err != nil {
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}

	if inserted && s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}
	return nil
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded, paymentdomain.EventTypePaymentFailed:
	default:
		return paymentdomain.ErrInvalidEvent
	}
	if event.CustomerID == 0 && strings.TrimSpace(event.ProviderCustomerID) == "" {
		return paymentdomain.ErrInvalidCustomer
	}
	currency := strings.TrimSpace(event.Currency)
	if currency == "" {
		return paymentdomain.ErrInvalidCurrency
	}
	event.Currency = strings.ToUpper(currency)
	if event.Amount < 0 {
		return paymentdomain.ErrInvalidAmount
	}
	if event.OccurredAt.IsZero() {
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

// resolveCustomer maps the gateway customer onto ours when the adapter could not.
func (s *Service) resolveCustomer(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if event.CustomerID != 0 {
		return nil
	}
	customer, err := s.customerSvc.FindByProviderCustomerID(ctx, strings.TrimSpace(event.ProviderCustomerID))
	if err != nil {
		if errors.Is(err, customerdomain.ErrNotFound) {
			return paymentdomain.ErrInvalidCustomer
		}
		return err
	}
	if customer == nil {
		return paymentdomain.ErrInvalidCustomer
	}
	event.CustomerID = customer.ID
	return nil
}

func (s *Service) processEvent(ctx context.Context, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentFailed:
		return s.handleFailure(ctx, stored, event)
	case paymentdomain.EventTypePaymentSucceeded:
		return s.handleSuccess(ctx, stored, event)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) handleFailure(ctx context.Context, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent) error {
	invoice, err := s.localInvoice(ctx, event.ProviderInvoiceID)
	if err != nil {
		return err
	}

	input := accountstatedomain.PaymentFailureInput{
		CustomerID:     event.CustomerID,
		IdempotencyKey: event.Provider + ":" + event.ProviderEventID,
		FailureCode:    event.FailureCode,
		FailureMessage: event.FailureMessage,
		Amount:         event.Amount,
		Currency:       event.Currency,
		AttemptCount:   event.AttemptCount,
		Status:         accountstatedomain.FailureStatusPending,
	}
	if invoice != nil {
		invoiceID := invoice.ID
		input.InvoiceID = &invoiceID
		input.SubscriptionID = invoice.SubscriptionID
	}

	state, err := s.accountSvc.ProcessPaymentFailure(ctx, input)
	if err != nil {
		return fmt.Errorf("process payment failure: %w", err)
	}

	extra := map[string]any{"failure_code": event.FailureCode}
	if state != nil {
		extra["account_state"] = string(state.State)
	}
	s.writeAuditLog(ctx, "payment.failed", stored, event, extra)
	return nil
}

func (s *Service) handleSuccess(ctx context.Context, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent) error {
	log := logger.WithCustomer(logger.WithContext(ctx, s.log), event.CustomerID.String())

	if event.ProviderInvoiceID != "" {
		invoice, err := s.billingSvc.MarkPaidByProvider(ctx, event.ProviderInvoiceID, event.Amount, event.ChargeID)
		switch {
		case errors.Is(err, billingdomain.ErrInvoiceNotFound):
			log.Info("paid invoice is not tracked locally", zap.String("provider_invoice_id", event.ProviderInvoiceID))
		case errors.Is(err, billingdomain.ErrInvoiceNotOpen):
			log.Warn("paid invoice is void locally", zap.String("provider_invoice_id", event.ProviderInvoiceID))
		case err != nil:
			return fmt.Errorf("mark invoice paid: %w", err)
		case invoice.SubscriptionID != nil:
			if err := s.billingSvc.RemoveGracePeriod(ctx, *invoice.SubscriptionID); err != nil {
				return fmt.Errorf("remove grace period: %w", err)
			}
		}
	}

	state, err := s.accountSvc.ProcessPaymentSuccess(ctx, event.CustomerID, event.ProviderPaymentID)
	if err != nil {
		return fmt.Errorf("process payment success: %w", err)
	}

	extra := map[string]any{}
	if state != nil {
		extra["account_state"] = string(state.State)
	}
	s.writeAuditLog(ctx, "payment.received", stored, event, extra)
	return nil
}

// localInvoice returns nil when the event has no invoice or the invoice is not tracked here.
func (s *Service) localInvoice(ctx context.Context, providerInvoiceID string) (*billingdomain.Invoice, error) {
	if strings.TrimSpace(providerInvoiceID) == "" {
		return nil, nil
	}
	invoice, err := s.billingSvc.GetInvoiceByProviderID(ctx, providerInvoiceID)
	if errors.Is(err, billingdomain.ErrInvoiceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	return invoice, nil
}

func (s *Service) writeAuditLog(ctx context.Context, action string, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent, extra map[string]any) {
	if s.auditSvc == nil {
		return
	}

	metadata := map[string]any{
		"customer_id":       event.CustomerID.String(),
		"provider":          event.Provider,
		"provider_event_id": event.ProviderEventID,
		"source_type":       event.SourceType,
		"amount":            event.Amount,
		"currency":          event.Currency,
		"occurred_at":       event.OccurredAt.Format(time.RFC3339),
	}
	if event.ProviderInvoiceID != "" {
		metadata["provider_invoice_id"] = event.ProviderInvoiceID
	}
	for key, value := range extra {
		metadata[key] = value
	}

	provider := event.Provider
	targetID := stored.ID.String()
	if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeWebhook), &provider, action, "payment_event", &targetID, metadata); err != nil {
		s.log.Warn("failed to write payment audit log", zap.String("action", action), zap.Error(err))
	}
}
