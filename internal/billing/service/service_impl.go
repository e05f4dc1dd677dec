package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	"github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	customerdomain "github.com/smallbiznis/dunning/internal/customer/domain"
	gatewaydomain "github.com/smallbiznis/dunning/internal/gateway/domain"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	"github.com/smallbiznis/dunning/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRefundReason = "requested_by_customer"

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Policy          config.DunningPolicy
	Cfg             config.Config `optional:"true"`
	Repo            domain.Repository
	Gateway         gatewaydomain.Gateway
	CustomerSvc     customerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	AccountStateSvc accountstatedomain.Service
	AuditSvc        auditdomain.Service `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	policy          config.DunningPolicy
	batchSize       int
	attemptLease    time.Duration
	repo            domain.Repository
	gateway         gatewaydomain.Gateway
	customerSvc     customerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	accountSvc      accountstatedomain.Service
	auditSvc        auditdomain.Service
}

func NewService(p Params) domain.Service {
	lease := 2 * p.Cfg.Gateway.Timeout
	if lease < time.Minute {
		lease = 10 * time.Minute
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("billing.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		policy:          p.Policy,
		batchSize:       p.Cfg.Scheduler.BatchSize,
		attemptLease:    lease,
		repo:            p.Repo,
		gateway:         p.Gateway,
		customerSvc:     p.CustomerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		accountSvc:      p.AccountStateSvc,
		auditSvc:        p.AuditSvc,
	}
}

func (s *Service) CreateInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (*domain.Invoice, error) {
	if req.CustomerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}
	if len(req.Items) == 0 {
		return nil, domain.ErrInvalidItems
	}
	if req.TaxAmount < 0 {
		return nil, domain.ErrInvalidAmount
	}

	customer, err := s.customerSvc.GetCustomerWithSubscriptions(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = customer.Currency
	}

	now := s.clock.Now()
	invoice := domain.Invoice{
		ID:             s.genID.Generate(),
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		Status:         domain.InvoiceStatusDraft,
		Currency:       currency,
		TaxAmount:      req.TaxAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if providerID := strings.TrimSpace(req.ProviderInvoiceID); providerID != "" {
		invoice.ProviderInvoiceID = &providerID
	}

	items := make([]domain.InvoiceItem, 0, len(req.Items))
	for _, in := range req.Items {
		description := strings.TrimSpace(in.Description)
		if description == "" || in.Quantity <= 0 || in.UnitAmount < 0 {
			return nil, domain.ErrInvalidItems
		}
		amount := in.Quantity * in.UnitAmount
		items = append(items, domain.InvoiceItem{
			ID:          s.genID.Generate(),
			InvoiceID:   invoice.ID,
			Description: description,
			Quantity:    in.Quantity,
			UnitAmount:  in.UnitAmount,
			Amount:      amount,
			CreatedAt:   now,
		})
		invoice.Subtotal += amount
	}
	invoice.Total = invoice.Subtotal + invoice.TaxAmount

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertInvoice(ctx, tx, &invoice); err != nil {
			return err
		}
		for i := range items {
			if err := s.repo.InsertItem(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, "invoice.created", &invoice, map[string]any{"items": len(items)})
	return &invoice, nil
}

func (s *Service) GetInvoice(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	if id == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*domain.Invoice, error) {
	providerInvoiceID = strings.TrimSpace(providerInvoiceID)
	if providerInvoiceID == "" {
		return nil, domain.ErrMissingProviderID
	}
	invoice, err := s.repo.FindByProviderInvoiceID(ctx, s.db, providerInvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) FinalizeInvoice(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	invoice, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Status != domain.InvoiceStatusDraft {
		return nil, domain.ErrInvoiceNotDraft
	}

	now := s.clock.Now()
	updated, err := s.repo.UpdateStatus(ctx, s.db, id,
		[]domain.InvoiceStatus{domain.InvoiceStatusDraft}, domain.InvoiceStatusOpen, &now, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrInvoiceNotDraft
	}

	invoice.Status = domain.InvoiceStatusOpen
	invoice.NextPaymentAttempt = &now
	invoice.UpdatedAt = now
	s.emitAudit(ctx, "invoice.finalized", invoice, map[string]any{
		"previous_status": string(domain.InvoiceStatusDraft),
	})
	return invoice, nil
}

func (s *Service) VoidInvoice(ctx context.Context, id snowflake.ID, reason string) (*domain.Invoice, error) {
	invoice, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updated, err := s.repo.MarkVoided(ctx, s.db, id, []domain.InvoiceStatus{
		domain.InvoiceStatusDraft,
		domain.InvoiceStatusOpen,
		domain.InvoiceStatusUncollectible,
	}, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrInvoiceNotVoidable
	}

	previous := invoice.Status
	invoice.Status = domain.InvoiceStatusVoid
	invoice.NextPaymentAttempt = nil
	invoice.VoidedAt = &now
	invoice.UpdatedAt = now

	metadata := map[string]any{"previous_status": string(previous)}
	if reason = strings.TrimSpace(reason); reason != "" {
		metadata["reason"] = reason
	}
	s.emitAudit(ctx, "invoice.voided", invoice, metadata)
	return invoice, nil
}

// RefundInvoice reserves the amount locally, calls the gateway, then settles the refund row.
func (s *Service) RefundInvoice(ctx context.Context, id snowflake.ID, amount int64, reason string) (*domain.Refund, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	invoice, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Status != domain.InvoiceStatusPaid {
		return nil, domain.ErrInvoiceNotPaid
	}
	if invoice.ChargeID == nil || strings.TrimSpace(*invoice.ChargeID) == "" {
		return nil, domain.ErrMissingCharge
	}
	if amount > invoice.Refundable() {
		return nil, domain.ErrRefundExceedsPaid
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = defaultRefundReason
	}

	now := s.clock.Now()
	refund := domain.Refund{
		ID:        s.genID.Generate(),
		InvoiceID: invoice.ID,
		ChargeID:  *invoice.ChargeID,
		Amount:    amount,
		Reason:    reason,
		Status:    domain.RefundStatusPending,
		CreatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reserved, err := s.repo.AdjustRefunded(ctx, tx, invoice.ID, amount, now)
		if err != nil {
			return err
		}
		if !reserved {
			return domain.ErrRefundExceedsPaid
		}
		return s.repo.InsertRefund(ctx, tx, &refund)
	})
	if err != nil {
		return nil, err
	}

	log := logger.WithCustomer(logger.WithContext(ctx, s.log), invoice.CustomerID.String()).
		With(zap.String("invoice_id", invoice.ID.String()), zap.String("refund_id", refund.ID.String()))

	out, gwErr := s.gateway.Refund(ctx, refund.ChargeID, amount, reason)
	if gwErr != nil {
		rollbackErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.repo.AdjustRefunded(ctx, tx, invoice.ID, -amount, s.clock.Now()); err != nil {
				return err
			}
			return s.repo.UpdateRefund(ctx, tx, refund.ID, domain.RefundStatusFailed, nil)
		})
		if rollbackErr != nil {
			log.Error("failed to release refund reservation", zap.Error(rollbackErr))
		}
		log.Warn("gateway refund failed", zap.Error(gwErr))
		return nil, fmt.Errorf("gateway refund: %w", gwErr)
	}

	providerRefundID := out.ProviderRefundID
	refund.ProviderRefundID = &providerRefundID
	refund.Status = domain.RefundStatusSucceeded
	if err := s.repo.UpdateRefund(ctx, s.db, refund.ID, refund.Status, refund.ProviderRefundID); err != nil {
		log.Error("refund succeeded at gateway but local update failed", zap.String("provider_refund_id", providerRefundID), zap.Error(err))
		return nil, err
	}

	s.emitAudit(ctx, "invoice.refunded", invoice, map[string]any{
		"refund_id":          refund.ID.String(),
		"provider_refund_id": providerRefundID,
		"charge_id":          refund.ChargeID,
		"amount":             amount,
		"reason":             reason,
	})
	log.Info("invoice refunded", zap.Int64("amount", amount))
	return &refund, nil
}

func (s *Service) RetryInvoice(ctx context.Context, id snowflake.ID) (*domain.AttemptResult, error) {
	invoice, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Status != domain.InvoiceStatusOpen {
		return nil, domain.ErrInvoiceNotOpen
	}

	result := s.attempt(ctx, *invoice, true)
	switch {
	case result.Outcome == domain.AttemptOutcomeSkipped:
		return nil, domain.ErrConcurrentUpdate
	case result.Outcome == domain.AttemptOutcomeError:
		return &result, result.Err
	default:
		return &result, nil
	}
}

func (s *Service) MarkPaidByProvider(ctx context.Context, providerInvoiceID string, amountPaid int64, chargeID string) (*domain.Invoice, error) {
	providerInvoiceID = strings.TrimSpace(providerInvoiceID)
	if providerInvoiceID == "" {
		return nil, domain.ErrMissingProviderID
	}
	invoice, err := s.repo.FindByProviderInvoiceID(ctx, s.db, providerInvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	if invoice.Status == domain.InvoiceStatusPaid {
		return invoice, nil
	}

	if amountPaid <= 0 {
		amountPaid = invoice.Total
	}
	var charge *string
	if chargeID = strings.TrimSpace(chargeID); chargeID != "" {
		charge = &chargeID
	}

	now := s.clock.Now()
	updated, err := s.repo.MarkPaid(ctx, s.db, invoice.ID, amountPaid, charge, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrInvoiceNotOpen
	}

	previous := invoice.Status
	invoice.Status = domain.InvoiceStatusPaid
	invoice.AmountPaid = amountPaid
	if charge != nil {
		invoice.ChargeID = charge
	}
	invoice.NextPaymentAttempt = nil
	invoice.PaidAt = &now
	invoice.UpdatedAt = now

	s.emitAudit(ctx, "invoice.paid", invoice, map[string]any{
		"previous_status": string(previous),
		"source":          "gateway",
	})
	return invoice, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *domain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"customer_id": invoice.CustomerID.String(),
		"currency":    invoice.Currency,
		"total":       invoice.Total,
		"status":      string(invoice.Status),
	}
	if invoice.SubscriptionID != nil {
		metadata["subscription_id"] = invoice.SubscriptionID.String()
	}
	if invoice.ProviderInvoiceID != nil {
		metadata["provider_invoice_id"] = *invoice.ProviderInvoiceID
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	var actorIDPtr *string
	if actorID != "" {
		actorIDPtr = &actorID
	}

	targetID := invoice.ID.String()
	if err := s.auditSvc.AuditLog(ctx, actorType, actorIDPtr, action, "invoice", &targetID, metadata); err != nil {
		s.log.Warn("failed to audit invoice", zap.String("invoice_id", targetID), zap.String("action", action), zap.Error(err))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) || errors.Is(err, domain.ErrInvoiceNotFound)
}
