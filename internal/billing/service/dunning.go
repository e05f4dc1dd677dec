package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	"github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/config"
	gatewaydomain "github.com/smallbiznis/dunning/internal/gateway/domain"
	"github.com/smallbiznis/dunning/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"go.uber.org/zap"
)

const (
	sweepActor = "system:scheduler"

	sourceRetry     = "retry"
	sourceReconcile = "reconcile"

	defaultMaxRetries = 3
	defaultRetryDelay = 24 * time.Hour
)

// manualDueBy lets an operator retry regardless of the schedule.
var manualDueBy = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func (s *Service) ProcessFailedPayments(ctx context.Context) (domain.BillingRunResult, error) {
	now := s.clock.Now()
	result := domain.BillingRunResult{}

	invoices, err := s.repo.ListDue(ctx, s.db, now, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("list due invoices: %w", err)
	}

	result.Items = make([]domain.AttemptResult, 0, len(invoices))
	for _, invoice := range invoices {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Processed++
		item := s.attempt(ctx, invoice, false)
		switch item.Outcome {
		case domain.AttemptOutcomePaid:
			result.SuccessfulBillings++
		case domain.AttemptOutcomeRetryScheduled:
			result.RetryScheduled++
		case domain.AttemptOutcomeExhausted:
			result.FailedBillings++
		}
		if item.Err != nil {
			result.Errors++
		}
		result.Items = append(result.Items, item)
	}

	s.log.Info("failed payments processed",
		zap.Int("processed", result.Processed),
		zap.Int("successful_billings", result.SuccessfulBillings),
		zap.Int("retry_scheduled", result.RetryScheduled),
		zap.Int("failed_billings", result.FailedBillings),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// attempt collects one invoice once. Every outcome, including store and gateway errors,
// is reported in the result rather than returned.
func (s *Service) attempt(ctx context.Context, invoice domain.Invoice, manual bool) domain.AttemptResult {
	cfg := s.policy.Get()
	now := s.clock.Now()
	result := domain.AttemptResult{InvoiceID: invoice.ID, AttemptCount: invoice.AttemptCount}
	log := logger.WithCustomer(logger.WithContext(ctx, s.log), invoice.CustomerID.String()).
		With(zap.String("invoice_id", invoice.ID.String()))

	fail := func(err error) domain.AttemptResult {
		result.Outcome = domain.AttemptOutcomeError
		result.Err = err
		log.Warn("invoice attempt failed", zap.Error(err))
		return result
	}

	if invoice.ProviderInvoiceID == nil || *invoice.ProviderInvoiceID == "" {
		return fail(domain.ErrMissingProviderID)
	}

	dueBy, actor := now, sweepActor
	if manual {
		dueBy, actor = manualDueBy, ""
	}
	claimed, err := s.repo.ClaimAttempt(ctx, s.db, invoice.ID, invoice.AttemptCount, dueBy, now.Add(s.attemptLease), now)
	if err != nil {
		return fail(fmt.Errorf("claim invoice: %w", err))
	}
	if !claimed {
		result.Outcome = domain.AttemptOutcomeSkipped
		return result
	}

	// A lapsed lease can hide a charge whose local write failed.
	if remote := s.paidAtGateway(ctx, *invoice.ProviderInvoiceID, log); remote != nil {
		return s.settlePaid(ctx, invoice, invoice.AttemptCount, remote, sourceReconcile, result, log)
	}

	attemptNo := invoice.AttemptCount + 1
	result.AttemptCount = attemptNo

	paid, payErr := s.gateway.PayInvoice(ctx, *invoice.ProviderInvoiceID)
	if payErr == nil && paid.Paid() {
		return s.settlePaid(ctx, invoice, attemptNo, paid, sourceRetry, result, log)
	}
	if errors.Is(payErr, gatewaydomain.ErrInvalidRequest) {
		if remote := s.paidAtGateway(ctx, *invoice.ProviderInvoiceID, log); remote != nil {
			result.AttemptCount = invoice.AttemptCount
			return s.settlePaid(ctx, invoice, invoice.AttemptCount, remote, sourceReconcile, result, log)
		}
	}
	if payErr == nil {
		payErr = &gatewaydomain.Error{
			Code:    "invoice_not_paid",
			Message: "gateway left invoice " + paid.Status,
			Decline: true,
		}
	}

	now = s.clock.Now()
	limit := maxRetries(cfg)
	exhausted := attemptNo >= limit
	code := gatewaydomain.FailureCode(payErr)
	result.FailureCode = code
	if !gatewaydomain.IsDecline(payErr) {
		// Outages and timeouts still spend an attempt.
		result.Err = payErr
	}

	update := domain.AttemptUpdate{
		InvoiceID:        invoice.ID,
		ExpectedAttempts: invoice.AttemptCount,
		AttemptCount:     attemptNo,
		Status:           domain.InvoiceStatusOpen,
		LastFailureCode:  code,
		UpdatedAt:        now,
	}
	if !exhausted {
		next := now.Add(backoff(cfg, attemptNo))
		update.NextPaymentAttempt = &next
		result.NextPaymentAttempt = &next
	}
	applied, err := s.repo.ApplyAttempt(ctx, s.db, update)
	if err != nil {
		return fail(fmt.Errorf("record attempt: %w", err))
	}
	if !applied {
		result.Outcome = domain.AttemptOutcomeSkipped
		return result
	}

	failure := s.failureInput(invoice, attemptNo, limit, code, failureMessage(payErr), actor)
	if !exhausted {
		failure.Status = accountstatedomain.FailureStatusRetrying
		if _, _, err := s.accountSvc.RecordPaymentFailure(ctx, failure); err != nil {
			return fail(fmt.Errorf("record payment failure: %w", err))
		}
		result.Outcome = domain.AttemptOutcomeRetryScheduled
		log.Info("invoice retry scheduled",
			zap.Int("attempt", attemptNo),
			zap.String("failure_code", code),
			zap.Time("next_payment_attempt", *result.NextPaymentAttempt),
		)
		return result
	}

	failure.Status = accountstatedomain.FailureStatusExhausted
	grace, err := s.applyGracePeriodOrSuspend(ctx, invoice, failure)
	result.Grace = grace
	if err != nil {
		return fail(fmt.Errorf("apply grace period: %w", err))
	}
	result.Outcome = domain.AttemptOutcomeExhausted
	log.Info("invoice retries exhausted",
		zap.Int("attempt", attemptNo),
		zap.String("failure_code", code),
		zap.String("grace", string(grace)),
	)
	return result
}

// paidAtGateway returns the gateway's copy of the invoice when the processor already holds it as paid.
func (s *Service) paidAtGateway(ctx context.Context, providerInvoiceID string, log *zap.Logger) *gatewaydomain.InvoiceResult {
	remote, err := s.gateway.RetrieveInvoice(ctx, providerInvoiceID)
	if err != nil {
		log.Warn("retrieve invoice from gateway failed", zap.Error(err))
		return nil
	}
	if !remote.Paid() {
		return nil
	}
	return remote
}

func (s *Service) settlePaid(ctx context.Context, invoice domain.Invoice, attemptNo int, paid *gatewaydomain.InvoiceResult, source string, result domain.AttemptResult, log *zap.Logger) domain.AttemptResult {
	now := s.clock.Now()
	amount := invoice.AmountDue()
	if paid.AmountPaid > invoice.AmountPaid {
		amount = paid.AmountPaid - invoice.AmountPaid
	}
	var charge *string
	if paid.ChargeID != "" {
		chargeID := paid.ChargeID
		charge = &chargeID
	}

	applied, err := s.repo.ApplyAttempt(ctx, s.db, domain.AttemptUpdate{
		InvoiceID:        invoice.ID,
		ExpectedAttempts: invoice.AttemptCount,
		AttemptCount:     attemptNo,
		Status:           domain.InvoiceStatusPaid,
		AmountPaid:       amount,
		ChargeID:         charge,
		PaidAt:           &now,
		UpdatedAt:        now,
	})
	if err != nil {
		result.Outcome = domain.AttemptOutcomeError
		result.Err = fmt.Errorf("mark invoice paid: %w", err)
		log.Error("invoice paid at gateway but local update failed", zap.Error(err))
		return result
	}
	if !applied {
		result.Outcome = domain.AttemptOutcomeSkipped
		return result
	}
	result.Outcome = domain.AttemptOutcomePaid

	invoice.Status = domain.InvoiceStatusPaid
	invoice.AttemptCount = attemptNo
	invoice.AmountPaid += amount
	invoice.ChargeID = charge
	s.emitAudit(ctx, "invoice.paid", &invoice, map[string]any{
		"attempt": attemptNo,
		"source":  source,
	})

	if invoice.SubscriptionID != nil {
		if err := s.RemoveGracePeriod(ctx, *invoice.SubscriptionID); err != nil {
			log.Warn("failed to remove grace period", zap.Error(err))
		}
	}
	if _, err := s.accountSvc.ProcessPaymentSuccess(ctx, invoice.CustomerID, paid.ChargeID); err != nil {
		log.Warn("failed to reactivate account after payment", zap.Error(err))
	}

	log.Info("invoice collected", zap.Int("attempt", attemptNo), zap.Int64("amount", amount), zap.String("source", source))
	return result
}

func (s *Service) ApplyGracePeriodOrSuspend(ctx context.Context, invoice domain.Invoice, charge domain.FailedCharge) (domain.GraceOutcome, error) {
	if invoice.ID == 0 {
		return "", domain.ErrInvalidInvoiceID
	}
	cfg := s.policy.Get()
	attempts := charge.AttemptCount
	if attempts <= 0 {
		attempts = invoice.AttemptCount
	}
	failure := s.failureInput(invoice, attempts, maxRetries(cfg), charge.FailureCode, charge.FailureMessage, charge.Actor)
	failure.Status = accountstatedomain.FailureStatusExhausted
	return s.applyGracePeriodOrSuspend(ctx, invoice, failure)
}

// applyGracePeriodOrSuspend starts a grace period on the first exhausted invoice, counts further
// failures while it runs, and suspends once it has passed.
func (s *Service) applyGracePeriodOrSuspend(ctx context.Context, invoice domain.Invoice, failure accountstatedomain.PaymentFailureInput) (domain.GraceOutcome, error) {
	if invoice.SubscriptionID == nil {
		if _, err := s.accountSvc.ProcessPaymentFailure(ctx, failure); err != nil {
			return "", err
		}
		return domain.GraceApplied, nil
	}

	sub, err := s.subscriptionSvc.Get(ctx, *invoice.SubscriptionID)
	if err != nil {
		if isNotFound(err) {
			if _, err := s.accountSvc.ProcessPaymentFailure(ctx, failure); err != nil {
				return "", err
			}
			return domain.GraceApplied, nil
		}
		return "", fmt.Errorf("load subscription: %w", err)
	}

	now := s.clock.Now()
	graceEnd, hasGrace := sub.GracePeriodEnd()
	switch {
	case !hasGrace:
		state, err := s.accountSvc.ProcessPaymentFailure(ctx, failure)
		if err != nil {
			return "", err
		}
		end := now.AddDate(0, 0, s.policy.Get().GraceDays.Standard)
		if state != nil && state.GracePeriodEnd != nil {
			end = *state.GracePeriodEnd
		}
		if _, err := s.subscriptionSvc.SetGraceMetadata(ctx, sub.ID, end, now); err != nil {
			if errors.Is(err, subscriptiondomain.ErrInvalidStatus) {
				s.log.Info("subscription not eligible for grace metadata",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("status", string(sub.Status)),
				)
				return domain.GraceApplied, nil
			}
			return "", fmt.Errorf("set grace metadata: %w", err)
		}
		return domain.GraceApplied, nil

	case now.Before(graceEnd):
		if _, err := s.accountSvc.ProcessPaymentFailure(ctx, failure); err != nil {
			return "", err
		}
		return domain.GracePending, nil

	default:
		if _, _, err := s.accountSvc.RecordPaymentFailure(ctx, failure); err != nil {
			return "", fmt.Errorf("record payment failure: %w", err)
		}
		if _, err := s.suspend(ctx, *sub, failure.Actor); err != nil {
			return "", err
		}
		return domain.GraceSuspended, nil
	}
}

func (s *Service) SuspendOverdueSubscriptions(ctx context.Context) (int, error) {
	now := s.clock.Now()
	subs, err := s.subscriptionSvc.ListOverdueGrace(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue subscriptions: %w", err)
	}

	suspended := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return suspended, err
		}
		changed, err := s.suspend(ctx, sub, sweepActor)
		if err != nil {
			s.log.Warn("failed to suspend overdue subscription",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("customer_id", sub.CustomerID.String()),
				zap.Error(err),
			)
			continue
		}
		if changed {
			suspended++
		}
	}

	s.log.Info("overdue subscriptions processed",
		zap.Int("candidates", len(subs)),
		zap.Int("suspended", suspended),
	)
	return suspended, nil
}

// suspend pauses collection at the gateway first so a gateway failure leaves the
// subscription eligible for the next sweep.
func (s *Service) suspend(ctx context.Context, sub subscriptiondomain.Subscription, actor string) (bool, error) {
	if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID != "" {
		if err := s.gateway.PauseCollection(ctx, *sub.ProviderSubscriptionID); err != nil {
			return false, fmt.Errorf("pause collection: %w", err)
		}
	}

	changed, err := s.subscriptionSvc.MarkSuspended(ctx, sub.ID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark subscription suspended: %w", err)
	}
	if err := s.suspendAccount(ctx, sub.CustomerID, sub.ID, actor); err != nil {
		return changed, fmt.Errorf("suspend account: %w", err)
	}
	if changed {
		logger.WithCustomer(s.log, sub.CustomerID.String()).Info("subscription suspended",
			zap.String("subscription_id", sub.ID.String()),
		)
	}
	return changed, nil
}

func (s *Service) suspendAccount(ctx context.Context, customerID, subscriptionID snowflake.ID, actor string) error {
	state, err := s.accountSvc.GetAccountState(ctx, customerID)
	if err != nil {
		return err
	}
	if state == nil || state.State == accountstatedomain.StateActive {
		state, err = s.accountSvc.ProcessPaymentFailure(ctx, accountstatedomain.PaymentFailureInput{
			CustomerID:     customerID,
			SubscriptionID: &subscriptionID,
			IdempotencyKey: "subscription:" + subscriptionID.String() + ":suspended",
			FailureCode:    accountstatedomain.ReasonDunningExhausted,
			Status:         accountstatedomain.FailureStatusExhausted,
			Actor:          actor,
		})
		if err != nil {
			return err
		}
		if state == nil || state.State == accountstatedomain.StateActive {
			return nil
		}
	}
	if state.State == accountstatedomain.StateSuspended {
		return nil
	}

	_, err = s.accountSvc.UpdateAccountState(ctx, accountstatedomain.UpdateStateRequest{
		AccountStateID: state.ID,
		State:          accountstatedomain.StateSuspended,
		Reason:         accountstatedomain.ReasonDunningExhausted,
		Actor:          actor,
	})
	return err
}

func (s *Service) RemoveGracePeriod(ctx context.Context, subscriptionID snowflake.ID) error {
	if subscriptionID == 0 {
		return subscriptiondomain.ErrInvalidSubscription
	}
	changed, err := s.subscriptionSvc.ClearGraceMetadata(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("grace period removed", zap.String("subscription_id", subscriptionID.String()))
	}
	return nil
}

func (s *Service) failureInput(invoice domain.Invoice, attempt, maxAttempts int, code, message, actor string) accountstatedomain.PaymentFailureInput {
	invoiceID := invoice.ID
	return accountstatedomain.PaymentFailureInput{
		CustomerID:     invoice.CustomerID,
		SubscriptionID: invoice.SubscriptionID,
		InvoiceID:      &invoiceID,
		IdempotencyKey: fmt.Sprintf("invoice:%s:attempt:%d", invoice.ID, attempt),
		FailureCode:    code,
		FailureMessage: message,
		Amount:         invoice.AmountDue(),
		Currency:       invoice.Currency,
		AttemptCount:   attempt,
		MaxAttempts:    maxAttempts,
		Actor:          actor,
	}
}

func failureMessage(err error) string {
	var gwErr *gatewaydomain.Error
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return gwErr.Message
	}
	return err.Error()
}

// backoff is the wait after the given 1-based failed attempt; the last delay repeats.
func backoff(cfg config.DunningConfig, attempt int) time.Duration {
	schedule := cfg.RetrySchedule
	if len(schedule) == 0 {
		return defaultRetryDelay
	}
	idx := attempt
	if idx > len(schedule) {
		idx = len(schedule)
	}
	if idx < 1 {
		idx = 1
	}
	return schedule[idx-1]
}

func maxRetries(cfg config.DunningConfig) int {
	if cfg.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return cfg.MaxRetries
}
