package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/accountstate/domain"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	customerdomain "github.com/smallbiznis/dunning/internal/customer/domain"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	"github.com/smallbiznis/dunning/internal/observability/logger"
	"github.com/smallbiznis/dunning/internal/observability/metrics"
	"github.com/smallbiznis/dunning/internal/segment"
	pkgdb "github.com/smallbiznis/dunning/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxWriteAttempts bounds the optimistic read-modify-write loop: one try plus one retry.
const maxWriteAttempts = 2

const sweepActor = "system:scheduler"

var errStaleWrite = errors.New("stale_account_state")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Policy      config.DunningPolicy
	Cfg         config.Config `optional:"true"`
	Repo        domain.Repository
	CustomerSvc customerdomain.Service
	AuditSvc    auditdomain.Service `optional:"true"`
	Metrics     *metrics.Metrics    `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	policy      config.DunningPolicy
	batchSize   int
	repo        domain.Repository
	customerSvc customerdomain.Service
	auditSvc    auditdomain.Service
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("accountstate.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		policy:      p.Policy,
		batchSize:   p.Cfg.Scheduler.BatchSize,
		repo:        p.Repo,
		customerSvc: p.CustomerSvc,
		auditSvc:    p.AuditSvc,
		metrics:     p.Metrics,
	}
}

type transitionRecord struct {
	accountStateID snowflake.ID
	customerID     snowflake.ID
	from           domain.State
	to             domain.State
	reason         string
	actor          string
	failureID      string
}

func (s *Service) GetAccountState(ctx context.Context, customerID snowflake.ID) (*domain.AccountState, error) {
	if customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}
	return s.repo.GetByCustomerID(ctx, s.db, customerID)
}

func (s *Service) RecordPaymentFailure(ctx context.Context, input domain.PaymentFailureInput) (*domain.PaymentFailure, bool, error) {
	if input.CustomerID == 0 {
		return nil, false, domain.ErrInvalidCustomer
	}

	failure := s.newFailure(input, s.policy.Get(), s.clock.Now())
	inserted, err := s.repo.InsertFailure(ctx, s.db, &failure)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return &failure, true, nil
	}

	existing, err := s.repo.FindFailureByIdempotencyKey(ctx, s.db, failure.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Service) ProcessPaymentFailure(ctx context.Context, input domain.PaymentFailureInput) (*domain.AccountState, error) {
	if input.CustomerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}

	cfg := s.policy.Get()
	now := s.clock.Now()
	actor := s.resolveActor(ctx, input.Actor)

	customer, err := s.customerSvc.GetCustomerWithSubscriptions(ctx, input.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	seg := segment.Classify(customer, now, cfg)
	graceDays := segment.GraceDays(seg, cfg)

	failure := s.newFailure(input, cfg, now)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var (
			result    *domain.AccountState
			record    *transitionRecord
			duplicate bool
		)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inserted, err := s.repo.InsertFailure(ctx, tx, &failure)
			if err != nil {
				return err
			}
			current, err := s.repo.GetByCustomerID(ctx, tx, input.CustomerID)
			if err != nil {
				return err
			}
			if !inserted {
				duplicate = true
				result = current
				return nil
			}

			recent, err := s.repo.CountRecentFailures(ctx, tx, input.CustomerID, now.Add(-cfg.RecentFailureWindow))
			if err != nil {
				return err
			}

			next, rec := s.decideFailure(current, input.CustomerID, input.SubscriptionID, failure.ID, int(recent), graceDays, actor, cfg, now)
			if err := s.persist(ctx, tx, current, next); err != nil {
				return err
			}
			result = next
			record = rec
			return nil
		})
		if errors.Is(err, errStaleWrite) {
			s.log.Debug("account state changed concurrently, retrying",
				zap.String("customer_id", input.CustomerID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		log := logger.WithCustomer(logger.WithContext(ctx, s.log), input.CustomerID.String())
		if duplicate {
			log.Info("duplicate payment failure ignored", zap.String("idempotency_key", failure.IdempotencyKey))
			return result, nil
		}

		s.afterTransition(ctx, record)
		log.Info("payment failure processed",
			zap.String("segment", string(seg)),
			zap.String("state", string(result.State)),
			zap.String("reason", result.Reason),
			zap.Int("failure_count", result.Metadata.Data().FailureCount),
		)
		return result, nil
	}

	return nil, domain.ErrConflict
}

func (s *Service) ProcessPaymentSuccess(ctx context.Context, customerID snowflake.ID, paymentIntentID string) (*domain.AccountState, error) {
	if customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}

	cfg := s.policy.Get()
	now := s.clock.Now()
	actor := s.resolveActor(ctx, "")
	paymentIntentID = strings.TrimSpace(paymentIntentID)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var (
			result *domain.AccountState
			record *transitionRecord
		)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.repo.ResolveOpenFailures(ctx, tx, customerID, now); err != nil {
				return err
			}
			current, err := s.repo.GetByCustomerID(ctx, tx, customerID)
			if err != nil {
				return err
			}
			if current == nil || current.State == domain.StateActive {
				result = current
				return nil
			}

			next := cloneState(current)
			meta := next.Metadata.Data()
			meta.PaymentIntentID = paymentIntentID
			next.Metadata = datatypes.NewJSONType(meta)
			record = s.transition(next, domain.StateActive, domain.ReasonPaymentRecovered, actor, "", 0, cfg, now)

			if err := s.persist(ctx, tx, current, next); err != nil {
				return err
			}
			result = next
			return nil
		})
		if errors.Is(err, errStaleWrite) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if record != nil {
			s.afterTransition(ctx, record)
			logger.WithCustomer(logger.WithContext(ctx, s.log), customerID.String()).Info("account reactivated",
				zap.String("from", string(record.from)),
				zap.String("payment_intent_id", paymentIntentID),
			)
		}
		return result, nil
	}

	return nil, domain.ErrConflict
}

func (s *Service) UpdateAccountState(ctx context.Context, req domain.UpdateStateRequest) (*domain.AccountState, error) {
	state, _, err := s.updateState(ctx, req, nil)
	return state, err
}

func (s *Service) ProcessExpiredGracePeriods(ctx context.Context) (domain.SweepResult, error) {
	now := s.clock.Now()
	result := domain.SweepResult{}

	rows, err := s.repo.ListExpiredGracePeriods(ctx, s.db, now, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("list expired grace periods: %w", err)
	}

	stillExpired := func(current *domain.AccountState) bool {
		if current.State != domain.StateGracePeriod && current.State != domain.StateRestricted {
			return false
		}
		return current.GracePeriodEnd != nil && current.GracePeriodEnd.Before(now)
	}

	result.Items = make([]domain.SweepItemResult, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Processed++
		item := domain.SweepItemResult{AccountStateID: row.ID, CustomerID: row.CustomerID}

		expiredAt := now
		_, changed, err := s.updateState(ctx, domain.UpdateStateRequest{
			AccountStateID: row.ID,
			State:          domain.StateSuspended,
			Reason:         domain.ReasonGracePeriodExpired,
			Metadata:       domain.MetadataPatch{GracePeriodExpiredAt: &expiredAt},
			Actor:          sweepActor,
		}, stillExpired)
		switch {
		case err != nil:
			result.Errors++
			item.Outcome = domain.SweepOutcomeError
			item.Err = err
			s.log.Warn("failed to suspend expired grace period",
				zap.String("account_state_id", row.ID.String()),
				zap.String("customer_id", row.CustomerID.String()),
				zap.Error(err),
			)
		case changed:
			result.Suspended++
			item.Outcome = domain.SweepOutcomeSuspended
		default:
			item.Outcome = domain.SweepOutcomeSkipped
		}
		result.Items = append(result.Items, item)
	}

	s.log.Info("expired grace periods processed",
		zap.Int("processed", result.Processed),
		zap.Int("suspended", result.Suspended),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// updateState applies one validated transition to the row. A nil guard always applies;
// a guard returning false, or a request for the current state, is a no-op.
func (s *Service) updateState(ctx context.Context, req domain.UpdateStateRequest, guard func(*domain.AccountState) bool) (*domain.AccountState, bool, error) {
	if req.AccountStateID == 0 {
		return nil, false, domain.ErrNotFound
	}
	if !domain.IsValidState(req.State) {
		return nil, false, domain.ErrInvalidState
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, false, domain.ErrInvalidReason
	}

	cfg := s.policy.Get()
	actor := s.resolveActor(ctx, req.Actor)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		now := s.clock.Now()
		current, err := s.repo.GetByID(ctx, s.db, req.AccountStateID)
		if err != nil {
			return nil, false, err
		}
		if current == nil {
			return nil, false, domain.ErrNotFound
		}
		if guard != nil && !guard(current) {
			return current, false, nil
		}
		if current.State == req.State {
			return current, false, nil
		}
		if !domain.CanTransition(current.State, req.State) {
			return nil, false, domain.ErrInvalidTransition
		}

		graceDays := cfg.GraceDays.Standard
		if req.State == domain.StateGracePeriod || (req.State == domain.StateRestricted && current.GracePeriodEnd == nil) {
			customer, err := s.customerSvc.GetCustomerWithSubscriptions(ctx, current.CustomerID)
			if err != nil {
				return nil, false, fmt.Errorf("load customer: %w", err)
			}
			graceDays = segment.GraceDays(segment.Classify(customer, now, cfg), cfg)
		}

		next := cloneState(current)
		applyPatch(next, req.Metadata)
		record := s.transition(next, req.State, reason, actor, "", graceDays, cfg, now)

		if err := s.persist(ctx, s.db, current, next); err != nil {
			if errors.Is(err, errStaleWrite) {
				continue
			}
			return nil, false, err
		}

		s.afterTransition(ctx, record)
		s.log.Info("account state updated",
			zap.String("account_state_id", next.ID.String()),
			zap.String("from", string(record.from)),
			zap.String("to", string(record.to)),
			zap.String("reason", reason),
			zap.String("actor", actor),
		)
		return next, true, nil
	}

	return nil, false, domain.ErrConflict
}

// decideFailure computes the row that results from one more failed payment.
func (s *Service) decideFailure(
	current *domain.AccountState,
	customerID snowflake.ID,
	subscriptionID *snowflake.ID,
	failureID snowflake.ID,
	recentFailures int,
	graceDays int,
	actor string,
	cfg config.DunningConfig,
	now time.Time,
) (*domain.AccountState, *transitionRecord) {
	var next *domain.AccountState
	if current != nil {
		next = cloneState(current)
	} else {
		next = &domain.AccountState{
			ID:                  s.genID.Generate(),
			CustomerID:          customerID,
			State:               domain.StateActive,
			FeatureRestrictions: datatypes.JSONSlice[string]{},
			DataRetentionDays:   cfg.DataRetentionDays,
			Metadata:            datatypes.NewJSONType(domain.AccountMetadata{Transitions: []domain.Transition{}}),
			Version:             1,
			CreatedAt:           now,
		}
	}
	if subscriptionID != nil {
		next.SubscriptionID = subscriptionID
	}

	meta := next.Metadata.Data()
	meta.FailureCount++
	meta.PaymentFailureID = failureID.String()
	next.Metadata = datatypes.NewJSONType(meta)
	next.UpdatedAt = now

	failures := meta.FailureCount
	if recentFailures > failures {
		failures = recentFailures
	}

	switch next.State {
	case domain.StateActive:
		return next, s.transition(next, domain.StateGracePeriod, domain.ReasonPaymentFailure, actor, failureID.String(), graceDays, cfg, now)
	case domain.StateGracePeriod:
		if failures >= escalationThreshold(cfg) {
			return next, s.transition(next, domain.StateRestricted, domain.ReasonMultiplePaymentFailures, actor, failureID.String(), graceDays, cfg, now)
		}
	}
	// Restricted and suspended accounts stay where they are; the failure is still counted.
	return next, nil
}

// transition moves next to the target state, enforcing the per-state invariants and
// appending to the history.
func (s *Service) transition(next *domain.AccountState, to domain.State, reason, actor, failureID string, graceDays int, cfg config.DunningConfig, now time.Time) *transitionRecord {
	from := next.State
	meta := next.Metadata.Data()

	switch to {
	case domain.StateActive:
		next.FeatureRestrictions = datatypes.JSONSlice[string]{}
		next.GracePeriodEnd = nil
		reactivated := now
		next.ReactivationDate = &reactivated
		meta.ReactivatedFrom = from
	case domain.StateGracePeriod:
		next.FeatureRestrictions = datatypes.JSONSlice[string]{}
		end := now.AddDate(0, 0, graceDays)
		next.GracePeriodEnd = &end
	case domain.StateRestricted:
		next.FeatureRestrictions = datatypes.JSONSlice[string](append([]string{}, cfg.RestrictedFeatures...))
		if next.GracePeriodEnd == nil {
			end := now.AddDate(0, 0, graceDays)
			next.GracePeriodEnd = &end
		}
	case domain.StateSuspended:
		next.FeatureRestrictions = datatypes.JSONSlice[string]{domain.FeatureAllFeatures}
		next.DataRetentionDays = cfg.DataRetentionDays
	}

	next.State = to
	next.Reason = reason
	next.UpdatedAt = now
	meta.Transitions = append(meta.Transitions, domain.Transition{
		From:             from,
		To:               to,
		Reason:           reason,
		At:               now,
		Actor:            actor,
		PaymentFailureID: failureID,
	})
	next.Metadata = datatypes.NewJSONType(meta)

	return &transitionRecord{
		accountStateID: next.ID,
		customerID:     next.CustomerID,
		from:           from,
		to:             to,
		reason:         reason,
		actor:          actor,
		failureID:      failureID,
	}
}

// persist inserts a new row or writes next only if current is still the stored version.
func (s *Service) persist(ctx context.Context, db *gorm.DB, current, next *domain.AccountState) error {
	if current == nil {
		if err := s.repo.Insert(ctx, db, next); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return errStaleWrite
			}
			return err
		}
		return nil
	}

	updated, err := s.repo.UpdateIfVersion(ctx, db, next, current.Version, current.State)
	if err != nil {
		return err
	}
	if !updated {
		return errStaleWrite
	}
	next.Version = current.Version + 1
	return nil
}

func (s *Service) afterTransition(ctx context.Context, record *transitionRecord) {
	if record == nil {
		return
	}
	s.metrics.RecordAccountTransition(ctx, string(record.from), string(record.to), record.reason)

	if s.auditSvc == nil {
		return
	}
	actorType, actorID := splitActor(record.actor)
	targetID := record.accountStateID.String()
	metadata := map[string]any{
		"from":        string(record.from),
		"to":          string(record.to),
		"reason":      record.reason,
		"customer_id": record.customerID.String(),
	}
	if record.failureID != "" {
		metadata["payment_failure_id"] = record.failureID
	}
	if err := s.auditSvc.AuditLog(ctx, actorType, actorID, "account_state."+string(record.to), "account_state", &targetID, metadata); err != nil {
		s.log.Warn("failed to audit account state transition", zap.String("account_state_id", targetID), zap.Error(err))
	}
}

func (s *Service) newFailure(input domain.PaymentFailureInput, cfg config.DunningConfig, now time.Time) domain.PaymentFailure {
	id := s.genID.Generate()
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		key = "failure:" + id.String()
	}
	status := input.Status
	if status == "" {
		status = domain.FailureStatusPending
	}
	attempts := input.AttemptCount
	if attempts <= 0 {
		attempts = 1
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxRetries
	}
	return domain.PaymentFailure{
		ID:             id,
		CustomerID:     input.CustomerID,
		SubscriptionID: input.SubscriptionID,
		InvoiceID:      input.InvoiceID,
		IdempotencyKey: key,
		FailureCode:    strings.TrimSpace(input.FailureCode),
		FailureMessage: strings.TrimSpace(input.FailureMessage),
		Amount:         input.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(input.Currency)),
		AttemptCount:   attempts,
		MaxAttempts:    maxAttempts,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) resolveActor(ctx context.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	actorType, actorID := obscontext.ActorFromContext(ctx)
	switch {
	case actorType == "":
		return string(auditdomain.ActorTypeSystem)
	case actorID == "":
		return actorType
	default:
		return actorType + ":" + actorID
	}
}

func splitActor(actor string) (string, *string) {
	actorType, actorID, found := strings.Cut(actor, ":")
	if !found || actorID == "" {
		return actorType, nil
	}
	return actorType, &actorID
}

func escalationThreshold(cfg config.DunningConfig) int {
	if cfg.EscalationThreshold <= 0 {
		return 2
	}
	return cfg.EscalationThreshold
}

func applyPatch(next *domain.AccountState, patch domain.MetadataPatch) {
	meta := next.Metadata.Data()
	if patch.GracePeriodExpiredAt != nil {
		at := patch.GracePeriodExpiredAt.UTC()
		meta.GracePeriodExpiredAt = &at
	}
	if id := strings.TrimSpace(patch.PaymentIntentID); id != "" {
		meta.PaymentIntentID = id
	}
	if len(patch.Notes) > 0 {
		notes := make(map[string]string, len(meta.Notes)+len(patch.Notes))
		for k, v := range meta.Notes {
			notes[k] = v
		}
		for k, v := range patch.Notes {
			notes[k] = v
		}
		meta.Notes = notes
	}
	next.Metadata = datatypes.NewJSONType(meta)
}

func cloneState(in *domain.AccountState) *domain.AccountState {
	out := *in
	out.FeatureRestrictions = append(datatypes.JSONSlice[string]{}, in.FeatureRestrictions...)
	meta := in.Metadata.Data()
	meta.Transitions = append([]domain.Transition{}, meta.Transitions...)
	out.Metadata = datatypes.NewJSONType(meta)
	return &out
}
