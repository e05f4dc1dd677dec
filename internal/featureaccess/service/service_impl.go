package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	"github.com/smallbiznis/dunning/internal/featureaccess/domain"
	"github.com/smallbiznis/dunning/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errMalformedState = errors.New("malformed_account_state")

// StateReader is the slice of the account state service the gate needs.
type StateReader interface {
	GetAccountState(ctx context.Context, customerID snowflake.ID) (*accountstatedomain.AccountState, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	StateSvc accountstatedomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	states  StateReader
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return New(p.Log, p.StateSvc, p.Metrics)
}

func New(log *zap.Logger, states StateReader, m *metrics.Metrics) *Service {
	return &Service{
		log:     log.Named("featureaccess.service"),
		states:  states,
		metrics: m,
	}
}

func (s *Service) CheckFeatureAccess(ctx context.Context, customerID snowflake.ID, feature string) (result domain.FeatureAccessResult) {
	feature = strings.TrimSpace(feature)
	defer func() {
		if r := recover(); r != nil {
			result = s.failOpen(ctx, customerID, feature, fmt.Errorf("panic: %v", r))
		}
	}()

	state, err := s.states.GetAccountState(ctx, customerID)
	if err != nil {
		return s.failOpen(ctx, customerID, feature, err)
	}
	if state == nil || state.State == accountstatedomain.StateActive {
		return domain.FeatureAccessResult{Feature: feature, Allowed: true}
	}

	switch state.State {
	case accountstatedomain.StateSuspended:
		if contains(domain.SuspendedAllowed, feature) {
			return domain.FeatureAccessResult{Feature: feature, Allowed: true}
		}
		return s.deny(ctx, feature, state, "Account is suspended due to non-payment")

	case accountstatedomain.StateGracePeriod, accountstatedomain.StateRestricted:
		if contains(domain.AlwaysAllowed, feature) || !state.IsRestricted(feature) {
			return domain.FeatureAccessResult{Feature: feature, Allowed: true}
		}
		return s.deny(ctx, feature, state, fmt.Sprintf("Feature %s is unavailable while the account is in %s", feature, state.State))

	default:
		return s.failOpen(ctx, customerID, feature, fmt.Errorf("%w: %q", errMalformedState, state.State))
	}
}

func (s *Service) GetFeatureRestrictions(ctx context.Context, customerID snowflake.ID) (view domain.RestrictionsView) {
	defer func() {
		if r := recover(); r != nil {
			view = s.errorView(customerID, fmt.Errorf("panic: %v", r))
		}
	}()

	state, err := s.states.GetAccountState(ctx, customerID)
	if err != nil {
		return s.errorView(customerID, err)
	}
	if state == nil || state.State == accountstatedomain.StateActive {
		return domain.RestrictionsView{
			AccountState:  string(accountstatedomain.StateActive),
			Restrictions:  []string{},
			AlwaysAllowed: copyStrings(domain.AlwaysAllowed),
		}
	}

	view = domain.RestrictionsView{
		AccountState:   string(state.State),
		Restrictions:   state.Restrictions(),
		GracePeriodEnd: state.GracePeriodEnd,
	}
	switch state.State {
	case accountstatedomain.StateSuspended:
		view.AlwaysAllowed = copyStrings(domain.SuspendedAllowed)
		view.Message = "Your account is suspended. Update your billing details to restore access."
	case accountstatedomain.StateRestricted:
		view.AlwaysAllowed = copyStrings(domain.AlwaysAllowed)
		view.Message = "Some features are restricted until your payment is updated."
	case accountstatedomain.StateGracePeriod:
		view.AlwaysAllowed = copyStrings(domain.AlwaysAllowed)
		view.Message = "Your last payment failed. Update your billing details to avoid restrictions."
		if state.GracePeriodEnd != nil {
			view.Message = fmt.Sprintf("Your last payment failed. Update your billing details before %s to avoid restrictions.",
				state.GracePeriodEnd.UTC().Format("January 2, 2006"))
		}
	default:
		return s.errorView(customerID, fmt.Errorf("%w: %q", errMalformedState, state.State))
	}
	return view
}

func (s *Service) deny(ctx context.Context, feature string, state *accountstatedomain.AccountState, reason string) domain.FeatureAccessResult {
	s.metrics.RecordFeatureDenied(ctx, feature, string(state.State))
	return domain.FeatureAccessResult{
		Feature:        feature,
		Allowed:        false,
		Reason:         reason,
		GracePeriodEnd: state.GracePeriodEnd,
	}
}

func (s *Service) failOpen(ctx context.Context, customerID snowflake.ID, feature string, err error) domain.FeatureAccessResult {
	s.log.Warn("feature access check failed, allowing",
		zap.String("customer_id", customerID.String()),
		zap.String("feature", feature),
		zap.Error(err),
	)
	s.metrics.RecordFeatureFailOpen(ctx, feature)
	return domain.FeatureAccessResult{
		Feature: feature,
		Allowed: true,
		Reason:  domain.FailOpenReason,
	}
}

func (s *Service) errorView(customerID snowflake.ID, err error) domain.RestrictionsView {
	s.log.Warn("feature restrictions lookup failed, allowing",
		zap.String("customer_id", customerID.String()),
		zap.Error(err),
	)
	return domain.RestrictionsView{
		AccountState:  domain.AccountStateError,
		Restrictions:  []string{},
		AlwaysAllowed: copyStrings(domain.AlwaysAllowed),
		Message:       domain.FailOpenReason,
	}
}

func contains(items []string, value string) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}

func copyStrings(in []string) []string {
	return append([]string{}, in...)
}
