package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	analyticsdomain "github.com/smallbiznis/dunning/internal/analytics/domain"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultWindow   = 30 * 24 * time.Hour
	defaultCurrency = "USD"
	daysPerMonth    = 30.0
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	Policy          config.DunningPolicy
	SubscriptionSvc subscriptiondomain.Service
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	policy          config.DunningPolicy
	subscriptionSvc subscriptiondomain.Service
}

func NewService(p Params) analyticsdomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("analytics.service"),
		clock:           p.Clock,
		policy:          p.Policy,
		subscriptionSvc: p.SubscriptionSvc,
	}
}

func (s *Service) GetSubscriptionMetrics(ctx context.Context, req analyticsdomain.MetricsRequest) (analyticsdomain.SubscriptionMetrics, error) {
	start, end, err := normalizeRange(req, s.clock.Now())
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}

	active, err := s.subscriptionSvc.ListActive(ctx)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, fmt.Errorf("list active subscriptions: %w", err)
	}
	var mrr, count int64
	for _, sub := range active {
		if !strings.EqualFold(sub.Currency, currency) {
			continue
		}
		mrr += sub.MonthlyAmount()
		count++
	}

	previousMRR, err := s.loadMRRAt(ctx, currency, start)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}
	churnRate, err := s.calculateChurn(ctx, start, end)
	if err != nil {
		return analyticsdomain.SubscriptionMetrics{}, err
	}

	arpu := float64(0)
	if count > 0 {
		arpu = float64(mrr) / float64(count)
	}
	lifetime := lifetimeMonths(churnRate, end.Sub(start), s.policy.Get().MaxLifetimeMonths)
	growthAmount, growthRate := computeGrowth(mrr, previousMRR)

	return analyticsdomain.SubscriptionMetrics{
		Currency:              currency,
		Start:                 start,
		End:                   end,
		MRR:                   mrr,
		ARR:                   mrr * 12,
		ActiveSubscriptions:   count,
		ARPU:                  arpu,
		ChurnRate:             churnRate,
		CustomerLifetimeValue: arpu * lifetime,
		LifetimeMonths:        lifetime,
		PreviousMRR:           previousMRR,
		GrowthAmount:          growthAmount,
		GrowthRate:            growthRate,
		HasData:               count > 0 || previousMRR > 0,
	}, nil
}

func (s *Service) GetDunningMetrics(ctx context.Context, req analyticsdomain.MetricsRequest) (analyticsdomain.DunningMetrics, error) {
	start, end, err := normalizeRange(req, s.clock.Now())
	if err != nil {
		return analyticsdomain.DunningMetrics{}, err
	}

	byState, err := s.countAccountsByState(ctx)
	if err != nil {
		return analyticsdomain.DunningMetrics{}, err
	}
	failures, err := s.countFailuresCreated(ctx, start, end)
	if err != nil {
		return analyticsdomain.DunningMetrics{}, err
	}
	recovered, err := s.countFailuresResolved(ctx, start, end)
	if err != nil {
		return analyticsdomain.DunningMetrics{}, err
	}
	suspended, err := s.countSuspendedBetween(ctx, start, end)
	if err != nil {
		return analyticsdomain.DunningMetrics{}, err
	}

	var recoveryRate *float64
	if failures > 0 {
		rate := float64(recovered) / float64(failures)
		recoveryRate = &rate
	}

	hasData := failures > 0 || recovered > 0
	for _, n := range byState {
		if n > 0 {
			hasData = true
			break
		}
	}

	return analyticsdomain.DunningMetrics{
		Start:            start,
		End:              end,
		AccountsByState:  byState,
		PaymentFailures:  failures,
		Recovered:        recovered,
		RecoveryRate:     recoveryRate,
		InvoluntaryChurn: suspended,
		HasData:          hasData,
	}, nil
}

func normalizeRange(req analyticsdomain.MetricsRequest, now time.Time) (time.Time, time.Time, error) {
	start := req.Start
	end := req.End
	if start.IsZero() || end.IsZero() {
		end = now.UTC()
		start = end.Add(-defaultWindow)
	}
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return time.Time{}, time.Time{}, analyticsdomain.ErrInvalidRange
	}
	return start, end, nil
}

func normalizeCurrency(value string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(value))
	if currency == "" {
		return defaultCurrency, nil
	}
	if len(currency) != 3 {
		return "", analyticsdomain.ErrInvalidCurrency
	}
	return currency, nil
}

func computeGrowth(current, previous int64) (int64, *float64) {
	diff := current - previous
	if previous == 0 {
		return diff, nil
	}
	growth := float64(diff) / float64(previous)
	return diff, &growth
}

// lifetimeMonths turns the window churn into a monthly rate and inverts it.
// No churn means the lifetime is the configured cap.
func lifetimeMonths(churnRate *float64, window time.Duration, maxMonths int) float64 {
	limit := float64(maxMonths)
	if limit <= 0 {
		limit = float64(config.DefaultDunningConfig().MaxLifetimeMonths)
	}
	if churnRate == nil || *churnRate <= 0 || window <= 0 {
		return limit
	}
	windowDays := window.Hours() / 24
	monthly := *churnRate * daysPerMonth / windowDays
	if monthly <= 0 {
		return limit
	}
	return math.Min(1/monthly, limit)
}

func (s *Service) calculateChurn(ctx context.Context, start, end time.Time) (*float64, error) {
	activeAtStart, err := s.subscriptionSvc.CountActiveAt(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("count active subscriptions: %w", err)
	}
	if activeAtStart == 0 {
		return nil, nil
	}

	canceled, err := s.subscriptionSvc.CountCanceledBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("count canceled subscriptions: %w", err)
	}

	rate := float64(canceled) / float64(activeAtStart)
	return &rate, nil
}

type mrrRow struct {
	Amount          int64  `gorm:"column:amount"`
	BillingInterval string `gorm:"column:billing_interval"`
	IntervalCount   int    `gorm:"column:interval_count"`
}

// loadMRRAt rebuilds MRR for subscriptions that existed at `at` using today's prices.
func (s *Service) loadMRRAt(ctx context.Context, currency string, at time.Time) (int64, error) {
	var rows []mrrRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT amount, billing_interval, interval_count
		 FROM subscriptions
		 WHERE currency = ?
		   AND created_at <= ?
		   AND (canceled_at IS NULL OR canceled_at > ?)
		   AND status <> ?`,
		currency,
		at,
		at,
		subscriptiondomain.SubscriptionStatusPaused,
	).Scan(&rows).Error; err != nil {
		return 0, fmt.Errorf("load mrr snapshot: %w", err)
	}

	var total int64
	for _, row := range rows {
		sub := subscriptiondomain.Subscription{
			Amount:          row.Amount,
			BillingInterval: subscriptiondomain.BillingInterval(row.BillingInterval),
			IntervalCount:   row.IntervalCount,
		}
		total += sub.MonthlyAmount()
	}
	return total, nil
}

type stateCountRow struct {
	State string `gorm:"column:state"`
	Total int64  `gorm:"column:total"`
}

func (s *Service) countAccountsByState(ctx context.Context) (map[string]int64, error) {
	var rows []stateCountRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT state, COUNT(1) AS total
		 FROM account_states
		 GROUP BY state`,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count account states: %w", err)
	}

	out := map[string]int64{
		string(accountstatedomain.StateActive):      0,
		string(accountstatedomain.StateGracePeriod): 0,
		string(accountstatedomain.StateRestricted):  0,
		string(accountstatedomain.StateSuspended):   0,
	}
	for _, row := range rows {
		out[row.State] = row.Total
	}
	return out, nil
}

func (s *Service) countFailuresCreated(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_failures
		 WHERE created_at >= ? AND created_at < ?`,
		start,
		end,
	).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("count payment failures: %w", err)
	}
	return count, nil
}

func (s *Service) countFailuresResolved(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_failures
		 WHERE status = ?
		   AND updated_at >= ? AND updated_at < ?`,
		accountstatedomain.FailureStatusResolved,
		start,
		end,
	).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("count recovered failures: %w", err)
	}
	return count, nil
}

func (s *Service) countSuspendedBetween(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM account_states
		 WHERE state = ?
		   AND updated_at >= ? AND updated_at < ?`,
		accountstatedomain.StateSuspended,
		start,
		end,
	).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("count suspended accounts: %w", err)
	}
	return count, nil
}
