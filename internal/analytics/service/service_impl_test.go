package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/dunning/internal/analytics/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	subscriptionrepo "github.com/smallbiznis/dunning/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/dunning/internal/subscription/service"
	"github.com/smallbiznis/dunning/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  analyticsdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(baseTime)
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
	})
	return &fixture{
		db:   db,
		node: testutil.NewNode(t),
		svc: NewService(Params{
			DB:              db,
			Log:             zap.NewNop(),
			Clock:           clk,
			Policy:          config.StaticPolicy(config.DefaultDunningConfig()),
			SubscriptionSvc: subs,
		}),
	}
}

func (f *fixture) seedSubscription(t *testing.T, status string, amount int64, createdAt time.Time) snowflake.ID {
	t.Helper()
	customerID := f.node.Generate()
	testutil.SeedCustomer(t, f.db, customerID, createdAt)
	id := f.node.Generate()
	testutil.SeedSubscription(t, f.db, id, customerID, status, amount, createdAt)
	return id
}

func (f *fixture) exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	require.NoError(t, f.db.Exec(sql, args...).Error)
}

func window() analyticsdomain.MetricsRequest {
	return analyticsdomain.MetricsRequest{Start: baseTime.AddDate(0, 0, -30), End: baseTime}
}

func TestGetSubscriptionMetrics(t *testing.T) {
	f := newFixture(t)

	f.seedSubscription(t, "active", 5000, baseTime.AddDate(0, 0, -60))
	yearly := f.seedSubscription(t, "active", 120000, baseTime.AddDate(0, 0, -60))
	f.exec(t, `UPDATE subscriptions SET billing_interval = 'year' WHERE id = ?`, yearly)
	f.seedSubscription(t, "active", 3000, baseTime.AddDate(0, 0, -10))
	canceled := f.seedSubscription(t, "canceled", 2000, baseTime.AddDate(0, 0, -90))
	f.exec(t, `UPDATE subscriptions SET canceled_at = ? WHERE id = ?`, baseTime.AddDate(0, 0, -5), canceled)
	euro := f.seedSubscription(t, "active", 9999, baseTime.AddDate(0, 0, -60))
	f.exec(t, `UPDATE subscriptions SET currency = 'EUR' WHERE id = ?`, euro)

	got, err := f.svc.GetSubscriptionMetrics(context.Background(), window())
	require.NoError(t, err)

	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, int64(18000), got.MRR)
	assert.Equal(t, int64(216000), got.ARR)
	assert.Equal(t, int64(3), got.ActiveSubscriptions)
	assert.InDelta(t, 6000, got.ARPU, 0.001)
	require.NotNil(t, got.ChurnRate)
	assert.InDelta(t, 0.25, *got.ChurnRate, 0.0001)
	assert.InDelta(t, 4, got.LifetimeMonths, 0.0001)
	assert.InDelta(t, 24000, got.CustomerLifetimeValue, 0.01)
	assert.Equal(t, int64(17000), got.PreviousMRR)
	assert.Equal(t, int64(1000), got.GrowthAmount)
	require.NotNil(t, got.GrowthRate)
	assert.InDelta(t, 1000.0/17000.0, *got.GrowthRate, 0.0001)
	assert.True(t, got.HasData)
}

func TestGetSubscriptionMetricsCapsLifetimeWithoutChurn(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t, "active", 4000, baseTime.AddDate(0, 0, -60))
	f.seedSubscription(t, "past_due", 2000, baseTime.AddDate(0, 0, -45))

	got, err := f.svc.GetSubscriptionMetrics(context.Background(), window())
	require.NoError(t, err)

	require.NotNil(t, got.ChurnRate)
	assert.Zero(t, *got.ChurnRate)
	assert.InDelta(t, 36, got.LifetimeMonths, 0.0001)
	assert.InDelta(t, 3000*36, got.CustomerLifetimeValue, 0.01)
	assert.Equal(t, int64(0), got.GrowthAmount)
	require.NotNil(t, got.GrowthRate)
	assert.Zero(t, *got.GrowthRate)
}

func TestGetSubscriptionMetricsEmpty(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.GetSubscriptionMetrics(context.Background(), analyticsdomain.MetricsRequest{})
	require.NoError(t, err)

	assert.Equal(t, baseTime, got.End)
	assert.Equal(t, baseTime.Add(-defaultWindow), got.Start)
	assert.Nil(t, got.ChurnRate)
	assert.Nil(t, got.GrowthRate)
	assert.Zero(t, got.ARPU)
	assert.Zero(t, got.CustomerLifetimeValue)
	assert.False(t, got.HasData)
}

func TestGetSubscriptionMetricsPausedSubscriptionsCarryNoRevenue(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t, "active", 5000, baseTime.AddDate(0, 0, -60))
	f.seedSubscription(t, "paused", 7000, baseTime.AddDate(0, 0, -60))

	got, err := f.svc.GetSubscriptionMetrics(context.Background(), window())
	require.NoError(t, err)

	assert.Equal(t, int64(5000), got.MRR)
	assert.Equal(t, int64(5000), got.PreviousMRR)
}

func TestGetSubscriptionMetricsRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetSubscriptionMetrics(ctx, analyticsdomain.MetricsRequest{Start: baseTime, End: baseTime.Add(-time.Hour)})
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidRange)

	req := window()
	req.Currency = "dollars"
	_, err = f.svc.GetSubscriptionMetrics(ctx, req)
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidCurrency)

	_, err = f.svc.GetDunningMetrics(ctx, analyticsdomain.MetricsRequest{Start: baseTime, End: baseTime})
	assert.ErrorIs(t, err, analyticsdomain.ErrInvalidRange)
}

func (f *fixture) seedAccountState(t *testing.T, state string, updatedAt time.Time) {
	t.Helper()
	f.exec(t,
		`INSERT INTO account_states (id, customer_id, state, reason, created_at, updated_at)
		 VALUES (?, ?, ?, 'payment_failed', ?, ?)`,
		f.node.Generate(), f.node.Generate(), state, updatedAt.AddDate(0, 0, -1), updatedAt,
	)
}

func (f *fixture) seedFailure(t *testing.T, status string, createdAt, updatedAt time.Time) {
	t.Helper()
	id := f.node.Generate()
	f.exec(t,
		`INSERT INTO payment_failures (id, customer_id, idempotency_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, f.node.Generate(), "key_"+id.String(), status, createdAt, updatedAt,
	)
}

func TestGetDunningMetrics(t *testing.T) {
	f := newFixture(t)
	inWindow := baseTime.AddDate(0, 0, -3)
	beforeWindow := baseTime.AddDate(0, 0, -45)

	f.seedAccountState(t, "active", inWindow)
	f.seedAccountState(t, "grace_period", inWindow)
	f.seedAccountState(t, "grace_period", inWindow)
	f.seedAccountState(t, "suspended", inWindow)
	f.seedAccountState(t, "suspended", beforeWindow)

	f.seedFailure(t, "pending", inWindow, inWindow)
	f.seedFailure(t, "resolved", inWindow, inWindow.Add(time.Hour))
	f.seedFailure(t, "exhausted", inWindow, inWindow)
	f.seedFailure(t, "resolved", inWindow, inWindow.Add(2*time.Hour))
	f.seedFailure(t, "resolved", beforeWindow, inWindow)
	f.seedFailure(t, "resolved", beforeWindow, beforeWindow)

	got, err := f.svc.GetDunningMetrics(context.Background(), window())
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"active":       1,
		"grace_period": 2,
		"restricted":   0,
		"suspended":    2,
	}, got.AccountsByState)
	assert.Equal(t, int64(4), got.PaymentFailures)
	assert.Equal(t, int64(3), got.Recovered)
	require.NotNil(t, got.RecoveryRate)
	assert.InDelta(t, 0.75, *got.RecoveryRate, 0.0001)
	assert.Equal(t, int64(1), got.InvoluntaryChurn)
	assert.True(t, got.HasData)
}

func TestGetDunningMetricsEmpty(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.GetDunningMetrics(context.Background(), window())
	require.NoError(t, err)

	assert.Nil(t, got.RecoveryRate)
	assert.Len(t, got.AccountsByState, 4)
	assert.False(t, got.HasData)
}

func TestLifetimeMonths(t *testing.T) {
	half := 0.5
	tiny := 0.001
	cases := []struct {
		name   string
		churn  *float64
		window time.Duration
		max    int
		want   float64
	}{
		{name: "no churn uses cap", churn: nil, window: defaultWindow, max: 24, want: 24},
		{name: "monthly window inverts", churn: &half, window: defaultWindow, max: 36, want: 2},
		{name: "two month window halves the monthly rate", churn: &half, window: 2 * defaultWindow, max: 36, want: 4},
		{name: "tiny churn is capped", churn: &tiny, window: defaultWindow, max: 36, want: 36},
		{name: "zero cap falls back to default", churn: nil, window: defaultWindow, max: 0, want: 36},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, lifetimeMonths(tc.churn, tc.window, tc.max), 0.0001)
		})
	}
}
