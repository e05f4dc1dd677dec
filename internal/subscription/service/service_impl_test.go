package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/dunning/internal/clock"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"github.com/smallbiznis/dunning/internal/subscription/repository"
	"github.com/smallbiznis/dunning/internal/testutil"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, now time.Time) (*Service, *clock.FakeClock, func(status string) *subscriptiondomain.Subscription) {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(now)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  repository.Provide(),
	}).(*Service)

	seed := func(status string) *subscriptiondomain.Subscription {
		customerID := node.Generate()
		subscriptionID := node.Generate()
		testutil.SeedCustomer(t, db, customerID, now.AddDate(0, -3, 0))
		testutil.SeedSubscription(t, db, subscriptionID, customerID, status, 5000, now.AddDate(0, -3, 0))
		item, err := svc.Get(context.Background(), subscriptionID)
		if err != nil {
			t.Fatalf("get seeded subscription: %v", err)
		}
		return item
	}
	return svc, clk, seed
}

func TestSetGraceMetadataMovesToPastDue(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, seed := newTestService(t, now)
	ctx := context.Background()
	sub := seed("active")

	graceEnd := now.AddDate(0, 0, 5)
	updated, err := svc.SetGraceMetadata(ctx, sub.ID, graceEnd, now)
	if err != nil {
		t.Fatalf("set grace: %v", err)
	}
	if updated.Status != subscriptiondomain.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", updated.Status)
	}

	stored, err := svc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	end, ok := stored.GracePeriodEnd()
	if !ok || !end.Equal(graceEnd) {
		t.Fatalf("expected grace end %s, got %s (ok=%v)", graceEnd, end, ok)
	}
	if stored.Status != subscriptiondomain.SubscriptionStatusPastDue {
		t.Fatalf("expected stored past_due, got %s", stored.Status)
	}
}

func TestSetGraceMetadataRejectsCanceled(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, seed := newTestService(t, now)
	sub := seed("canceled")

	if _, err := svc.SetGraceMetadata(context.Background(), sub.ID, now.AddDate(0, 0, 5), now); err != subscriptiondomain.ErrInvalidStatus {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestListOverdueGraceAndMarkSuspended(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, clk, seed := newTestService(t, now)
	ctx := context.Background()

	overdue := seed("active")
	notYet := seed("active")
	if _, err := svc.SetGraceMetadata(ctx, overdue.ID, now.AddDate(0, 0, 3), now); err != nil {
		t.Fatalf("set grace: %v", err)
	}
	if _, err := svc.SetGraceMetadata(ctx, notYet.ID, now.AddDate(0, 0, 10), now); err != nil {
		t.Fatalf("set grace: %v", err)
	}

	clk.Advance(4 * 24 * time.Hour)
	items, err := svc.ListOverdueGrace(ctx, clk.Now(), 10)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(items) != 1 || items[0].ID != overdue.ID {
		t.Fatalf("expected only %s overdue, got %+v", overdue.ID, items)
	}

	changed, err := svc.MarkSuspended(ctx, overdue.ID, clk.Now())
	if err != nil {
		t.Fatalf("mark suspended: %v", err)
	}
	if !changed {
		t.Fatalf("expected first suspension to change the row")
	}
	changed, err = svc.MarkSuspended(ctx, overdue.ID, clk.Now())
	if err != nil {
		t.Fatalf("mark suspended again: %v", err)
	}
	if changed {
		t.Fatalf("expected repeated suspension to be a no-op")
	}

	items, err = svc.ListOverdueGrace(ctx, clk.Now(), 10)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no overdue subscriptions after suspension, got %d", len(items))
	}

	stored, err := svc.Get(ctx, overdue.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != subscriptiondomain.SubscriptionStatusPaused {
		t.Fatalf("expected paused, got %s", stored.Status)
	}
}

func TestClearGraceMetadataReactivates(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, seed := newTestService(t, now)
	ctx := context.Background()
	sub := seed("active")

	if _, err := svc.SetGraceMetadata(ctx, sub.ID, now.AddDate(0, 0, -1), now); err != nil {
		t.Fatalf("set grace: %v", err)
	}
	if _, err := svc.MarkSuspended(ctx, sub.ID, now); err != nil {
		t.Fatalf("mark suspended: %v", err)
	}

	changed, err := svc.ClearGraceMetadata(ctx, sub.ID)
	if err != nil {
		t.Fatalf("clear grace: %v", err)
	}
	if !changed {
		t.Fatalf("expected clear to change the row")
	}

	stored, err := svc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", stored.Status)
	}
	if _, ok := stored.GracePeriodEnd(); ok {
		t.Fatalf("expected grace metadata removed")
	}

	changed, err = svc.ClearGraceMetadata(ctx, sub.ID)
	if err != nil {
		t.Fatalf("clear grace again: %v", err)
	}
	if changed {
		t.Fatalf("expected second clear to be a no-op")
	}
}

func TestMonthlyAmount(t *testing.T) {
	cases := []struct {
		name     string
		interval subscriptiondomain.BillingInterval
		count    int
		amount   int64
		want     int64
	}{
		{name: "monthly", interval: subscriptiondomain.IntervalMonth, count: 1, amount: 5000, want: 5000},
		{name: "quarterly", interval: subscriptiondomain.IntervalMonth, count: 3, amount: 30000, want: 10000},
		{name: "yearly", interval: subscriptiondomain.IntervalYear, count: 1, amount: 120000, want: 10000},
		{name: "weekly", interval: subscriptiondomain.IntervalWeek, count: 1, amount: 1200, want: 5200},
		{name: "daily", interval: subscriptiondomain.IntervalDay, count: 1, amount: 100, want: 3000},
		{name: "zero count", interval: subscriptiondomain.IntervalMonth, count: 0, amount: 700, want: 700},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := subscriptiondomain.Subscription{BillingInterval: tc.interval, IntervalCount: tc.count, Amount: tc.amount}
			if got := sub.MonthlyAmount(); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}
