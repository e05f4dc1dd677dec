package segment

import (
	"testing"
	"time"

	"github.com/smallbiznis/dunning/internal/config"
	customerdomain "github.com/smallbiznis/dunning/internal/customer/domain"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
)

func customerWith(signup time.Time, subs ...subscriptiondomain.Subscription) *customerdomain.CustomerWithSubscriptions {
	return &customerdomain.CustomerWithSubscriptions{
		Customer:      customerdomain.Customer{ID: 1, CreatedAt: signup},
		Subscriptions: subs,
	}
}

func monthly(status subscriptiondomain.SubscriptionStatus, amount int64) subscriptiondomain.Subscription {
	return subscriptiondomain.Subscription{
		Status:          status,
		BillingInterval: subscriptiondomain.IntervalMonth,
		IntervalCount:   1,
		Amount:          amount,
	}
}

func TestClassify(t *testing.T) {
	cfg := config.DefaultDunningConfig()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		customer *customerdomain.CustomerWithSubscriptions
		want     Segment
	}{
		{name: "missing customer", customer: nil, want: SegmentStandard},
		{name: "new by tenure", customer: customerWith(now.AddDate(0, 0, -10), monthly(subscriptiondomain.SubscriptionStatusActive, 50000)), want: SegmentNew},
		{name: "standard", customer: customerWith(now.AddDate(0, 0, -60), monthly(subscriptiondomain.SubscriptionStatusActive, 5000)), want: SegmentStandard},
		{name: "high value at threshold", customer: customerWith(now.AddDate(0, 0, -60), monthly(subscriptiondomain.SubscriptionStatusActive, 10000)), want: SegmentHighValue},
		{name: "high value summed", customer: customerWith(now.AddDate(0, 0, -60),
			monthly(subscriptiondomain.SubscriptionStatusActive, 6000),
			monthly(subscriptiondomain.SubscriptionStatusPastDue, 4000),
		), want: SegmentHighValue},
		{name: "canceled spend ignored", customer: customerWith(now.AddDate(0, 0, -60),
			monthly(subscriptiondomain.SubscriptionStatusActive, 6000),
			monthly(subscriptiondomain.SubscriptionStatusCanceled, 9000),
		), want: SegmentStandard},
		{name: "yearly normalized", customer: customerWith(now.AddDate(-1, 0, 0), subscriptiondomain.Subscription{
			Status:          subscriptiondomain.SubscriptionStatusActive,
			BillingInterval: subscriptiondomain.IntervalYear,
			IntervalCount:   1,
			Amount:          120000,
		}), want: SegmentHighValue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.customer, now, cfg); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestGraceDays(t *testing.T) {
	cfg := config.DefaultDunningConfig()
	want := map[Segment]int{SegmentNew: 3, SegmentStandard: 5, SegmentHighValue: 7}
	for segment, days := range want {
		if got := GraceDays(segment, cfg); got != days {
			t.Fatalf("%s: expected %d days, got %d", segment, days, got)
		}
	}
}
