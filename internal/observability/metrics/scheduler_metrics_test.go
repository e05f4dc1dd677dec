package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "08006"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db error type, got %q", got)
	}
	if got := ClassifySchedulerErrorType(errors.New("invalid_transition")); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business rule, got %q", got)
	}
}

func TestAddSweepOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "dunning",
		Environment: "test",
	})

	metrics.AddSweepOutcome("retry_failed_payments", SweepOutcomeRetried, 3)
	metrics.AddSweepOutcome("retry_failed_payments", SweepOutcomeRetried, 0)
	metrics.AddBatchProcessed("retry_failed_payments", 4)

	got := testutil.ToFloat64(metrics.sweepItems.WithLabelValues("retry_failed_payments", SweepOutcomeRetried))
	if got != 3 {
		t.Fatalf("expected retried count 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("retry_failed_payments")); got != 4 {
		t.Fatalf("expected processed count 4, got %v", got)
	}
}
