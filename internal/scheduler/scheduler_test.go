package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	billingdomain "github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	"go.uber.org/zap"
)

type fakeGrace struct {
	calls  *[]string
	result accountstatedomain.SweepResult
	err    error
	block  bool
}

func (f *fakeGrace) ProcessExpiredGracePeriods(ctx context.Context) (accountstatedomain.SweepResult, error) {
	*f.calls = append(*f.calls, JobExpireGracePeriods)
	if actorType, actorID := obscontext.ActorFromContext(ctx); actorType != "system" || actorID != "scheduler" {
		return accountstatedomain.SweepResult{}, errors.New("unexpected actor " + actorType + ":" + actorID)
	}
	if f.block {
		<-ctx.Done()
		return f.result, ctx.Err()
	}
	return f.result, f.err
}

type fakeCollection struct {
	calls     *[]string
	result    billingdomain.BillingRunResult
	retryErr  error
	suspended int
}

func (f *fakeCollection) ProcessFailedPayments(context.Context) (billingdomain.BillingRunResult, error) {
	*f.calls = append(*f.calls, JobRetryFailedPayments)
	return f.result, f.retryErr
}

func (f *fakeCollection) SuspendOverdueSubscriptions(context.Context) (int, error) {
	*f.calls = append(*f.calls, JobSuspendOverdueSubscriptions)
	return f.suspended, nil
}

func newTestScheduler(t *testing.T, grace graceSweeper, collection collectionSweeper, locker *Locker) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return &Scheduler{
		log:        zap.NewNop(),
		cfg:        DefaultConfig(),
		genID:      node,
		clock:      clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		grace:      grace,
		collection: collection,
		locker:     locker,
	}
}

func useTestMetrics(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	obsmetrics.ResetSchedulerMetricsForTest(registry)
	t.Cleanup(func() {
		obsmetrics.ResetSchedulerMetricsForTest(prometheus.NewRegistry())
	})
	return registry
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := useTestMetrics(t)
	s := newTestScheduler(t, nil, nil, nil)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "dunning",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "dunning_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "dunning",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "dunning_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceRunsSweepsInOrder(t *testing.T) {
	registry := useTestMetrics(t)
	var calls []string
	grace := &fakeGrace{calls: &calls, result: accountstatedomain.SweepResult{Processed: 3, Suspended: 2, Errors: 1}}
	collection := &fakeCollection{
		calls: &calls,
		result: billingdomain.BillingRunResult{
			Processed:          4,
			SuccessfulBillings: 1,
			RetryScheduled:     2,
			FailedBillings:     1,
		},
		suspended: 2,
	}
	s := newTestScheduler(t, grace, collection, nil)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	want := []string{JobExpireGracePeriods, JobRetryFailedPayments, JobSuspendOverdueSubscriptions}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, calls)
	}

	base := map[string]string{"service": "dunning", "env": "test"}
	for _, job := range want {
		if got := getCounterValue(t, registry, "dunning_scheduler_job_runs_total", withLabels(base, "job", job)); got != 1 {
			t.Fatalf("expected one run of %s, got %v", job, got)
		}
	}
	processed := withLabels(base, "job", JobRetryFailedPayments)
	if got := getCounterValue(t, registry, "dunning_scheduler_processed_total", processed); got != 4 {
		t.Fatalf("expected 4 processed retries, got %v", got)
	}
	retried := withLabels(withLabels(base, "job", JobRetryFailedPayments), "outcome", obsmetrics.SweepOutcomeRetried)
	if got := getCounterValue(t, registry, "dunning_sweep_items_total", retried); got != 2 {
		t.Fatalf("expected 2 retried items, got %v", got)
	}
	graceSuspended := withLabels(withLabels(base, "job", JobExpireGracePeriods), "outcome", obsmetrics.SweepOutcomeSuspended)
	if got := getCounterValue(t, registry, "dunning_sweep_items_total", graceSuspended); got != 2 {
		t.Fatalf("expected 2 grace suspensions, got %v", got)
	}
	overdue := withLabels(withLabels(base, "job", JobSuspendOverdueSubscriptions), "outcome", obsmetrics.SweepOutcomeSuspended)
	if got := getCounterValue(t, registry, "dunning_sweep_items_total", overdue); got != 2 {
		t.Fatalf("expected 2 overdue suspensions, got %v", got)
	}
}

func TestRunOnceJoinsJobErrorsAndKeepsGoing(t *testing.T) {
	useTestMetrics(t)
	var calls []string
	boom := errors.New("list_failed")
	grace := &fakeGrace{calls: &calls, err: boom}
	collection := &fakeCollection{calls: &calls, retryErr: errors.New("gateway_down")}
	s := newTestScheduler(t, grace, collection, nil)

	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected grace error in %v", err)
	}
	if !strings.Contains(err.Error(), JobRetryFailedPayments+": gateway_down") {
		t.Fatalf("expected retry error to be named, got %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected every sweep to run, got %v", calls)
	}
}

func TestRunOnceSoftTimeoutContinuesWithNextJob(t *testing.T) {
	useTestMetrics(t)
	var calls []string
	grace := &fakeGrace{calls: &calls, block: true}
	collection := &fakeCollection{calls: &calls}
	s := newTestScheduler(t, grace, collection, nil)
	s.cfg.JobTimeout = 5 * time.Millisecond

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected soft timeout, got %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected later sweeps to run after a timeout, got %v", calls)
	}
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	useTestMetrics(t)
	var calls []string
	s := newTestScheduler(t, &fakeGrace{calls: &calls}, &fakeCollection{calls: &calls}, nil)
	s.cfg.EnabledJobs = []string{"RETRY_FAILED_PAYMENTS"}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(calls) != 1 || calls[0] != JobRetryFailedPayments {
		t.Fatalf("expected only retries, got %v", calls)
	}
}

func TestRunOnceSkipsWhenSweepLockHeld(t *testing.T) {
	registry := useTestMetrics(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var calls []string
	locker := NewLocker(client)
	s := newTestScheduler(t, &fakeGrace{calls: &calls}, &fakeCollection{calls: &calls}, locker)

	token, ok, err := locker.TryLock(context.Background(), s.cfg.LockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected to take the lock first, ok=%v err=%v", ok, err)
	}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no sweeps while another instance holds the lock, got %v", calls)
	}
	skipped := map[string]string{"service": "dunning", "env": "test", "job": JobRetryFailedPayments}
	if got := getCounterValue(t, registry, "dunning_scheduler_job_skipped_total", skipped); got != 1 {
		t.Fatalf("expected skipped count 1, got %v", got)
	}

	if err := locker.Release(context.Background(), s.cfg.LockKey, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected sweeps after release, got %v", calls)
	}
	if mr.Exists(s.cfg.LockKey) {
		t.Fatalf("expected sweep lock to be released after the run")
	}
}

func TestRunOnceRunsWithoutLockWhenRedisDown(t *testing.T) {
	useTestMetrics(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	var calls []string
	s := newTestScheduler(t, &fakeGrace{calls: &calls}, &fakeCollection{calls: &calls}, NewLocker(client))

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected sweeps to run without the lock, got %v", calls)
	}
}

func TestLockerReleaseRequiresHolderToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("expected lock, token=%q ok=%v err=%v", token, ok, err)
	}
	if _, ok, err := locker.TryLock(ctx, "sweep", time.Minute); err != nil || ok {
		t.Fatalf("expected second lock to fail, ok=%v err=%v", ok, err)
	}
	if err := locker.Release(ctx, "sweep", "someone-else"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists("sweep") {
		t.Fatalf("expected a foreign token to leave the lock in place")
	}
	if err := locker.Release(ctx, "sweep", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("sweep") {
		t.Fatalf("expected holder release to delete the lock")
	}

	if _, _, err := locker.TryLock(ctx, "sweep", 0); !errors.Is(err, ErrInvalidLockTTL) {
		t.Fatalf("expected invalid ttl, got %v", err)
	}
	var nilLocker *Locker
	if _, _, err := nilLocker.TryLock(ctx, "sweep", time.Minute); !errors.Is(err, ErrLockNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)
	ctx := context.Background()

	if _, ok, err := locker.TryLock(ctx, "sweep", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock, ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, err := locker.TryLock(ctx, "sweep", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock after ttl, ok=%v err=%v", ok, err)
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	s := newTestScheduler(t, nil, nil, nil)
	s.cfg.Spec = "every now and then"

	err := s.Start()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, nil, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BatchSize: -1}.withDefaults()
	if cfg.Spec != "@every 1h" || cfg.BatchSize != 200 || cfg.JobTimeout != 10*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LockKey == "" || cfg.LockTTL != 30*time.Minute {
		t.Fatalf("unexpected lock defaults %+v", cfg)
	}
}

func withLabels(base map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
