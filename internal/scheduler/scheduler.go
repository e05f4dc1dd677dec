package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	billingdomain "github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type graceSweeper interface {
	ProcessExpiredGracePeriods(ctx context.Context) (accountstatedomain.SweepResult, error)
}

type collectionSweeper interface {
	ProcessFailedPayments(ctx context.Context) (billingdomain.BillingRunResult, error)
	SuspendOverdueSubscriptions(ctx context.Context) (int, error)
}

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	GenID           *snowflake.Node
	AccountStateSvc accountstatedomain.Service
	BillingSvc      billingdomain.Service
	Config          Config                `optional:"true"`
	Redis           redis.UniversalClient `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	grace      graceSweeper
	collection collectionSweeper
	locker     *Locker

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.AccountStateSvc == nil || p.BillingSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		grace:      p.AccountStateSvc,
		collection: p.BillingSvc,
		locker:     NewLocker(p.Redis),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = withSystemActor(ctx)
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddBatchProcessed(name, run.processedCount)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next tick picks up the rest of the batch.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled sweep in order. Grace expiry runs before payment
// retries so an account whose grace just ran out is not retried as if in grace.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobExpireGracePeriods, s.ExpireGracePeriodsJob},
		{JobRetryFailedPayments, s.RetryFailedPaymentsJob},
		{JobSuspendOverdueSubscriptions, s.SuspendOverdueSubscriptionsJob},
	}

	release, acquired := s.acquireSweepLock(parent)
	if !acquired {
		schedMetrics := obsmetrics.Scheduler()
		for _, job := range jobs {
			if s.isJobEnabled(job.Name) {
				schedMetrics.IncJobSkipped(job.Name)
			}
		}
		return nil
	}
	defer release()

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		if ctxErr := parent.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

// acquireSweepLock fails open: every sweep claims its rows, so a Redis outage
// only costs duplicated reads between instances.
func (s *Scheduler) acquireSweepLock(ctx context.Context) (func(), bool) {
	noop := func() {}
	if s.locker == nil {
		return noop, true
	}
	token, ok, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		s.logger(withSystemActor(ctx)).Warn("sweep lock unavailable, running without it",
			zap.String("lock_key", s.cfg.LockKey),
			zap.Error(err),
		)
		return noop, true
	}
	if !ok {
		s.logger(withSystemActor(ctx)).Info("sweep lock held by another instance",
			zap.String("lock_key", s.cfg.LockKey),
		)
		return noop, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, s.cfg.LockKey, token); err != nil {
			s.log.Warn("failed to release sweep lock", zap.String("lock_key", s.cfg.LockKey), zap.Error(err))
		}
	}, true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) ExpireGracePeriodsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireGracePeriods, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.grace.ProcessExpiredGracePeriods(ctx)
	run.AddProcessed(result.Processed)
	run.AddErrors(result.Errors)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddSweepOutcome(JobExpireGracePeriods, obsmetrics.SweepOutcomeSuspended, result.Suspended)
	schedMetrics.AddSweepOutcome(JobExpireGracePeriods, obsmetrics.SweepOutcomeError, result.Errors)
	schedMetrics.AddSweepOutcome(JobExpireGracePeriods, obsmetrics.SweepOutcomeSkipped, result.Processed-result.Suspended-result.Errors)

	for _, item := range result.Items {
		if item.Err == nil {
			continue
		}
		s.logger(ctx).Warn("grace period expiry failed",
			zap.String("job", JobExpireGracePeriods),
			zap.String("customer_id", item.CustomerID.String()),
			zap.String("account_state_id", item.AccountStateID.String()),
			zap.Error(item.Err),
		)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.grace_expiry.failed", JobExpireGracePeriods, err)
		return err
	}
	return nil
}

func (s *Scheduler) RetryFailedPaymentsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryFailedPayments, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.collection.ProcessFailedPayments(ctx)
	run.AddProcessed(result.Processed)
	run.AddErrors(result.Errors)

	skipped := 0
	for _, item := range result.Items {
		if item.Outcome == billingdomain.AttemptOutcomeSkipped {
			skipped++
		}
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddSweepOutcome(JobRetryFailedPayments, obsmetrics.SweepOutcomeSucceeded, result.SuccessfulBillings)
	schedMetrics.AddSweepOutcome(JobRetryFailedPayments, obsmetrics.SweepOutcomeRetried, result.RetryScheduled)
	schedMetrics.AddSweepOutcome(JobRetryFailedPayments, obsmetrics.SweepOutcomeFailed, result.FailedBillings)
	schedMetrics.AddSweepOutcome(JobRetryFailedPayments, obsmetrics.SweepOutcomeError, result.Errors)
	schedMetrics.AddSweepOutcome(JobRetryFailedPayments, obsmetrics.SweepOutcomeSkipped, skipped)

	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payment_retry.failed", JobRetryFailedPayments, err)
		return err
	}
	return nil
}

func (s *Scheduler) SuspendOverdueSubscriptionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSuspendOverdueSubscriptions, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	suspended, err := s.collection.SuspendOverdueSubscriptions(ctx)
	run.AddProcessed(suspended)
	obsmetrics.Scheduler().AddSweepOutcome(JobSuspendOverdueSubscriptions, obsmetrics.SweepOutcomeSuspended, suspended)

	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.overdue_suspension.failed", JobSuspendOverdueSubscriptions, err)
		return err
	}
	return nil
}

// Start registers RunOnce on the cron spec. Overlapping ticks are skipped and
// panics are recovered by the cron chain.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	cronLog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, s.tick); err != nil {
		return fmt.Errorf("%w: cron spec %q: %v", ErrInvalidConfig, s.cfg.Spec, err)
	}
	c.Start()
	s.cron = c

	s.log.Info("scheduler started",
		zap.String("spec", s.cfg.Spec),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("job_timeout", s.cfg.JobTimeout),
		zap.Bool("sweep_lock", s.locker != nil),
	)
	return nil
}

// Stop waits for a running tick to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	if err := s.RunOnce(context.Background()); err != nil {
		s.log.Warn("scheduler run failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw("cron."+msg, append(keysAndValues, "error", err)...)
}
