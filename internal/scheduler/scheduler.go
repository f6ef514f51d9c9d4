package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/lock"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	obsmetrics "github.com/smallbiznis/duesync/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/reminder"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobSweepOverdue       = "sweep_overdue"
	JobSweepStaleAttempts = "sweep_stale_attempts"
	JobRedeliverWebhooks  = "redeliver_webhooks"
	JobSendReminders      = "send_reminders"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Obligations obligationdomain.Service
	Payments    paymentdomain.Orchestrator
	Webhooks    paymentdomain.Reconciler
	Inbox       paymentdomain.InboxRepository
	Reminders   *reminder.Service `optional:"true"`
	Locker      *lock.Locker      `optional:"true"`
	Config      Config            `optional:"true"`
}

// Scheduler fires the periodic entry points of the reconciliation core. It
// owns no business rule: every job is one call into a service.
type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	obligations obligationdomain.Service
	payments    paymentdomain.Orchestrator
	webhooks    paymentdomain.Reconciler
	inbox       paymentdomain.InboxRepository
	reminders   *reminder.Service
	locker      *lock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Obligations == nil || p.Payments == nil || p.Webhooks == nil || p.Inbox == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		obligations: p.Obligations,
		payments:    p.Payments,
		webhooks:    p.Webhooks,
		inbox:       p.Inbox,
		reminders:   p.Reminders,
		locker:      p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	key := lock.JobKey(name)
	token, locked, err := s.locker.TryLock(parent, key, s.cfg.LockTTL)
	switch {
	case err != nil:
		s.log.Warn("job lock unavailable, running unlocked", zap.String("job", name), zap.Error(err))
	case !locked:
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Debug("job running elsewhere, skipped", zap.String("job", name))
		return nil
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(parent), key, token); err != nil {
				s.log.Warn("release job lock failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, obscontext.ActorSystem, "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A timed out sweep resumes where it stopped on the next tick.
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

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobSweepOverdue, s.isJobEnabled(JobSweepOverdue), func(ctx context.Context) error {
			return s.runJob(ctx, JobSweepOverdue, s.cfg.BatchSize, s.cfg.JobTimeout, s.SweepOverdueJob)
		}},
		{JobSweepStaleAttempts, s.isJobEnabled(JobSweepStaleAttempts), func(ctx context.Context) error {
			return s.runJob(ctx, JobSweepStaleAttempts, s.cfg.BatchSize, s.cfg.JobTimeout, s.SweepStaleAttemptsJob)
		}},
		{JobRedeliverWebhooks, s.isJobEnabled(JobRedeliverWebhooks), func(ctx context.Context) error {
			return s.runJob(ctx, JobRedeliverWebhooks, s.cfg.BatchSize, s.cfg.JobTimeout, s.RedeliverWebhooksJob)
		}},
		{JobSendReminders, s.isJobEnabled(JobSendReminders) && s.reminders != nil, func(ctx context.Context) error {
			return s.runJob(ctx, JobSendReminders, s.cfg.BatchSize, s.cfg.JobTimeout, s.SendRemindersJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job (monolith mode).
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

// SweepOverdueJob persists the lazy overdue rule.
func (s *Scheduler) SweepOverdueJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	count, err := s.obligations.SweepOverdue(ctx, s.clock.Now(), s.cfg.BatchSize)
	run.AddProcessed(count)
	obsmetrics.Scheduler().AddBatchProcessed(JobSweepOverdue, obsmetrics.ResourceObligations, count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.overdue.failed", JobSweepOverdue, err)
	}
	return err
}

// SweepStaleAttemptsJob expires pending attempts older than the policy age.
func (s *Scheduler) SweepStaleAttemptsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	count, err := s.payments.SweepStaleAttempts(ctx, 0, s.cfg.BatchSize)
	run.AddProcessed(count)
	obsmetrics.Scheduler().AddBatchProcessed(JobSweepStaleAttempts, obsmetrics.ResourceAttempts, count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.stale_attempts.failed", JobSweepStaleAttempts, err)
	}
	return err
}

// RedeliverWebhooksJob pushes stuck inbox rows through the pipeline again
// and refreshes the backlog gauge.
func (s *Scheduler) RedeliverWebhooksJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	count, err := s.webhooks.Redeliver(ctx, s.clock.Now(), s.cfg.BatchSize)
	run.AddProcessed(count)
	schedMetrics.AddBatchProcessed(JobRedeliverWebhooks, obsmetrics.ResourceWebhookInbox, count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.redeliver.failed", JobRedeliverWebhooks, err)
	}

	counts, countErr := s.inbox.CountByStatus(ctx, s.db)
	if countErr != nil {
		s.log.Warn("count webhook inbox failed", zap.Error(countErr))
		return err
	}
	for _, status := range paymentdomain.InboxStatuses {
		schedMetrics.SetInboxBacklog(string(status), counts[status])
	}
	if dead := counts[paymentdomain.InboxDead]; dead > 0 {
		s.log.Warn("webhook deliveries need manual reconciliation", zap.Int64("dead", dead))
	}
	return err
}

func (s *Scheduler) SendRemindersJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	count, err := s.reminders.SendDue(ctx, s.clock.Now(), s.cfg.BatchSize)
	run.AddProcessed(count)
	obsmetrics.Scheduler().AddBatchProcessed(JobSendReminders, obsmetrics.ResourceReminders, count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reminders.failed", JobSendReminders, err)
	}
	return err
}
