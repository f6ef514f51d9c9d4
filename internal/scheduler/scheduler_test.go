package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/duesync/internal/clock"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obsmetrics "github.com/smallbiznis/duesync/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

// The embedded interfaces satisfy the methods a job never calls.
type obligationsMock struct {
	mock.Mock
	obligationdomain.Service
}

func (m *obligationsMock) SweepOverdue(ctx context.Context, now time.Time, batch int) (int, error) {
	args := m.Called(ctx, now, batch)
	return args.Int(0), args.Error(1)
}

type paymentsMock struct {
	mock.Mock
	paymentdomain.Orchestrator
}

func (m *paymentsMock) SweepStaleAttempts(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	args := m.Called(ctx, maxAge, batch)
	return args.Int(0), args.Error(1)
}

type webhooksMock struct {
	mock.Mock
	paymentdomain.Reconciler
}

func (m *webhooksMock) Redeliver(ctx context.Context, now time.Time, batch int) (int, error) {
	args := m.Called(ctx, now, batch)
	return args.Int(0), args.Error(1)
}

type inboxMock struct {
	mock.Mock
	paymentdomain.InboxRepository
}

func (m *inboxMock) CountByStatus(ctx context.Context, db *gorm.DB) (map[paymentdomain.InboxStatus]int64, error) {
	args := m.Called(ctx, db)
	counts, _ := args.Get(0).(map[paymentdomain.InboxStatus]int64)
	return counts, args.Error(1)
}

type fixture struct {
	sched       *Scheduler
	obligations *obligationsMock
	payments    *paymentsMock
	webhooks    *webhooksMock
	inbox       *inboxMock
	registry    *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "duesync", Environment: "test"})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	f := &fixture{
		obligations: &obligationsMock{},
		payments:    &paymentsMock{},
		webhooks:    &webhooksMock{},
		inbox:       &inboxMock{},
		registry:    registry,
	}
	sched, err := New(Params{
		DB:          &gorm.DB{},
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clock.NewFakeClock(testNow),
		Obligations: f.obligations,
		Payments:    f.payments,
		Webhooks:    f.webhooks,
		Inbox:       f.inbox,
		Config:      cfg,
	})
	require.NoError(t, err)
	f.sched = sched
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.sched.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "duesync",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, f.registry, "duesync_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "duesync",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, f.registry, "duesync_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceFiresEverySweep(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 25})
	f.obligations.On("SweepOverdue", mock.Anything, testNow, 25).Return(3, nil).Once()
	f.payments.On("SweepStaleAttempts", mock.Anything, time.Duration(0), 25).Return(1, nil).Once()
	f.webhooks.On("Redeliver", mock.Anything, testNow, 25).Return(2, nil).Once()
	f.inbox.On("CountByStatus", mock.Anything, mock.Anything).Return(map[paymentdomain.InboxStatus]int64{
		paymentdomain.InboxDead:     4,
		paymentdomain.InboxReceived: 1,
	}, nil).Once()

	require.NoError(t, f.sched.RunOnce(context.Background()))

	f.obligations.AssertExpectations(t)
	f.payments.AssertExpectations(t)
	f.webhooks.AssertExpectations(t)
	f.inbox.AssertExpectations(t)

	processed := map[string]string{"service": "duesync", "env": "test", "job": JobSweepOverdue, "resource": obsmetrics.ResourceObligations}
	assert.Equal(t, float64(3), getCounterValue(t, f.registry, "duesync_scheduler_batch_processed_total", processed))
	dead := map[string]string{"service": "duesync", "env": "test", "status": string(paymentdomain.InboxDead)}
	assert.Equal(t, float64(4), getGaugeValue(t, f.registry, "duesync_webhook_inbox_backlog", dead))
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"SWEEP_OVERDUE"}})
	f.obligations.On("SweepOverdue", mock.Anything, testNow, DefaultConfig().BatchSize).Return(0, nil).Once()

	require.NoError(t, f.sched.RunOnce(context.Background()))

	f.obligations.AssertExpectations(t)
	f.payments.AssertNotCalled(t, "SweepStaleAttempts", mock.Anything, mock.Anything, mock.Anything)
	f.webhooks.AssertNotCalled(t, "Redeliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnceKeepsGoingAfterAFailedJob(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{JobSweepOverdue, JobSweepStaleAttempts}})
	boom := errors.New("connection reset")
	f.obligations.On("SweepOverdue", mock.Anything, mock.Anything, mock.Anything).Return(0, boom).Once()
	f.payments.On("SweepStaleAttempts", mock.Anything, mock.Anything, mock.Anything).Return(2, nil).Once()

	err := f.sched.RunOnce(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobSweepOverdue+":")
	f.payments.AssertExpectations(t)
}

func TestRunJobStampsSystemActor(t *testing.T) {
	f := newFixture(t, Config{})
	var run *jobRun

	err := f.sched.runJob(context.Background(), "heartbeat", 10, time.Second, func(ctx context.Context) error {
		run = jobRunFromContext(ctx)
		run.AddProcessed(5)
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "heartbeat", run.job)
	assert.Equal(t, 5, run.processedCount)
	assert.Equal(t, 0, run.errorCount)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func findMetric(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
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
			if labelsMatch(metric, labels) {
				return metric
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return nil
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metric := findMetric(t, registry, name, labels)
	if metric.Counter == nil {
		t.Fatalf("metric %s is not a counter", name)
	}
	return metric.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metric := findMetric(t, registry, name, labels)
	if metric.Gauge == nil {
		t.Fatalf("metric %s is not a gauge", name)
	}
	return metric.GetGauge().GetValue()
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
