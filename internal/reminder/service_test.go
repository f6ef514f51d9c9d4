package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obligationrepo "github.com/smallbiznis/duesync/internal/obligation/repository"
	obligationservice "github.com/smallbiznis/duesync/internal/obligation/service"
	"github.com/smallbiznis/duesync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type captureNotifier struct {
	mu   sync.Mutex
	sent []Reminder
	err  error
}

func (n *captureNotifier) Notify(_ context.Context, r Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, r)
	return nil
}

type fixture struct {
	svc         *Service
	obligations obligationdomain.Service
	notifier    *captureNotifier
	clock       *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t)
	fc := clock.NewFakeClock(testNow)
	obligations := obligationservice.NewService(obligationservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  obligationrepo.Provide(),
		Clock: fc,
	})
	notifier := &captureNotifier{}
	svc := NewService(Params{
		Log:         zap.NewNop(),
		Obligations: obligations,
		Clock:       fc,
		Policy:      config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Notifier:    notifier,
	})
	return &fixture{svc: svc, obligations: obligations, notifier: notifier, clock: fc}
}

func (f *fixture) obligation(t *testing.T, dueIn int) *obligationdomain.Obligation {
	t.Helper()
	item, err := f.obligations.Create(context.Background(), obligationdomain.CreateObligationRequest{
		OwnerID:     7,
		Description: "Gym membership",
		Amount:      decimal.RequireFromString("45.50"),
		DueDate:     testNow.AddDate(0, 0, dueIn),
	})
	require.NoError(t, err)
	return item
}

func TestDueForReminderPicksLeadDays(t *testing.T) {
	f := newFixture(t)
	seven := f.obligation(t, 7)
	f.obligation(t, 5)
	three := f.obligation(t, 3)
	f.obligation(t, 20)

	items, err := f.svc.DueForReminder(context.Background(), testNow, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID.String())
	}
	assert.ElementsMatch(t, []string{seven.ID.String(), three.ID.String()}, ids)
}

func TestDueForReminderIncludesPastDue(t *testing.T) {
	f := newFixture(t)
	ob := f.obligation(t, 2)

	f.clock.Advance(4 * 24 * time.Hour)
	items, err := f.svc.DueForReminder(context.Background(), f.clock.Now(), 10)

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ob.ID, items[0].ID)
	assert.Equal(t, obligationdomain.StatusOverdue, items[0].Status)
}

func TestSendDueRecordsAndRespectsCooldown(t *testing.T) {
	f := newFixture(t)
	ob := f.obligation(t, 3)

	sent, err := f.svc.SendDue(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, 3, f.notifier.sent[0].DaysUntilDue)
	assert.Equal(t, 1, f.notifier.sent[0].Sequence)

	got, err := f.obligations.GetByID(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RemindersSent)
	require.NotNil(t, got.LastReminderAt)
	assert.Equal(t, obligationdomain.StatusPending, got.Status)
	assert.False(t, f.svc.CanSendReminder(got))

	sent, err = f.svc.SendDue(context.Background(), testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestSendDueKeepsUndeliveredReminders(t *testing.T) {
	f := newFixture(t)
	ob := f.obligation(t, 1)
	f.notifier.err = errors.New("smtp down")

	sent, err := f.svc.SendDue(context.Background(), testNow, 10)

	assert.Error(t, err)
	assert.Equal(t, 0, sent)
	got, err := f.obligations.GetByID(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RemindersSent)
}

func TestRecordReminderSentStampsClock(t *testing.T) {
	f := newFixture(t)
	ob := f.obligation(t, 10)
	f.clock.Advance(time.Hour)

	got, err := f.svc.RecordReminderSent(context.Background(), ob.ID)

	require.NoError(t, err)
	assert.Equal(t, 1, got.RemindersSent)
	require.NotNil(t, got.LastReminderAt)
	assert.True(t, got.LastReminderAt.Equal(testNow.Add(time.Hour)))
}
