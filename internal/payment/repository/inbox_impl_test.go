package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newInboxItem(id int64, status domain.InboxStatus, at time.Time) *domain.InboxItem {
	return &domain.InboxItem{
		ID:         snowflake.ID(id),
		Provider:   "mercadopago",
		Method:     "POST",
		Query:      datatypes.JSON(`{}`),
		Headers:    datatypes.JSON(`{}`),
		Body:       `{"type":"payment","data":{"id":"1"}}`,
		Status:     status,
		ReceivedAt: at,
		UpdatedAt:  at,
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	conn := testutil.OpenDB(t)
	r := ProvideInbox()

	item := newInboxItem(1, domain.InboxReceived, testNow)
	require.NoError(t, r.Insert(ctx, conn, item))

	ok, err := r.Claim(ctx, conn, item.ID, testNow, testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Claim(ctx, conn, item.ID, testNow, testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a fresh claim must not be stolen")

	ok, err = r.Claim(ctx, conn, item.ID, testNow.Add(10*time.Minute), testNow.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "a stale claim is reclaimable")

	loaded, err := r.Find(ctx, conn, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InboxProcessing, loaded.Status)
	assert.Equal(t, 2, loaded.Attempts)
}

func TestFinishAndReset(t *testing.T) {
	ctx := context.Background()
	conn := testutil.OpenDB(t)
	r := ProvideInbox()

	item := newInboxItem(2, domain.InboxReceived, testNow)
	require.NoError(t, r.Insert(ctx, conn, item))

	processedAt := testNow.Add(time.Second)
	item.Status = domain.InboxProcessed
	item.ProcessedAt = &processedAt
	item.UpdatedAt = processedAt
	item.NotificationID = "n-9"
	require.NoError(t, r.Finish(ctx, conn, item))

	ok, err := r.Reset(ctx, conn, item.ID, testNow)
	require.NoError(t, err)
	assert.False(t, ok, "processed deliveries are not replayable")

	item.Status = domain.InboxDead
	item.LastError = "boom"
	require.NoError(t, r.Finish(ctx, conn, item))

	ok, err = r.Reset(ctx, conn, item.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err := r.Find(ctx, conn, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InboxReceived, loaded.Status)
	assert.Equal(t, 0, loaded.Attempts)
	assert.Empty(t, loaded.LastError)
	assert.Equal(t, "n-9", loaded.NotificationID)
}

func TestListRedeliverableAndCounts(t *testing.T) {
	ctx := context.Background()
	conn := testutil.OpenDB(t)
	r := ProvideInbox()

	idle := newInboxItem(10, domain.InboxFailed, testNow.Add(-time.Hour))
	fresh := newInboxItem(11, domain.InboxReceived, testNow)
	done := newInboxItem(12, domain.InboxProcessed, testNow.Add(-time.Hour))
	for _, item := range []*domain.InboxItem{idle, fresh, done} {
		require.NoError(t, r.Insert(ctx, conn, item))
	}

	items, err := r.ListRedeliverable(ctx, conn, testNow.Add(-time.Minute), testNow.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, idle.ID, items[0].ID)

	counts, err := r.CountByStatus(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.InboxFailed])
	assert.Equal(t, int64(1), counts[domain.InboxReceived])
	assert.Equal(t, int64(1), counts[domain.InboxProcessed])

	listed, err := r.List(ctx, conn, domain.InboxFilter{Status: domain.InboxFailed, Limit: 5})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}
