package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLockerGrantsEverything(t *testing.T) {
	var l *Locker

	token, ok, err := l.TryLock(context.Background(), AttemptKey("1"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, l.Release(context.Background(), AttemptKey("1"), token))
}

func TestNewLockerWithoutClient(t *testing.T) {
	assert.Nil(t, NewLocker(nil))
}

func TestLockerRejectsBadArguments(t *testing.T) {
	l := &Locker{}

	_, _, err := l.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "attempt:42", AttemptKey("42"))
	assert.Equal(t, "job:sweep_overdue", JobKey("sweep_overdue"))
}
