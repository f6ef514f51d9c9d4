package db

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOnConflictRetriesVersionConflicts(t *testing.T) {
	calls := 0
	got, err := RetryOnConflict(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, apperr.ErrVersionConflict
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := RetryOnConflict(context.Background(), func() (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	_, err := RetryOnConflict(context.Background(), func() (struct{}, error) {
		calls++
		return struct{}{}, apperr.ErrVersionConflict
	})
	assert.ErrorIs(t, err, apperr.ErrVersionConflict)
	assert.Equal(t, conflictMaxTries, calls)
}
