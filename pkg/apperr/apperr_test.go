package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesKindAndCode(t *testing.T) {
	errInvalidAmount := Validation("invalid_amount", "amount must be greater than zero")

	wrapped := fmt.Errorf("create obligation: %w", errInvalidAmount)
	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.ErrorIs(t, wrapped, errInvalidAmount)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, "invalid_amount", Code(wrapped))
	assert.Equal(t, ErrValidation, Kind(wrapped))
}

func TestWrapKeepsSentinelIdentity(t *testing.T) {
	errNotFound := NotFound("obligation_not_found", "obligation not found")
	cause := errors.New("boom")

	err := errNotFound.Wrap(cause)
	assert.ErrorIs(t, err, errNotFound)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "boom")
}

func TestTransitionMessage(t *testing.T) {
	err := Transition("payment attempt", "approved", "cancel")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, "invalid_state_transition: payment attempt cannot cancel from status approved", err.Error())
}

func TestKindUnknown(t *testing.T) {
	assert.Nil(t, Kind(errors.New("other")))
	assert.Equal(t, "", Code(errors.New("other")))
}
