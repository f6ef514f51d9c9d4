package domain

import (
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusApproved, true},
		{StatusProcessing, StatusApproved, true},
		{StatusProcessing, StatusPending, false},
		{StatusApproved, StatusRefunded, true},
		{StatusApproved, StatusChargedBack, true},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusProcessing, false},
		{StatusInMediation, StatusApproved, true},
		{StatusRejected, StatusApproved, false},
		{StatusCancelled, StatusApproved, false},
		{StatusRefunded, StatusApproved, false},
		{StatusChargedBack, StatusRefunded, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestReopensObligation(t *testing.T) {
	assert.True(t, ReopensObligation(StatusPending, StatusRejected))
	assert.True(t, ReopensObligation(StatusProcessing, StatusCancelled))
	assert.False(t, ReopensObligation(StatusApproved, StatusRefunded))
	assert.False(t, ReopensObligation(StatusPending, StatusApproved))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusPending.IsActive())
	assert.True(t, StatusProcessing.IsActive())
	assert.False(t, StatusApproved.IsActive())
	assert.True(t, StatusRejected.Retryable())
	assert.True(t, StatusCancelled.Retryable())
	assert.False(t, StatusRefunded.Retryable())
	assert.False(t, ValidStatus("mystery"))
}

func TestNewStatusTableRejectsGaps(t *testing.T) {
	_, err := NewStatusTable("acme", []string{"ok", "nope"}, map[string]Status{"ok": StatusApproved})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	_, err = NewStatusTable("acme", []string{"ok"}, map[string]Status{"ok": "settled"})
	require.Error(t, err)

	assert.Panics(t, func() {
		MustStatusTable("acme", []string{"ok"}, map[string]Status{})
	})

	table, err := NewStatusTable("acme", []string{"OK"}, map[string]Status{"OK": StatusApproved})
	require.NoError(t, err)
	local, err := table.Lookup(" ok ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, local)
	assert.Equal(t, "acme", table.Provider())

	_, err = table.Lookup("unknown")
	assert.ErrorIs(t, err, ErrUnmappedStatus)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "The card has insufficient funds.", RejectionReason("cc_rejected_insufficient_amount"))
	assert.Equal(t, defaultRejectionReason, RejectionReason("something_new"))
	assert.Equal(t, defaultRejectionReason, RejectionReason(""))
}

func TestGatewayErrorUnwrapsToKind(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &GatewayError{Provider: "mercadopago", Op: "fetch_payment", StatusCode: http.StatusBadGateway, Retryable: true, Err: cause}
	assert.ErrorIs(t, err, apperr.ErrGateway)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryableGatewayError(err))
	assert.Contains(t, err.Error(), "status 502")
	assert.False(t, IsRetryableGatewayError(errors.New("other")))
}

func TestRefundableAmount(t *testing.T) {
	a := &Attempt{Amount: decimal.RequireFromString("100"), RefundedAmount: decimal.RequireFromString("30")}
	assert.True(t, a.RefundableAmount().Equal(decimal.RequireFromString("70")))
}

func TestInboxStatusReplayable(t *testing.T) {
	assert.True(t, InboxDead.Replayable())
	assert.True(t, InboxFailed.Replayable())
	assert.True(t, InboxUnresolved.Replayable())
	assert.False(t, InboxProcessed.Replayable())
	assert.True(t, ValidInboxStatus(InboxDuplicate))
	assert.False(t, ValidInboxStatus("lost"))
}

func TestExternalRefFormat(t *testing.T) {
	ref := NewExternalRef(123)
	assert.Regexp(t, `^OBL-123-[0-9A-Z]{26}$`, ref)
	assert.NotEqual(t, ref, NewExternalRef(123))
}
