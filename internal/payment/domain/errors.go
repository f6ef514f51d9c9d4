package domain

import "github.com/smallbiznis/duesync/pkg/apperr"

var (
	ErrInvalidObligation  = apperr.Validation("invalid_obligation", "obligation_id is required")
	ErrInvalidAmount      = apperr.Validation("invalid_refund_amount", "refund amount must be greater than zero and within the refundable amount")
	ErrInvalidStatus      = apperr.Validation("invalid_status", "unknown attempt status")
	ErrInvalidProvider    = apperr.Validation("invalid_provider", "payment provider is required")
	ErrInvalidPayer       = apperr.Validation("invalid_payer", "payer details are malformed")
	ErrInvalidConfig      = apperr.Validation("invalid_provider_config", "payment provider configuration is incomplete")
	ErrInvalidPageToken   = apperr.Validation("invalid_page_token", "page token is malformed")
	ErrSimulationDisabled = apperr.Validation("simulation_disabled", "notification simulation is disabled in production")

	ErrAttemptNotFound  = apperr.NotFound("attempt_not_found", "payment attempt not found")
	ErrProviderNotFound = apperr.NotFound("provider_not_found", "payment provider not registered")
	ErrInboxNotFound    = apperr.NotFound("webhook_not_found", "webhook delivery not found")

	ErrNotCancellable     = apperr.InvalidTransition("attempt_not_cancellable", "only pending or processing attempts can be cancelled")
	ErrNotRetryable       = apperr.InvalidTransition("attempt_not_retryable", "only rejected or cancelled attempts can be retried")
	ErrNotRefundable      = apperr.InvalidTransition("attempt_not_refundable", "only approved attempts can be refunded")
	ErrActiveAttemptExist = apperr.InvalidTransition("active_attempt_exists", "obligation already has an active attempt")
	ErrNotReplayable      = apperr.InvalidTransition("webhook_not_replayable", "only failed, dead or unresolved deliveries can be replayed")
	ErrMissingPaymentID   = apperr.InvalidTransition("missing_payment_id", "attempt has no processor payment id")

	ErrRetryLimit = apperr.RetryLimit("attempt reached the maximum number of tries")

	ErrDuplicateNotification  = &apperr.Error{Kind: apperr.ErrDuplicateNotification, Code: "duplicate_notification"}
	ErrUnresolvedNotification = &apperr.Error{Kind: apperr.ErrUnresolvedNotification, Code: "unresolved_notification"}

	// Webhook pipeline outcomes that stop processing of one delivery.
	ErrInvalidSignature = apperr.Validation("invalid_signature", "webhook signature check failed")
	ErrInvalidPayload   = apperr.Validation("invalid_payload", "webhook payload is not a recognized notification")
	ErrEventIgnored     = apperr.Validation("event_ignored", "notification type does not drive state")
	ErrUnmappedStatus   = apperr.Validation("unmapped_processor_status", "processor status is not in the status table")
)
