package domain

import "github.com/smallbiznis/duesync/pkg/apperr"

var (
	ErrInvalidOwner       = apperr.Validation("invalid_owner", "owner_id is required")
	ErrInvalidDescription = apperr.Validation("invalid_description", "description is required and must be at most 500 characters")
	ErrInvalidAmount      = apperr.Validation("invalid_amount", "amount must be greater than zero with at most two decimal places")
	ErrInvalidCurrency    = apperr.Validation("invalid_currency", "currency must be ARS or USD")
	ErrInvalidCategory    = apperr.Validation("invalid_category", "category must be one of service, product, subscription, fine, other")
	ErrInvalidDueDate     = apperr.Validation("invalid_due_date", "due date cannot be in the past")
	ErrInvalidNotes       = apperr.Validation("invalid_notes", "notes must be at most 1000 characters")
	ErrInvalidStatus      = apperr.Validation("invalid_status", "unknown obligation status")
	ErrInvalidCause       = apperr.Validation("invalid_revert_cause", "unknown revert cause")
	ErrInvalidPageToken   = apperr.Validation("invalid_page_token", "page token is malformed")

	ErrNotFound = apperr.NotFound("obligation_not_found", "obligation not found")

	ErrNotSettleable      = apperr.InvalidTransition("obligation_not_settleable", "obligation cannot accept a payment")
	ErrAlreadyPaid        = apperr.InvalidTransition("obligation_already_paid", "obligation is already paid")
	ErrPaidByOtherAttempt = apperr.InvalidTransition("obligation_paid_by_other_attempt", "obligation was settled by a different attempt")
	ErrCancelled          = apperr.InvalidTransition("obligation_cancelled", "obligation is cancelled")
	ErrNotProcessing      = apperr.InvalidTransition("obligation_not_processing", "obligation is not processing")
	ErrNotTerminal        = apperr.InvalidTransition("obligation_not_terminal", "only paid or cancelled obligations can be archived")
)
