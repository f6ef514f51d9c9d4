package domain

import "strings"

var rejectionReasons = map[string]string{
	"cc_rejected_bad_filled_card_number":   "Check the card number.",
	"cc_rejected_bad_filled_date":          "Check the expiration date.",
	"cc_rejected_bad_filled_other":         "Check the card details.",
	"cc_rejected_bad_filled_security_code": "Check the card security code.",
	"cc_rejected_blacklist":                "The payment could not be processed.",
	"cc_rejected_call_for_authorize":       "Authorize the payment with the card issuer.",
	"cc_rejected_card_disabled":            "Call the card issuer to activate the card.",
	"cc_rejected_card_error":               "The payment could not be processed.",
	"cc_rejected_duplicated_payment":       "A payment for this amount was already made.",
	"cc_rejected_high_risk":                "The payment was rejected. Choose another payment method.",
	"cc_rejected_insufficient_amount":      "The card has insufficient funds.",
	"cc_rejected_invalid_installments":     "The card does not accept this number of installments.",
	"cc_rejected_max_attempts":             "Too many attempts. Choose another card or payment method.",
	"cc_rejected_other_reason":             "The card issuer did not process the payment.",
}

const defaultRejectionReason = "The payment could not be processed."

// RejectionReason turns a processor status detail into a message a payer
// can act on.
func RejectionReason(statusDetail string) string {
	if msg, ok := rejectionReasons[strings.TrimSpace(statusDetail)]; ok {
		return msg
	}
	return defaultRejectionReason
}
