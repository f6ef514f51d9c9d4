package mercadopago

import "github.com/smallbiznis/duesync/internal/payment/domain"

// Vocabulary is every payment status the processor documents.
var Vocabulary = []string{
	"pending",
	"approved",
	"authorized",
	"in_process",
	"in_mediation",
	"rejected",
	"cancelled",
	"refunded",
	"charged_back",
}

var statusTable = domain.MustStatusTable(ProviderName, Vocabulary, map[string]domain.Status{
	"approved":     domain.StatusApproved,
	"authorized":   domain.StatusProcessing,
	"pending":      domain.StatusProcessing,
	"in_process":   domain.StatusProcessing,
	"in_mediation": domain.StatusInMediation,
	"rejected":     domain.StatusRejected,
	"cancelled":    domain.StatusCancelled,
	"refunded":     domain.StatusRefunded,
	"charged_back": domain.StatusChargedBack,
})

var categories = map[string]string{
	"service":      "services",
	"product":      "others",
	"subscription": "services",
	"fine":         "tickets",
	"other":        "others",
}

func mapCategory(category string) string {
	if mapped, ok := categories[category]; ok {
		return mapped
	}
	return "others"
}
