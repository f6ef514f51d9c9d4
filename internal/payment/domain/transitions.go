package domain

// transitions lists the edges a processor notification may drive. Terminal
// statuses only move along edges the processor can legitimately report
// after settlement; anything else is a stale or out-of-order notification.
var transitions = map[Status][]Status{
	StatusPending:     {StatusProcessing, StatusApproved, StatusRejected, StatusCancelled},
	StatusProcessing:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:    {StatusRefunded, StatusInMediation, StatusChargedBack},
	StatusInMediation: {StatusApproved, StatusRefunded, StatusChargedBack},
	StatusRejected:    nil,
	StatusCancelled:   nil,
	StatusRefunded:    nil,
	StatusChargedBack: nil,
}

// CanTransition reports whether an attempt may move from one status to
// another on a processor notification.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReopensObligation reports whether moving from one status to another
// leaves the obligation payable again.
func ReopensObligation(from, to Status) bool {
	return from.IsActive() && (to == StatusRejected || to == StatusCancelled)
}
