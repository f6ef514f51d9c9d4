// Package reminder decides when an owner is nudged about an unpaid
// obligation. Delivery itself is a Notifier's business.
package reminder

import (
	"time"

	"github.com/smallbiznis/duesync/internal/config"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
)

const day = 24 * time.Hour

// CanSendReminder reports whether o may receive another reminder at now.
// Closed obligations never do; open ones are capped by count and spaced by
// the cooldown.
func CanSendReminder(o *obligationdomain.Obligation, p config.ReminderPolicy, now time.Time) bool {
	if o == nil || o.IsTerminal() || o.ArchivedAt != nil {
		return false
	}
	if o.RemindersSent >= p.MaxCount {
		return false
	}
	if o.LastReminderAt != nil && now.Sub(*o.LastReminderAt) < p.Cooldown {
		return false
	}
	return true
}

// DaysUntilDue counts calendar days (UTC) from now to the due date. It is
// negative once the due day has passed.
func DaysUntilDue(o *obligationdomain.Obligation, now time.Time) int {
	due := o.DueDate.UTC().Truncate(day)
	today := now.UTC().Truncate(day)
	return int(due.Sub(today) / day)
}

// inLeadWindow reports whether o sits on one of the lead days or is already
// past due.
func inLeadWindow(o *obligationdomain.Obligation, leadDays []int, now time.Time) bool {
	days := DaysUntilDue(o, now)
	if days < 0 {
		return true
	}
	for _, lead := range leadDays {
		if days == lead {
			return true
		}
	}
	return false
}

func maxLead(leadDays []int) int {
	out := 0
	for _, d := range leadDays {
		if d > out {
			out = d
		}
	}
	return out
}
