package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	"github.com/smallbiznis/duesync/internal/events"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBatch = 200

type Params struct {
	fx.In

	Log         *zap.Logger
	Obligations obligationdomain.Service
	Clock       clock.Clock
	Policy      *config.PolicyHolder `optional:"true"`
	Notifier    Notifier             `optional:"true"`
	Events      events.Publisher     `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	obligations obligationdomain.Service
	clock       clock.Clock
	policy      *config.PolicyHolder
	notifier    Notifier
}

func NewService(p Params) *Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	notifier := p.Notifier
	if notifier == nil {
		if p.Events != nil {
			notifier = NewEventNotifier(p.Events)
		} else {
			notifier = NewLogNotifier(p.Log)
		}
	}
	return &Service{
		log:         p.Log.Named("reminder.service"),
		obligations: p.Obligations,
		clock:       c,
		policy:      p.Policy,
		notifier:    notifier,
	}
}

func (s *Service) CanSendReminder(o *obligationdomain.Obligation) bool {
	return CanSendReminder(o, s.policy.Get().Reminder, s.clock.Now())
}

// RecordReminderSent stamps one delivered reminder. It never changes the
// obligation's status.
func (s *Service) RecordReminderSent(ctx context.Context, id snowflake.ID) (*obligationdomain.Obligation, error) {
	return s.obligations.RecordReminderSent(ctx, id, s.clock.Now())
}

// DueForReminder lists open obligations sitting on a lead day or past due
// that the policy still allows to be reminded, at most batch of them.
func (s *Service) DueForReminder(ctx context.Context, now time.Time, batch int) ([]*obligationdomain.Obligation, error) {
	if batch <= 0 {
		batch = defaultBatch
	}
	policy := s.policy.Get().Reminder
	if policy.MaxCount == 0 {
		return []*obligationdomain.Obligation{}, nil
	}
	horizon := now.UTC().Truncate(day).Add(time.Duration(maxLead(policy.LeadDays)+1) * day)

	out := []*obligationdomain.Obligation{}
	var afterID snowflake.ID
	for len(out) < batch {
		items, err := s.obligations.ListReminderCandidates(ctx, horizon, afterID, batch)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if len(out) == batch {
				break
			}
			if inLeadWindow(item, policy.LeadDays, now) && CanSendReminder(item, policy, now) {
				out = append(out, item)
			}
		}
		if len(items) < batch {
			break
		}
		afterID = items[len(items)-1].ID
	}
	return out, nil
}

// SendDue notifies every obligation DueForReminder returns and records each
// delivery. A failed delivery is retried on the next run.
func (s *Service) SendDue(ctx context.Context, now time.Time, batch int) (int, error) {
	items, err := s.DueForReminder(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := s.notifier.Notify(ctx, Reminder{
			ObligationID: item.ID,
			OwnerID:      item.OwnerID,
			Description:  item.Description,
			Amount:       item.Amount,
			Currency:     item.Currency,
			DueDate:      item.DueDate,
			DaysUntilDue: DaysUntilDue(item, now),
			Sequence:     item.RemindersSent + 1,
			At:           now,
		})
		if err != nil {
			s.log.Warn("reminder delivery failed", zap.String("obligation_id", item.ID.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if _, err := s.obligations.RecordReminderSent(ctx, item.ID, now); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.log.Info("reminders sent", zap.Int("count", sent))
	}
	return sent, errors.Join(errs...)
}
