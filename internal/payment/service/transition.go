package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/events"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/smallbiznis/duesync/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Mutation changes a in place and returns the history reason. Leaving a
// untouched with an empty reason writes nothing.
type Mutation func(a *domain.Attempt, now time.Time) (string, error)

// AfterFunc runs in the same transaction once the version check passed.
type AfterFunc func(tx *gorm.DB, a *domain.Attempt, from domain.Status, now time.Time) error

type Result struct {
	Attempt *domain.Attempt
	From    domain.Status
	Changed bool
	At      time.Time
}

// StatusChanged reports whether the write moved the attempt to another
// status.
func (r Result) StatusChanged() bool {
	return r.Changed && r.Attempt != nil && r.Attempt.Status != r.From
}

// Apply re-reads the attempt on conn, runs fn and persists the result under
// a version check, retrying lost races. A nil conn uses the service's
// connection; a transaction handle is joined.
func (s *Service) Apply(ctx context.Context, conn *gorm.DB, id snowflake.ID, actor string, detail map[string]any, fn Mutation, after ...AfterFunc) (Result, error) {
	if conn == nil {
		conn = s.db
	}
	if strings.TrimSpace(actor) == "" {
		actor = obscontext.ActorLabel(ctx)
	}

	return db.RetryOnConflict(ctx, func() (Result, error) {
		var res Result
		err := db.InTx(ctx, conn, func(tx *gorm.DB) error {
			item, err := s.repo.FindAttempt(ctx, tx, id)
			if err != nil {
				return err
			}
			if item == nil {
				return domain.ErrAttemptNotFound
			}

			now := s.clock.Now()
			expected := item.Version
			from := item.Status
			reason, err := fn(item, now)
			if err != nil {
				return err
			}

			res = Result{Attempt: item, From: from, At: now}
			res.Changed = reason != "" || item.Status != from
			if !res.Changed {
				return nil
			}

			item.UpdatedAt = now
			ok, err := s.repo.UpdateAttempt(ctx, tx, item, expected)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.ErrVersionConflict
			}
			entry, err := s.historyEntry(item.ID, from, item.Status, actor, reason, detail, now)
			if err != nil {
				return err
			}
			if err := s.repo.InsertHistory(ctx, tx, entry); err != nil {
				return err
			}
			for _, fn := range after {
				if err := fn(tx, item, from, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
		if res.Changed {
			s.log.Debug("attempt transition applied",
				zap.String("attempt_id", id.String()),
				zap.String("from", string(res.From)),
				zap.String("status", string(res.Attempt.Status)),
				zap.String("actor", actor),
			)
		}
		return res, nil
	})
}

// ReopenOnFailure returns an AfterFunc putting the obligation back to payable
// when the attempt left an active status for a failed one.
func (s *Service) ReopenOnFailure(ctx context.Context, cause obligationdomain.RevertCause, actor string, reopened *bool) AfterFunc {
	return func(tx *gorm.DB, a *domain.Attempt, from domain.Status, now time.Time) error {
		if !domain.ReopensObligation(from, a.Status) {
			return nil
		}
		if _, err := s.obligations.RevertToPending(ctx, tx, a.ObligationID, cause, actor); err != nil {
			return err
		}
		if reopened != nil {
			*reopened = true
		}
		return nil
	}
}

// Announce publishes the committed outcome of one transition and counts it.
func (s *Service) Announce(ctx context.Context, res Result, source string, reopened bool) {
	if !res.StatusChanged() {
		return
	}
	a := res.Attempt
	s.metrics.RecordAttemptTransition(ctx, string(res.From), string(a.Status), source)

	evs := []events.Event{
		events.New(events.TypeAttemptStatus, attemptKey(a.ID), res.At, map[string]any{
			"obligation_id": a.ObligationID.String(),
			"from_status":   string(res.From),
			"to_status":     string(a.Status),
			"source":        source,
		}),
	}
	if reopened {
		evs = append(evs, events.New(events.TypeObligationReopened, obligationKey(a.ObligationID), res.At, map[string]any{
			"attempt_id": a.ID.String(),
			"cause":      string(a.Status),
		}))
	}
	s.publish(ctx, evs...)
}

// CancelRemote closes the processor session of a. Failure only logs: the
// local state is already authoritative.
func (s *Service) CancelRemote(ctx context.Context, a *domain.Attempt) {
	if a == nil || a.SessionID == "" {
		return
	}
	gw, err := s.gateways.Get(a.Provider)
	if err != nil {
		s.log.Warn("cancel remote session skipped", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return
	}
	if err := gw.CancelSession(ctx, a.SessionID); err != nil {
		s.log.Warn("cancel remote session failed",
			zap.String("attempt_id", a.ID.String()),
			zap.String("session_id", a.SessionID),
			zap.Error(err),
		)
	}
}

func (s *Service) historyEntry(attemptID snowflake.ID, from, to domain.Status, actor, reason string, detail map[string]any, now time.Time) (*domain.HistoryEntry, error) {
	entry := &domain.HistoryEntry{
		ID:         s.genID.Generate(),
		AttemptID:  attemptID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  now,
	}
	if len(detail) > 0 {
		raw, err := json.Marshal(detail)
		if err != nil {
			return nil, err
		}
		entry.Detail = datatypes.JSON(raw)
	}
	return entry, nil
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if err := s.events.Publish(ctx, evs...); err != nil {
		s.log.Warn("publish attempt events failed", zap.Error(err))
	}
}

func attemptKey(id snowflake.ID) string {
	return "attempt:" + strconv.FormatInt(int64(id), 10)
}

func obligationKey(id snowflake.ID) string {
	return "obligation:" + strconv.FormatInt(int64(id), 10)
}
