package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/events"
	"github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/smallbiznis/duesync/pkg/db"
	"github.com/smallbiznis/duesync/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const overdueReason = "due_date_elapsed"

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   domain.Repository
	Clock  clock.Clock
	Events events.Publisher `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	clock    clock.Clock
	events   events.Publisher
	validate *validator.Validate
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	pub := p.Events
	if pub == nil {
		pub = events.Nop{}
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("obligation.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		clock:    c,
		events:   pub,
		validate: validator.New(),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateObligationRequest) (*domain.Obligation, error) {
	req.Description = strings.TrimSpace(req.Description)
	req.Notes = strings.TrimSpace(req.Notes)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Category = domain.Category(strings.ToLower(strings.TrimSpace(string(req.Category))))

	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if req.DueDate.UTC().Before(startOfDay(now)) {
		return nil, domain.ErrInvalidDueDate
	}

	currency := req.Currency
	if currency == "" {
		currency = domain.CurrencyARS
	}
	category := req.Category
	if category == "" {
		category = domain.CategoryOther
	}

	item := &domain.Obligation{
		ID:          s.genID.Generate(),
		OwnerID:     req.OwnerID,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    currency,
		DueDate:     req.DueDate.UTC(),
		Status:      domain.StatusPending,
		Category:    category,
		Notes:       req.Notes,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, item); err != nil {
			return err
		}
		return s.repo.InsertHistory(ctx, tx, &domain.HistoryEntry{
			ID:           s.genID.Generate(),
			ObligationID: item.ID,
			FromStatus:   "",
			ToStatus:     domain.StatusPending,
			Actor:        obscontext.ActorLabel(ctx),
			Reason:       "created",
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.New(events.TypeObligationCreated, obligationKey(item.ID), now, map[string]any{
		"owner_id": item.OwnerID.String(),
		"amount":   item.Amount.StringFixed(2),
		"currency": item.Currency,
		"due_date": item.DueDate,
	}))
	s.log.Info("obligation created",
		zap.String("obligation_id", item.ID.String()),
		zap.String("owner_id", item.OwnerID.String()),
		zap.String("amount", item.Amount.StringFixed(2)),
		zap.String("currency", item.Currency),
	)

	item.Status = item.EffectiveStatus(now)
	return item, nil
}

func (s *Service) validateCreate(req domain.CreateObligationRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
			return err
		}
		switch fieldErrs[0].Field() {
		case "OwnerID":
			return domain.ErrInvalidOwner
		case "Description":
			return domain.ErrInvalidDescription
		case "Currency":
			return domain.ErrInvalidCurrency
		case "Category":
			return domain.ErrInvalidCategory
		case "DueDate":
			return domain.ErrInvalidDueDate
		case "Notes":
			return domain.ErrInvalidNotes
		default:
			return apperr.Validation("invalid_request", fieldErrs[0].Error())
		}
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return domain.ErrInvalidAmount
	}
	if req.Currency != "" && !domain.ValidCurrency(req.Currency) {
		return domain.ErrInvalidCurrency
	}
	if req.Category != "" && !domain.ValidCategory(req.Category) {
		return domain.ErrInvalidCategory
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Obligation, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	item.Status = item.EffectiveStatus(s.clock.Now())
	return item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.Status != "" && !domain.ValidStatus(req.Status) {
		return domain.ListResponse{}, domain.ErrInvalidStatus
	}

	now := s.clock.Now()
	limit := req.Size()
	filter := domain.ListFilter{
		OwnerID:         req.OwnerID,
		Status:          req.Status,
		Now:             now,
		IncludeArchived: req.IncludeArchived,
		Limit:           limit + 1,
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, createdAt, err := cursor.Values()
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		filter.AfterCreatedAt = &createdAt
		filter.AfterID = snowflake.ID(id)
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}
	for _, item := range items {
		item.Status = item.EffectiveStatus(now)
	}

	page, info := pagination.BuildCursorPageInfo(items, limit, func(o *domain.Obligation) pagination.Cursor {
		return pagination.NewCursor(int64(o.ID), o.CreatedAt)
	})
	return domain.ListResponse{Obligations: page, PageInfo: info}, nil
}

func (s *Service) History(ctx context.Context, id snowflake.ID) ([]domain.HistoryEntry, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, s.db, id)
}

func (s *Service) OutstandingTotal(ctx context.Context, ownerID snowflake.ID) ([]domain.CurrencyTotal, error) {
	if ownerID == 0 {
		return nil, domain.ErrInvalidOwner
	}
	totals, err := s.repo.OutstandingTotals(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	if totals == nil {
		totals = []domain.CurrencyTotal{}
	}
	return totals, nil
}

func (s *Service) Settlement(ctx context.Context, id snowflake.ID) (*domain.Settlement, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.FindSettlement(ctx, s.db, id)
}

func (s *Service) MarkProcessing(ctx context.Context, conn *gorm.DB, id snowflake.ID, actor string) (*domain.Obligation, error) {
	res, err := s.transition(ctx, conn, id, actor, func(o *domain.Obligation, now time.Time) (string, error) {
		switch o.Status {
		case domain.StatusPending, domain.StatusOverdue:
			o.Status = domain.StatusProcessing
			return "payment_started", nil
		default:
			return "", domain.ErrNotSettleable.WithReason("obligation cannot start a payment from status %s", o.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return res.item, nil
}

func (s *Service) MarkPaid(ctx context.Context, conn *gorm.DB, id snowflake.ID, attemptID snowflake.ID, actor string) (bool, error) {
	var settled bool
	_, err := s.transition(ctx, conn, id, actor, func(o *domain.Obligation, now time.Time) (string, error) {
		settled = false
		switch o.Status {
		case domain.StatusPaid:
			if o.PaidByAttemptID != nil && *o.PaidByAttemptID == attemptID {
				return "", nil
			}
			return "", domain.ErrPaidByOtherAttempt
		case domain.StatusCancelled:
			return "", domain.ErrCancelled
		}

		paidAt := now
		paidBy := attemptID
		o.Status = domain.StatusPaid
		o.PaidAt = &paidAt
		o.PaidByAttemptID = &paidBy
		settled = true
		return "attempt_approved:" + attemptID.String(), nil
	}, func(tx *gorm.DB, o *domain.Obligation, now time.Time) error {
		if !settled {
			return nil
		}
		inserted, err := s.repo.InsertSettlement(ctx, tx, &domain.Settlement{
			ID:           s.genID.Generate(),
			ObligationID: o.ID,
			AttemptID:    attemptID,
			Amount:       o.Amount,
			Currency:     o.Currency,
			SettledAt:    now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			s.log.Warn("settlement already recorded for attempt",
				zap.String("obligation_id", o.ID.String()),
				zap.String("attempt_id", attemptID.String()),
			)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

func (s *Service) MarkCancelled(ctx context.Context, conn *gorm.DB, id snowflake.ID, reason string, actor string) (*domain.Obligation, error) {
	reason = strings.TrimSpace(reason)
	res, err := s.transition(ctx, conn, id, actor, func(o *domain.Obligation, now time.Time) (string, error) {
		switch o.Status {
		case domain.StatusPaid:
			return "", domain.ErrAlreadyPaid
		case domain.StatusCancelled:
			return "", nil
		}
		cancelledAt := now
		o.Status = domain.StatusCancelled
		o.CancelledAt = &cancelledAt
		o.CancelReason = reason
		return reason, nil
	})
	if err != nil {
		return nil, err
	}
	if res.changed && conn == nil {
		s.publish(ctx, events.New(events.TypeObligationCancelled, obligationKey(id), res.at, map[string]any{
			"reason": reason,
		}))
	}
	return res.item, nil
}

func (s *Service) RevertToPending(ctx context.Context, conn *gorm.DB, id snowflake.ID, cause domain.RevertCause, actor string) (*domain.Obligation, error) {
	switch cause {
	case domain.CauseAttemptFailed, domain.CauseAttemptCancelled, domain.CauseAttemptExpired, domain.CauseRefunded:
	default:
		return nil, domain.ErrInvalidCause
	}

	res, err := s.transition(ctx, conn, id, actor, func(o *domain.Obligation, now time.Time) (string, error) {
		switch o.Status {
		case domain.StatusProcessing:
			o.Status = o.PayableStatus(now)
			return string(cause), nil
		case domain.StatusPaid:
			if cause != domain.CauseRefunded {
				return "", domain.ErrAlreadyPaid
			}
			o.Status = o.PayableStatus(now)
			o.PaidAt = nil
			o.PaidByAttemptID = nil
			return string(cause), nil
		default:
			// Already payable or cancelled: nothing to reopen.
			return "", nil
		}
	})
	if err != nil {
		return nil, err
	}
	return res.item, nil
}

func (s *Service) Archive(ctx context.Context, id snowflake.ID, actor string) (*domain.Obligation, error) {
	res, err := s.transition(ctx, nil, id, actor, func(o *domain.Obligation, now time.Time) (string, error) {
		if !o.IsTerminal() {
			return "", domain.ErrNotTerminal
		}
		if o.ArchivedAt != nil {
			return "", nil
		}
		archivedAt := now
		o.ArchivedAt = &archivedAt
		return "archived", nil
	})
	if err != nil {
		return nil, err
	}
	return res.item, nil
}

func (s *Service) RecordReminderSent(ctx context.Context, id snowflake.ID, at time.Time) (*domain.Obligation, error) {
	res, err := s.transition(ctx, nil, id, obscontext.ActorSystem, func(o *domain.Obligation, now time.Time) (string, error) {
		sentAt := at.UTC()
		o.RemindersSent++
		o.LastReminderAt = &sentAt
		return "reminder_sent", nil
	})
	if err != nil {
		return nil, err
	}
	return res.item, nil
}

func (s *Service) ListReminderCandidates(ctx context.Context, before time.Time, afterID snowflake.ID, limit int) ([]*domain.Obligation, error) {
	items, err := s.repo.ListSettleableDueBefore(ctx, s.db, before, afterID, limit)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for _, item := range items {
		item.Status = item.EffectiveStatus(now)
	}
	return items, nil
}

// SweepOverdue persists the lazy overdue rule for every pending obligation
// whose due date is before now, batch rows at a time.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}

	var (
		flipped int
		errs    []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return flipped, err
		}
		items, err := s.repo.ListPendingPastDue(ctx, s.db, now, batch)
		if err != nil {
			return flipped, err
		}
		if len(items) == 0 {
			break
		}

		progressed := 0
		for _, item := range items {
			res, err := s.transitionAt(ctx, nil, item.ID, now, obscontext.ActorSystem, func(o *domain.Obligation, _ time.Time) (string, error) {
				return "", nil
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			progressed++
			if res.flipped {
				flipped++
				s.publish(ctx, events.New(events.TypeObligationOverdue, obligationKey(item.ID), now, map[string]any{
					"due_date": item.DueDate,
				}))
			}
		}
		if progressed == 0 || len(items) < batch {
			break
		}
	}

	if flipped > 0 {
		s.log.Info("overdue sweep flipped obligations", zap.Int("count", flipped))
	}
	return flipped, errors.Join(errs...)
}

type transitionResult struct {
	item    *domain.Obligation
	changed bool
	flipped bool
	at      time.Time
}

// mutateFunc applies one named transition to o and returns the history
// reason. An empty reason with no field change means nothing to write.
type mutateFunc func(o *domain.Obligation, now time.Time) (string, error)

// afterFunc runs in the same transaction once the CAS write succeeded.
type afterFunc func(tx *gorm.DB, o *domain.Obligation, now time.Time) error

func (s *Service) transition(ctx context.Context, conn *gorm.DB, id snowflake.ID, actor string, fn mutateFunc, after ...afterFunc) (transitionResult, error) {
	return s.transitionAt(ctx, conn, id, s.clock.Now(), actor, fn, after...)
}

func (s *Service) transitionAt(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time, actor string, fn mutateFunc, after ...afterFunc) (transitionResult, error) {
	if conn == nil {
		conn = s.db
	}
	if strings.TrimSpace(actor) == "" {
		actor = obscontext.ActorLabel(ctx)
	}

	return db.RetryOnConflict(ctx, func() (transitionResult, error) {
		var res transitionResult
		err := db.InTx(ctx, conn, func(tx *gorm.DB) error {
			item, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if item == nil {
				return domain.ErrNotFound
			}

			before := *item
			var history []*domain.HistoryEntry

			if item.Status == domain.StatusPending && item.PastDue(now) {
				item.Status = domain.StatusOverdue
				res.flipped = true
				history = append(history, s.historyEntry(item.ID, domain.StatusPending, domain.StatusOverdue, obscontext.ActorSystem, overdueReason, now))
			}

			from := item.Status
			reason, err := fn(item, now)
			if err != nil {
				return err
			}
			if item.Status != from {
				history = append(history, s.historyEntry(item.ID, from, item.Status, actor, reason, now))
			}

			res.item = item
			res.at = now
			res.changed = res.flipped || reason != "" || item.Status != from
			if !res.changed {
				return nil
			}

			item.UpdatedAt = now
			ok, err := s.repo.UpdateState(ctx, tx, item, before.Version)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.ErrVersionConflict
			}
			for _, entry := range history {
				if err := s.repo.InsertHistory(ctx, tx, entry); err != nil {
					return err
				}
			}
			for _, fn := range after {
				if err := fn(tx, item, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return transitionResult{}, err
		}
		if res.changed {
			s.log.Debug("obligation transition applied",
				zap.String("obligation_id", id.String()),
				zap.String("status", string(res.item.Status)),
				zap.String("actor", actor),
			)
		}
		return res, nil
	})
}

func (s *Service) historyEntry(obligationID snowflake.ID, from, to domain.Status, actor, reason string, now time.Time) *domain.HistoryEntry {
	return &domain.HistoryEntry{
		ID:           s.genID.Generate(),
		ObligationID: obligationID,
		FromStatus:   from,
		ToStatus:     to,
		Actor:        actor,
		Reason:       reason,
		CreatedAt:    now,
	}
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if err := s.events.Publish(ctx, evs...); err != nil {
		s.log.Warn("publish obligation events failed", zap.Error(err))
	}
}

func obligationKey(id snowflake.ID) string {
	return "obligation:" + strconv.FormatInt(int64(id), 10)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
