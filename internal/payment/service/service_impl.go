package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	"github.com/smallbiznis/duesync/internal/events"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	obsmetrics "github.com/smallbiznis/duesync/internal/observability/metrics"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/payment/gateway"
	"github.com/smallbiznis/duesync/pkg/apperr"
	"github.com/smallbiznis/duesync/pkg/db"
	"github.com/smallbiznis/duesync/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	sourceOrchestrator = "orchestrator"
	sourceSweeper      = "sweeper"

	reasonSuperseded = "superseded"
	reasonExpired    = "expired"
	reasonCancelled  = "cancelled_by_user"
)

// errLostRace aborts an insert that collided with a concurrent creator on
// the single-active index.
var errLostRace = errors.New("active attempt created concurrently")

// errActiveMoved means the attempt being superseded settled in between.
var errActiveMoved = errors.New("active attempt changed status")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Obligations obligationdomain.Service
	Gateways    *gateway.Set
	Policy      *config.PolicyHolder `optional:"true"`
	Clock       clock.Clock
	Events      events.Publisher    `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	obligations obligationdomain.Service
	gateways    *gateway.Set
	policy      *config.PolicyHolder
	clock       clock.Clock
	events      events.Publisher
	metrics     *obsmetrics.Metrics
	validate    *validator.Validate
}

func NewService(p Params) *Service {
	pub := p.Events
	if pub == nil {
		pub = events.Nop{}
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		obligations: p.Obligations,
		gateways:    p.Gateways,
		policy:      p.Policy,
		clock:       c,
		events:      pub,
		metrics:     p.ObsMetrics,
		validate:    validator.New(),
	}
}

// CreateAttempt opens a checkout session for an obligation. An active
// attempt younger than the dedupe window is returned as is; an older pending
// one is superseded. A processing attempt has a payment in flight at the
// processor and is always returned as is until a notification or the stale
// sweep resolves it.
func (s *Service) CreateAttempt(ctx context.Context, req domain.CreateAttemptRequest) (*domain.Attempt, error) {
	req.Payer.Email = strings.TrimSpace(req.Payer.Email)
	req.Payer.Name = strings.TrimSpace(req.Payer.Name)
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	ob, err := s.obligations.GetByID(ctx, req.ObligationID)
	if err != nil {
		return nil, err
	}
	if !ob.CanBeSettled() {
		return nil, obligationdomain.ErrNotSettleable.WithReason("obligation cannot start a payment from status %s", ob.Status)
	}

	policy := s.policy.Get()
	now := s.clock.Now()
	active, err := s.repo.FindActiveByObligation(ctx, s.db, ob.ID)
	if err != nil {
		return nil, err
	}
	if active != nil && (active.Status != domain.StatusPending || now.Sub(active.SessionCreatedAt) < policy.DedupeWindow) {
		s.log.Info("active attempt reused",
			zap.String("attempt_id", active.ID.String()),
			zap.String("obligation_id", ob.ID.String()),
			zap.String("status", string(active.Status)),
		)
		return active, nil
	}

	gw, err := s.gateways.Default()
	if err != nil {
		return nil, err
	}
	payer, err := json.Marshal(req.Payer)
	if err != nil {
		return nil, domain.ErrInvalidPayer.Wrap(err)
	}

	ref := domain.NewExternalRef(ob.ID)
	session, err := gw.CreateCheckoutSession(domain.WithIdempotencyKey(ctx, ref), domain.CheckoutRequest{
		ObligationID: ob.ID,
		Amount:       ob.Amount,
		Currency:     ob.Currency,
		ExternalRef:  ref,
		Description:  ob.Description,
		Category:     string(ob.Category),
		Payer:        req.Payer,
		ExpiresAt:    now.Add(policy.CheckoutValidFor),
	})
	if err != nil {
		return nil, err
	}

	actor := obscontext.ActorLabel(ctx)
	attempt := &domain.Attempt{
		ID:               s.genID.Generate(),
		ObligationID:     ob.ID,
		OwnerID:          ob.OwnerID,
		Provider:         gw.Provider(),
		Amount:           ob.Amount,
		Currency:         ob.Currency,
		Status:           domain.StatusPending,
		SessionID:        session.SessionID,
		RedirectURL:      session.RedirectURL,
		ExternalRef:      ref,
		AttemptsCount:    1,
		Payer:            datatypes.JSON(payer),
		SessionCreatedAt: now,
		RefundedAmount:   decimal.Zero,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var superseded Result
	winner, err := db.RetryOnConflict(ctx, func() (*domain.Attempt, error) {
		superseded = Result{}
		var winner *domain.Attempt
		err := db.InTx(ctx, s.db, func(tx *gorm.DB) error {
			current, err := s.repo.FindActiveByObligation(ctx, tx, ob.ID)
			if err != nil {
				return err
			}
			if current != nil {
				if active == nil || current.ID != active.ID || current.Status != domain.StatusPending {
					winner = current
					return nil
				}
				superseded, err = s.Apply(ctx, tx, current.ID, actor, map[string]any{"superseded_by": attempt.ID.String()},
					func(a *domain.Attempt, _ time.Time) (string, error) {
						if a.Status != domain.StatusPending {
							return "", errActiveMoved
						}
						a.Status = domain.StatusCancelled
						a.StatusDetail = reasonSuperseded
						return reasonSuperseded, nil
					},
					s.ReopenOnFailure(ctx, obligationdomain.CauseAttemptCancelled, actor, nil),
				)
				if err != nil {
					return err
				}
			}

			if err := s.repo.InsertAttempt(ctx, tx, attempt); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errLostRace
				}
				return err
			}
			entry, err := s.historyEntry(attempt.ID, "", domain.StatusPending, actor, "created", map[string]any{
				"external_ref": ref,
				"session_id":   session.SessionID,
			}, now)
			if err != nil {
				return err
			}
			if err := s.repo.InsertHistory(ctx, tx, entry); err != nil {
				return err
			}
			_, err = s.obligations.MarkProcessing(ctx, tx, ob.ID, actor)
			return err
		})
		if errors.Is(err, errActiveMoved) {
			return nil, apperr.ErrVersionConflict
		}
		return winner, err
	})
	if errors.Is(err, errLostRace) {
		winner, err = s.repo.FindActiveByObligation(ctx, s.db, ob.ID)
		if err == nil && winner == nil {
			err = domain.ErrActiveAttemptExist
		}
	}
	if err != nil || winner != nil {
		s.CancelRemote(ctx, attempt)
		if err != nil {
			return nil, err
		}
		s.log.Info("concurrent attempt won the obligation",
			zap.String("attempt_id", winner.ID.String()),
			zap.String("obligation_id", ob.ID.String()),
		)
		return winner, nil
	}

	if superseded.StatusChanged() {
		s.CancelRemote(ctx, superseded.Attempt)
		s.Announce(ctx, superseded, sourceOrchestrator, false)
	}
	s.metrics.RecordAttemptTransition(ctx, "", string(domain.StatusPending), sourceOrchestrator)
	s.publish(ctx, events.New(events.TypeAttemptCreated, attemptKey(attempt.ID), now, map[string]any{
		"obligation_id": ob.ID.String(),
		"provider":      attempt.Provider,
		"amount":        attempt.Amount.StringFixed(2),
		"currency":      attempt.Currency,
		"external_ref":  ref,
	}))
	s.log.Info("payment attempt created",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("obligation_id", ob.ID.String()),
		zap.String("provider", attempt.Provider),
		zap.String("external_ref", ref),
	)
	return attempt, nil
}

func (s *Service) validateCreate(req domain.CreateAttemptRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
			return err
		}
		if fieldErrs[0].Field() == "ObligationID" {
			return domain.ErrInvalidObligation
		}
		return domain.ErrInvalidPayer.WithReason("payer %s is invalid", strings.ToLower(fieldErrs[0].Field()))
	}
	return nil
}

// Retry reuses a rejected or cancelled attempt with a fresh session and
// external reference.
func (s *Service) Retry(ctx context.Context, attemptID snowflake.ID) (*domain.Attempt, error) {
	current, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	policy := s.policy.Get()
	if err := checkRetry(current, policy.MaxAttempts); err != nil {
		return nil, err
	}

	ob, err := s.obligations.GetByID(ctx, current.ObligationID)
	if err != nil {
		return nil, err
	}
	switch {
	case ob.Status == obligationdomain.StatusProcessing:
		return nil, domain.ErrActiveAttemptExist
	case !ob.CanBeSettled():
		return nil, obligationdomain.ErrNotSettleable.WithReason("obligation cannot start a payment from status %s", ob.Status)
	}

	gw, err := s.gateways.Get(current.Provider)
	if err != nil {
		return nil, err
	}
	var payer domain.Payer
	if len(current.Payer) > 0 {
		if err := json.Unmarshal(current.Payer, &payer); err != nil {
			return nil, domain.ErrInvalidPayer.Wrap(err)
		}
	}

	now := s.clock.Now()
	ref := domain.NewExternalRef(ob.ID)
	session, err := gw.CreateCheckoutSession(domain.WithIdempotencyKey(ctx, ref), domain.CheckoutRequest{
		ObligationID: ob.ID,
		Amount:       current.Amount,
		Currency:     current.Currency,
		ExternalRef:  ref,
		Description:  ob.Description,
		Category:     string(ob.Category),
		Payer:        payer,
		ExpiresAt:    now.Add(policy.CheckoutValidFor),
	})
	if err != nil {
		return nil, err
	}

	actor := obscontext.ActorLabel(ctx)
	res, err := s.Apply(ctx, nil, attemptID, actor, map[string]any{"external_ref": ref, "session_id": session.SessionID},
		func(a *domain.Attempt, now time.Time) (string, error) {
			if err := checkRetry(a, policy.MaxAttempts); err != nil {
				return "", err
			}
			a.Status = domain.StatusPending
			a.SessionID = session.SessionID
			a.RedirectURL = session.RedirectURL
			a.ExternalRef = ref
			a.PaymentID = nil
			a.StatusDetail = ""
			a.AttemptsCount++
			a.SessionCreatedAt = now
			return "retry", nil
		},
		func(tx *gorm.DB, a *domain.Attempt, _ domain.Status, _ time.Time) error {
			_, err := s.obligations.MarkProcessing(ctx, tx, a.ObligationID, actor)
			return err
		},
	)
	if err != nil {
		s.CancelRemote(ctx, &domain.Attempt{ID: attemptID, Provider: current.Provider, SessionID: session.SessionID})
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrActiveAttemptExist
		}
		return nil, err
	}

	s.Announce(ctx, res, sourceOrchestrator, false)
	s.log.Info("payment attempt retried",
		zap.String("attempt_id", attemptID.String()),
		zap.Int("attempts_count", res.Attempt.AttemptsCount),
		zap.String("external_ref", ref),
	)
	return res.Attempt, nil
}

func checkRetry(a *domain.Attempt, maxAttempts int) error {
	if !a.Status.Retryable() {
		return domain.ErrNotRetryable.WithReason("attempt cannot be retried from status %s", a.Status)
	}
	if a.AttemptsCount >= maxAttempts {
		return domain.ErrRetryLimit.WithReason("attempt used %d of %d tries", a.AttemptsCount, maxAttempts)
	}
	return nil
}

// Cancel closes an active attempt locally first; the processor session is
// expired after commit.
func (s *Service) Cancel(ctx context.Context, attemptID snowflake.ID, reason string) (*domain.Attempt, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = reasonCancelled
	}
	actor := obscontext.ActorLabel(ctx)

	var reopened bool
	res, err := s.Apply(ctx, nil, attemptID, actor, nil,
		cancelMutation(reason),
		s.ReopenOnFailure(ctx, obligationdomain.CauseAttemptCancelled, actor, &reopened),
	)
	if err != nil {
		return nil, err
	}

	s.CancelRemote(ctx, res.Attempt)
	s.Announce(ctx, res, sourceOrchestrator, reopened)
	s.log.Info("payment attempt cancelled",
		zap.String("attempt_id", attemptID.String()),
		zap.String("reason", reason),
	)
	return res.Attempt, nil
}

func cancelMutation(reason string) Mutation {
	return func(a *domain.Attempt, _ time.Time) (string, error) {
		if !a.Status.IsActive() {
			return "", domain.ErrNotCancellable.WithReason("attempt cannot be cancelled from status %s", a.Status)
		}
		a.Status = domain.StatusCancelled
		a.StatusDetail = reason
		return reason, nil
	}
}

// expireMutation only touches attempts still pending: a notification may
// have moved the attempt to processing after it was listed.
func expireMutation(a *domain.Attempt, _ time.Time) (string, error) {
	if a.Status != domain.StatusPending {
		return "", nil
	}
	a.Status = domain.StatusCancelled
	a.StatusDetail = reasonExpired
	return reasonExpired, nil
}

// CancelObligation cancels the obligation together with its active attempt,
// if any, in one transaction.
func (s *Service) CancelObligation(ctx context.Context, obligationID snowflake.ID, reason string) error {
	reason = strings.TrimSpace(reason)
	actor := obscontext.ActorLabel(ctx)

	var (
		attemptRes Result
		ob         *obligationdomain.Obligation
	)
	err := db.InTx(ctx, s.db, func(tx *gorm.DB) error {
		active, err := s.repo.FindActiveByObligation(ctx, tx, obligationID)
		if err != nil {
			return err
		}
		if active != nil {
			attemptRes, err = s.Apply(ctx, tx, active.ID, actor, nil, cancelMutation("obligation_cancelled"))
			if err != nil {
				return err
			}
		}
		ob, err = s.obligations.MarkCancelled(ctx, tx, obligationID, reason, actor)
		return err
	})
	if err != nil {
		return err
	}

	if attemptRes.StatusChanged() {
		s.CancelRemote(ctx, attemptRes.Attempt)
		s.Announce(ctx, attemptRes, sourceOrchestrator, false)
	}
	at := s.clock.Now()
	if ob != nil && ob.CancelledAt != nil {
		at = *ob.CancelledAt
	}
	s.publish(ctx, events.New(events.TypeObligationCancelled, obligationKey(obligationID), at, map[string]any{
		"reason": reason,
	}))
	s.log.Info("obligation cancelled", zap.String("obligation_id", obligationID.String()))
	return nil
}

// RequestRefund refunds an approved attempt in full (nil amount) or in part.
// Any successful refund moves the attempt to refunded; only one covering the
// whole amount of the attempt that settled the obligation reopens it.
func (s *Service) RequestRefund(ctx context.Context, attemptID snowflake.ID, amount *decimal.Decimal) (*domain.Refund, error) {
	current, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusApproved {
		return nil, domain.ErrNotRefundable.WithReason("attempt cannot be refunded from status %s", current.Status)
	}
	if current.PaymentID == nil || *current.PaymentID == "" {
		return nil, domain.ErrMissingPaymentID
	}

	refundable := current.RefundableAmount()
	refundAmount := refundable
	if amount != nil {
		if !amount.IsPositive() || !amount.Equal(amount.Round(2)) || amount.GreaterThan(refundable) {
			return nil, domain.ErrInvalidAmount
		}
		refundAmount = *amount
	}

	ob, err := s.obligations.GetByID(ctx, current.ObligationID)
	if err != nil {
		return nil, err
	}
	settledBy := ob.PaidByAttemptID != nil && *ob.PaidByAttemptID == current.ID

	gw, err := s.gateways.Get(current.Provider)
	if err != nil {
		return nil, err
	}
	key := "refund-" + current.ID.String() + "-" + current.RefundedAmount.StringFixed(2)
	info, err := gw.Refund(domain.WithIdempotencyKey(ctx, key), *current.PaymentID, amount)
	if err != nil {
		return nil, err
	}

	actor := obscontext.ActorLabel(ctx)
	var reopened bool
	res, err := s.Apply(ctx, nil, attemptID, actor, map[string]any{"refund_id": info.ID, "amount": refundAmount.StringFixed(2)},
		func(a *domain.Attempt, _ time.Time) (string, error) {
			switch a.Status {
			case domain.StatusApproved:
			case domain.StatusRefunded:
				// The processor's notification got here first.
				return "", nil
			default:
				return "", domain.ErrNotRefundable.WithReason("attempt moved to status %s", a.Status)
			}
			a.RefundedAmount = a.RefundedAmount.Add(refundAmount)
			a.RefundID = info.ID
			a.Status = domain.StatusRefunded
			if a.RefundedAmount.LessThan(a.Amount) {
				return "partial_refund", nil
			}
			return "refund_requested", nil
		},
		func(tx *gorm.DB, a *domain.Attempt, from domain.Status, _ time.Time) error {
			if a.Status != domain.StatusRefunded || from == domain.StatusRefunded || !settledBy {
				return nil
			}
			if a.RefundedAmount.LessThan(a.Amount) {
				return nil
			}
			if _, err := s.obligations.RevertToPending(ctx, tx, a.ObligationID, obligationdomain.CauseRefunded, actor); err != nil {
				return err
			}
			reopened = true
			return nil
		},
	)
	if err != nil {
		// The money already moved; the local row catches up on the next
		// refund notification.
		s.log.Error("refund recorded remotely but local update failed",
			zap.String("attempt_id", attemptID.String()),
			zap.String("refund_id", info.ID),
			zap.Error(err),
		)
		return nil, err
	}

	s.Announce(ctx, res, sourceOrchestrator, reopened)
	s.log.Info("refund requested",
		zap.String("attempt_id", attemptID.String()),
		zap.String("refund_id", info.ID),
		zap.String("amount", refundAmount.StringFixed(2)),
		zap.Bool("obligation_reopened", reopened),
	)
	return &domain.Refund{
		AttemptID:          attemptID,
		RefundID:           info.ID,
		Amount:             refundAmount,
		Status:             info.Status,
		ObligationReopened: reopened,
	}, nil
}

// SweepStaleAttempts expires pending attempts whose session is older than
// maxAge and reopens their obligations. A non-positive maxAge uses the
// policy value.
func (s *Service) SweepStaleAttempts(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	if maxAge <= 0 {
		maxAge = s.policy.Get().StaleAttemptAge
	}
	if batch <= 0 {
		batch = 100
	}
	before := s.clock.Now().Add(-maxAge)

	var (
		expired int
		errs    []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		items, err := s.repo.ListStalePending(ctx, s.db, before, batch)
		if err != nil {
			return expired, err
		}
		if len(items) == 0 {
			break
		}

		progressed := 0
		for _, item := range items {
			var reopened bool
			res, err := s.Apply(ctx, nil, item.ID, obscontext.ActorSystem, map[string]any{"session_created_at": item.SessionCreatedAt},
				expireMutation,
				s.ReopenOnFailure(ctx, obligationdomain.CauseAttemptExpired, obscontext.ActorSystem, &reopened),
			)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			progressed++
			if !res.StatusChanged() {
				continue
			}
			expired++
			s.CancelRemote(ctx, res.Attempt)
			s.Announce(ctx, res, sourceSweeper, reopened)
		}
		if progressed == 0 || len(items) < batch {
			break
		}
	}

	if expired > 0 {
		s.log.Info("stale attempts expired", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (s *Service) GetAttempt(ctx context.Context, id snowflake.ID) (*domain.Attempt, error) {
	item, err := s.repo.FindAttempt(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrAttemptNotFound
	}
	return item, nil
}

func (s *Service) ListAttempts(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.Status != "" && !domain.ValidStatus(req.Status) {
		return domain.ListResponse{}, domain.ErrInvalidStatus
	}

	limit := req.Size()
	filter := domain.ListFilter{
		OwnerID:      req.OwnerID,
		ObligationID: req.ObligationID,
		Status:       req.Status,
		Limit:        limit + 1,
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

	items, err := s.repo.ListAttempts(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}
	page, info := pagination.BuildCursorPageInfo(items, limit, func(a *domain.Attempt) pagination.Cursor {
		return pagination.NewCursor(int64(a.ID), a.CreatedAt)
	})
	return domain.ListResponse{Attempts: page, PageInfo: info}, nil
}

func (s *Service) AttemptHistory(ctx context.Context, id snowflake.ID) ([]domain.HistoryEntry, error) {
	if _, err := s.GetAttempt(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, s.db, id)
}

func (s *Service) WebhookLog(ctx context.Context, id snowflake.ID) ([]domain.WebhookRecord, error) {
	if _, err := s.GetAttempt(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListWebhooks(ctx, s.db, id)
}

// Stats aggregates attempts per status. A zero owner covers every owner.
func (s *Service) Stats(ctx context.Context, ownerID snowflake.ID) ([]domain.StatusStat, error) {
	stats, err := s.repo.Stats(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []domain.StatusStat{}
	}
	return stats, nil
}
