package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	"github.com/smallbiznis/duesync/internal/events"
	"github.com/smallbiznis/duesync/internal/lock"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	obslogger "github.com/smallbiznis/duesync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/duesync/internal/observability/metrics"
	"github.com/smallbiznis/duesync/internal/observability/tracing"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/payment/gateway"
	paymentservice "github.com/smallbiznis/duesync/internal/payment/service"
	"github.com/smallbiznis/duesync/pkg/db"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	tracerName    = "duesync/payment/webhook"
	sourceWebhook = "webhook"

	recentCacheSize = 4096
	redeliverIdle   = time.Minute
	defaultListSize = 50
	maxListSize     = 200
)

// errAttemptLocked leaves the delivery for redelivery while another replica
// works on the same attempt.
var errAttemptLocked = errors.New("attempt locked by another worker")

// headers never persisted with an inbox row.
var droppedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Inbox       domain.InboxRepository
	Payments    *paymentservice.Service
	Obligations obligationdomain.Service
	Gateways    *gateway.Set
	Cfg         config.Config
	Clock       clock.Clock
	Locker      *lock.Locker        `optional:"true"`
	Events      events.Publisher    `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	inbox       domain.InboxRepository
	payments    *paymentservice.Service
	obligations obligationdomain.Service
	gateways    *gateway.Set
	clock       clock.Clock
	locker      *lock.Locker
	events      events.Publisher
	metrics     *obsmetrics.Metrics
	recent      *lru.Cache[string, struct{}]

	workers          int
	requireSignature bool
	maxAttempts      int
	claimTimeout     time.Duration
	lockTTL          time.Duration
	production       bool

	queue  chan snowflake.ID
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
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
	recent, _ := lru.New[string, struct{}](recentCacheSize)

	cfg := p.Cfg.Webhook
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 8
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	return &Service{
		db:               p.DB,
		log:              p.Log.Named("payment.webhook"),
		genID:            p.GenID,
		repo:             p.Repo,
		inbox:            p.Inbox,
		payments:         p.Payments,
		obligations:      p.Obligations,
		gateways:         p.Gateways,
		clock:            c,
		locker:           p.Locker,
		events:           pub,
		metrics:          p.ObsMetrics,
		recent:           recent,
		workers:          cfg.Workers,
		requireSignature: cfg.RequireSignature,
		maxAttempts:      cfg.MaxDeliveryAttempts,
		claimTimeout:     cfg.ClaimTimeout,
		lockTTL:          cfg.LockTTL,
		production:       p.Cfg.IsProduction(),
		queue:            make(chan snowflake.ID, cfg.QueueSize),
	}
}

// Ingest stores the raw delivery and hands it to the workers unless the
// request is deferred. It never parses or verifies anything: that happens
// off the request path.
func (s *Service) Ingest(ctx context.Context, req domain.InboundRequest) (snowflake.ID, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return 0, domain.ErrInvalidProvider
	}
	if _, err := s.gateways.Get(provider); err != nil {
		return 0, err
	}

	query, err := json.Marshal(req.Query)
	if err != nil {
		return 0, err
	}
	kept := http.Header{}
	for k, v := range req.Headers {
		if droppedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		kept[http.CanonicalHeaderKey(k)] = v
	}
	headers, err := json.Marshal(kept)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	item := &domain.InboxItem{
		ID:         s.genID.Generate(),
		Provider:   provider,
		Method:     strings.ToUpper(req.Method),
		Query:      datatypes.JSON(query),
		Headers:    datatypes.JSON(headers),
		Body:       string(req.Body),
		Status:     domain.InboxReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if err := s.inbox.Insert(ctx, s.db, item); err != nil {
		return 0, err
	}

	if !req.Deferred {
		s.enqueue(item.ID)
	}
	s.log.Debug("webhook received",
		zap.String("inbox_id", item.ID.String()),
		zap.String("provider", provider),
		zap.String("method", item.Method),
		zap.Bool("deferred", req.Deferred),
	)
	return item.ID, nil
}

// Process runs one inbox row through the pipeline and records its outcome.
// A row claimed by another worker is left alone.
func (s *Service) Process(ctx context.Context, inboxID snowflake.ID) (domain.InboxStatus, error) {
	now := s.clock.Now()
	claimed, err := s.inbox.Claim(ctx, s.db, inboxID, now, now.Add(-s.claimTimeout))
	if err != nil {
		return "", err
	}
	item, err := s.inbox.Find(ctx, s.db, inboxID)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", domain.ErrInboxNotFound
	}
	if !claimed {
		return item.Status, nil
	}

	ctx, span := tracing.Start(ctx, tracerName, "webhook.process",
		attribute.String("provider", item.Provider),
		attribute.String("inbox_id", item.ID.String()),
	)
	out := s.handle(ctx, item)
	if out.status == domain.InboxFailed && item.Attempts >= s.maxAttempts {
		out.status = domain.InboxDead
	}

	finished := s.clock.Now()
	item.Status = out.status
	item.NotificationID = out.notificationID
	item.LastError = ""
	if out.err != nil {
		item.LastError = truncate(out.err.Error(), 1000)
	}
	item.UpdatedAt = finished
	if out.status != domain.InboxFailed {
		item.ProcessedAt = &finished
	}
	if err := s.inbox.Finish(ctx, s.db, item); err != nil {
		tracing.End(span, err)
		return out.status, err
	}
	span.SetAttributes(attribute.String("outcome", string(out.status)))
	tracing.End(span, out.err)
	s.metrics.RecordWebhook(ctx, item.Provider, string(out.status))

	fields := []zap.Field{
		zap.String("inbox_id", item.ID.String()),
		zap.String("provider", item.Provider),
		zap.String("outcome", string(out.status)),
		zap.Int("delivery_attempt", item.Attempts),
	}
	switch out.status {
	case domain.InboxFailed, domain.InboxDead:
		s.log.Warn("webhook delivery failed", append(fields, zap.Error(out.err))...)
	case domain.InboxUnresolved, domain.InboxDiscarded:
		s.log.Info("webhook delivery dropped", append(fields, zap.Error(out.err))...)
	default:
		s.log.Debug("webhook delivery handled", fields...)
	}

	if out.status == domain.InboxFailed || out.status == domain.InboxDead {
		return out.status, out.err
	}
	return out.status, nil
}

type outcome struct {
	status         domain.InboxStatus
	notificationID string
	err            error
}

func (s *Service) handle(ctx context.Context, item *domain.InboxItem) outcome {
	provider, err := s.gateways.Get(item.Provider)
	if err != nil {
		return outcome{status: domain.InboxDead, err: err}
	}
	req, err := inboundFromItem(item)
	if err != nil {
		return outcome{status: domain.InboxDiscarded, err: err}
	}

	if err := provider.Verify(ctx, req); err != nil {
		obslogger.SecurityEvent(s.log, "webhook signature check failed",
			zap.String("inbox_id", item.ID.String()),
			zap.String("provider", item.Provider),
			zap.Error(err),
		)
		if s.requireSignature {
			return outcome{status: domain.InboxDiscarded, err: err}
		}
	}

	n, err := provider.Parse(ctx, req)
	if err != nil {
		return outcome{status: domain.InboxDiscarded, err: err}
	}
	if n.Type != domain.NotificationTypePayment {
		return outcome{status: domain.InboxIgnored, notificationID: n.ID, err: domain.ErrEventIgnored.WithReason("notification type %s", n.Type)}
	}
	if n.ID != "" && s.recent.Contains(recentKey(item.Provider, n.ID)) {
		return outcome{status: domain.InboxDuplicate, notificationID: n.ID}
	}

	info, err := provider.FetchPayment(ctx, n.ExternalID)
	if err != nil {
		if domain.IsRetryableGatewayError(err) {
			return outcome{status: domain.InboxFailed, notificationID: n.ID, err: err}
		}
		return outcome{status: domain.InboxDead, notificationID: n.ID, err: err}
	}
	if len(info.Raw) == 0 {
		info.Raw = json.RawMessage(item.Body)
	}
	return s.reconcile(ctx, provider, n, info)
}

// reconcile applies one authoritative payment view to the attempt it
// belongs to: dedupe, status mapping and the ledger side effects share one
// transaction.
func (s *Service) reconcile(ctx context.Context, provider domain.Provider, n *domain.Notification, info domain.PaymentInfo) outcome {
	notificationID := n.ID
	if notificationID == "" {
		notificationID = derivedNotificationID(n, info)
	}

	attempt, err := s.resolve(ctx, provider.Provider(), info)
	if err != nil {
		return outcome{status: domain.InboxFailed, notificationID: notificationID, err: err}
	}
	if attempt == nil {
		return outcome{
			status:         domain.InboxUnresolved,
			notificationID: notificationID,
			err: domain.ErrUnresolvedNotification.WithReason("no attempt for payment %s or reference %q",
				info.PaymentID, info.ExternalRef),
		}
	}

	to, err := provider.StatusTable().Lookup(info.Status)
	if err != nil {
		return outcome{status: domain.InboxDead, notificationID: notificationID, err: err}
	}

	key := lock.AttemptKey(attempt.ID.String())
	token, locked, err := s.locker.TryLock(ctx, key, s.lockTTL)
	switch {
	case err != nil:
		s.log.Warn("attempt lock unavailable, continuing without it", zap.Error(err))
	case !locked:
		return outcome{status: domain.InboxFailed, notificationID: notificationID, err: errAttemptLocked}
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.log.Warn("release attempt lock failed", zap.Error(err))
			}
		}()
	}

	payload := datatypes.JSON(info.Raw)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = datatypes.JSON("{}")
	}
	record := &domain.WebhookRecord{
		ID:               s.genID.Generate(),
		AttemptID:        attempt.ID,
		NotificationID:   notificationID,
		Provider:         provider.Provider(),
		NotificationType: n.Type,
		ProcessorStatus:  strings.ToLower(info.Status),
		Payload:          payload,
		ReceivedAt:       s.clock.Now(),
	}

	actor := obscontext.ActorProcessor
	cause := obligationdomain.CauseAttemptFailed
	if to == domain.StatusCancelled {
		cause = obligationdomain.CauseAttemptCancelled
	}
	settledBy := false
	if to == domain.StatusRefunded {
		ob, err := s.obligations.GetByID(ctx, attempt.ObligationID)
		if err != nil {
			return outcome{status: domain.InboxFailed, notificationID: notificationID, err: err}
		}
		settledBy = ob.PaidByAttemptID != nil && *ob.PaidByAttemptID == attempt.ID
	}

	var (
		res      paymentservice.Result
		settled  bool
		reopened bool
	)
	err = db.InTx(ctx, s.db, func(tx *gorm.DB) error {
		settled, reopened = false, false
		inserted, err := s.repo.InsertWebhook(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrDuplicateNotification
		}

		res, err = s.payments.Apply(ctx, tx, attempt.ID, actor,
			map[string]any{
				"notification_id":  notificationID,
				"processor_status": record.ProcessorStatus,
				"status_detail":    info.StatusDetail,
			},
			func(a *domain.Attempt, _ time.Time) (string, error) {
				return applyPayment(a, to, info), nil
			},
			func(tx *gorm.DB, a *domain.Attempt, from domain.Status, _ time.Time) error {
				if a.Status != domain.StatusApproved || from == domain.StatusApproved {
					return nil
				}
				ok, err := s.obligations.MarkPaid(ctx, tx, a.ObligationID, a.ID, actor)
				switch {
				case errors.Is(err, obligationdomain.ErrCancelled), errors.Is(err, obligationdomain.ErrPaidByOtherAttempt):
					// Money was captured anyway; the attempt keeps the truth
					// and an operator refunds it.
					obslogger.WithAttempt(obslogger.WithContext(ctx, s.log), int64(a.ObligationID), int64(a.ID)).
						Warn("approved payment cannot settle obligation", zap.Bool("needs_refund", true), zap.Error(err))
					return nil
				case err != nil:
					return err
				}
				settled = ok
				return nil
			},
			s.payments.ReopenOnFailure(ctx, cause, actor, &reopened),
			func(tx *gorm.DB, a *domain.Attempt, from domain.Status, _ time.Time) error {
				if a.Status != domain.StatusRefunded || from == domain.StatusRefunded || !settledBy {
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
			return err
		}
		if res.StatusChanged() {
			return s.repo.MarkWebhookApplied(ctx, tx, record.ID)
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateNotification) {
		s.remember(provider.Provider(), notificationID)
		return outcome{status: domain.InboxDuplicate, notificationID: notificationID}
	}
	if err != nil {
		return outcome{status: domain.InboxFailed, notificationID: notificationID, err: err}
	}
	s.remember(provider.Provider(), notificationID)

	s.payments.Announce(ctx, res, sourceWebhook, reopened)
	if settled {
		s.metrics.RecordSettlement(ctx, attempt.Currency)
		s.publish(ctx, events.New(events.TypeObligationPaid, "obligation:"+attempt.ObligationID.String(), res.At, map[string]any{
			"attempt_id": attempt.ID.String(),
			"amount":     attempt.Amount.StringFixed(2),
			"currency":   attempt.Currency,
		}))
	}
	if !res.StatusChanged() && res.Attempt != nil && res.Attempt.Status != to {
		fields := []zap.Field{
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("attempt_status", string(res.Attempt.Status)),
			zap.String("processor_status", record.ProcessorStatus),
		}
		if to == domain.StatusApproved {
			s.log.Warn("approved payment on a closed attempt", append(fields, zap.Bool("needs_refund", true))...)
		} else {
			s.log.Info("stale notification recorded without transition", fields...)
		}
	}
	return outcome{status: domain.InboxProcessed, notificationID: notificationID}
}

// applyPayment moves a to the mapped status when the edge is legal and links
// the processor payment id. It returns the history reason, empty for a
// no-op.
func applyPayment(a *domain.Attempt, to domain.Status, info domain.PaymentInfo) string {
	reason := ""
	if a.PaymentID == nil && info.PaymentID != "" {
		paymentID := info.PaymentID
		a.PaymentID = &paymentID
		reason = "payment_linked"
	}
	if a.Status == to || !domain.CanTransition(a.Status, to) {
		return reason
	}
	a.Status = to
	a.StatusDetail = info.StatusDetail
	if to == domain.StatusRefunded && a.RefundedAmount.IsZero() {
		a.RefundedAmount = a.Amount
	}
	return "notification:" + strings.ToLower(info.Status)
}

func (s *Service) resolve(ctx context.Context, provider string, info domain.PaymentInfo) (*domain.Attempt, error) {
	if info.PaymentID != "" {
		a, err := s.repo.FindByPaymentID(ctx, s.db, provider, info.PaymentID)
		if err != nil || a != nil {
			return a, err
		}
	}
	if info.ExternalRef == "" {
		return nil, nil
	}
	return s.repo.FindByExternalRef(ctx, s.db, info.ExternalRef)
}

// Redeliver reprocesses rows left received or failed for a while and rows
// stuck in processing past the claim timeout.
func (s *Service) Redeliver(ctx context.Context, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	items, err := s.inbox.ListRedeliverable(ctx, s.db, now.Add(-redeliverIdle), now.Add(-s.claimTimeout), batch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		status, err := s.Process(ctx, item.ID)
		if err != nil && status == "" {
			return handled, err
		}
		handled++
	}
	if handled > 0 {
		s.log.Info("webhook deliveries redelivered", zap.Int("count", handled))
	}
	return handled, nil
}

func (s *Service) ListInbox(ctx context.Context, req domain.InboxListRequest) ([]*domain.InboxItem, error) {
	if req.Status != "" && !domain.ValidInboxStatus(req.Status) {
		return nil, domain.ErrInvalidStatus.WithReason("unknown webhook status %q", req.Status)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListSize
	}
	if limit > maxListSize {
		limit = maxListSize
	}
	items, err := s.inbox.List(ctx, s.db, domain.InboxFilter{
		Status:  req.Status,
		AfterID: req.AfterID,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*domain.InboxItem{}
	}
	return items, nil
}

// Replay resets a failed, dead or unresolved delivery and queues it again.
func (s *Service) Replay(ctx context.Context, inboxID snowflake.ID) error {
	item, err := s.inbox.Find(ctx, s.db, inboxID)
	if err != nil {
		return err
	}
	if item == nil {
		return domain.ErrInboxNotFound
	}
	if !item.Status.Replayable() {
		return domain.ErrNotReplayable.WithReason("webhook delivery is %s", item.Status)
	}
	ok, err := s.inbox.Reset(ctx, s.db, inboxID, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotReplayable
	}
	s.enqueue(inboxID)
	s.log.Info("webhook delivery replayed",
		zap.String("inbox_id", inboxID.String()),
		zap.String("actor", obscontext.ActorLabel(ctx)),
	)
	return nil
}

// SimulateNotification feeds a synthetic processor status for an attempt
// through the same reconciliation path a real delivery takes.
func (s *Service) SimulateNotification(ctx context.Context, req domain.SimulateRequest) (domain.InboxStatus, error) {
	if s.production {
		return "", domain.ErrSimulationDisabled
	}
	attempt, err := s.payments.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		return "", err
	}
	provider, err := s.gateways.Get(attempt.Provider)
	if err != nil {
		return "", err
	}
	if _, err := provider.StatusTable().Lookup(req.ProcessorStatus); err != nil {
		return "", err
	}

	paymentID := "sim-" + attempt.ID.String()
	if attempt.PaymentID != nil {
		paymentID = *attempt.PaymentID
	}
	now := s.clock.Now()
	raw, err := json.Marshal(map[string]any{
		"id":            paymentID,
		"status":        req.ProcessorStatus,
		"status_detail": req.StatusDetail,
		"simulated":     true,
	})
	if err != nil {
		return "", err
	}
	out := s.reconcile(ctx, provider, &domain.Notification{
		ID:          "sim-" + ulid.Make().String(),
		Type:        domain.NotificationTypePayment,
		ExternalID:  paymentID,
		DateCreated: &now,
	}, domain.PaymentInfo{
		PaymentID:       paymentID,
		Status:          strings.ToLower(strings.TrimSpace(req.ProcessorStatus)),
		StatusDetail:    req.StatusDetail,
		Amount:          attempt.Amount,
		Currency:        attempt.Currency,
		ExternalRef:     attempt.ExternalRef,
		DateLastUpdated: &now,
		Raw:             raw,
	})
	return out.status, out.err
}

func (s *Service) remember(provider, notificationID string) {
	if notificationID == "" {
		return
	}
	s.recent.Add(recentKey(provider, notificationID), struct{}{})
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if err := s.events.Publish(ctx, evs...); err != nil {
		s.log.Warn("publish webhook events failed", zap.Error(err))
	}
}

func recentKey(provider, notificationID string) string {
	return provider + ":" + notificationID
}

// derivedNotificationID stands in for a missing processor notification id.
// Two deliveries reporting the same payment state collapse onto one key.
func derivedNotificationID(n *domain.Notification, info domain.PaymentInfo) string {
	parts := []string{n.Type, n.ExternalID, strings.ToLower(info.Status)}
	if info.DateLastUpdated != nil {
		parts = append(parts, info.DateLastUpdated.UTC().Format(time.RFC3339Nano))
	}
	return strings.Join(parts, ":")
}

func inboundFromItem(item *domain.InboxItem) (domain.InboundRequest, error) {
	req := domain.InboundRequest{
		Provider: item.Provider,
		Method:   item.Method,
		Query:    url.Values{},
		Headers:  http.Header{},
		Body:     []byte(item.Body),
	}
	if len(item.Query) > 0 {
		if err := json.Unmarshal(item.Query, &req.Query); err != nil {
			return req, domain.ErrInvalidPayload.Wrap(err)
		}
	}
	if len(item.Headers) > 0 {
		if err := json.Unmarshal(item.Headers, &req.Headers); err != nil {
			return req, domain.ErrInvalidPayload.Wrap(err)
		}
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
