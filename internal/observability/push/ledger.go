package push

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerGauges is a point-in-time snapshot of obligation, attempt and inbox
// state, refreshed from the database before every push.
type LedgerGauges struct {
	registry           *prometheus.Registry
	obligations        *prometheus.GaugeVec
	outstandingAmount  *prometheus.GaugeVec
	attempts           *prometheus.GaugeVec
	inbox              *prometheus.GaugeVec
	lastRefreshSeconds prometheus.Gauge
}

func NewLedgerGauges() *LedgerGauges {
	registry := prometheus.NewRegistry()
	g := &LedgerGauges{
		registry: registry,
		obligations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duesync_obligations",
			Help: "Obligations by status.",
		}, []string{"status"}),
		outstandingAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duesync_outstanding_amount",
			Help: "Sum of payable obligation amounts by currency.",
		}, []string{"currency"}),
		attempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duesync_payment_attempts",
			Help: "Payment attempts by status.",
		}, []string{"status"}),
		inbox: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duesync_webhook_inbox",
			Help: "Webhook inbox rows by status.",
		}, []string{"status"}),
		lastRefreshSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duesync_ledger_snapshot_timestamp_seconds",
			Help: "Unix time of the last snapshot.",
		}),
	}
	registry.MustRegister(g.obligations, g.outstandingAmount, g.attempts, g.inbox, g.lastRefreshSeconds)
	return g
}

func (g *LedgerGauges) Registry() *prometheus.Registry {
	return g.registry
}

type statusCount struct {
	Status string
	Total  int64
}

type currencySum struct {
	Currency string
	Total    decimal.Decimal
}

// Refresh reloads every gauge from db.
func (g *LedgerGauges) Refresh(ctx context.Context, db *gorm.DB, now time.Time) error {
	var obligations []statusCount
	if err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total FROM obligations WHERE archived_at IS NULL GROUP BY status`,
	).Scan(&obligations).Error; err != nil {
		return err
	}
	var outstanding []currencySum
	if err := db.WithContext(ctx).Raw(
		`SELECT currency, COALESCE(SUM(amount), 0) AS total FROM obligations
		 WHERE status IN ('pending', 'overdue', 'processing') AND archived_at IS NULL
		 GROUP BY currency`,
	).Scan(&outstanding).Error; err != nil {
		return err
	}
	var attempts []statusCount
	if err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total FROM payment_attempts GROUP BY status`,
	).Scan(&attempts).Error; err != nil {
		return err
	}
	var inbox []statusCount
	if err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total FROM webhook_inbox GROUP BY status`,
	).Scan(&inbox).Error; err != nil {
		return err
	}

	g.obligations.Reset()
	for _, row := range obligations {
		g.obligations.WithLabelValues(row.Status).Set(float64(row.Total))
	}
	g.outstandingAmount.Reset()
	for _, row := range outstanding {
		g.outstandingAmount.WithLabelValues(row.Currency).Set(row.Total.InexactFloat64())
	}
	g.attempts.Reset()
	for _, row := range attempts {
		g.attempts.WithLabelValues(row.Status).Set(float64(row.Total))
	}
	g.inbox.Reset()
	for _, row := range inbox {
		g.inbox.WithLabelValues(row.Status).Set(float64(row.Total))
	}
	g.lastRefreshSeconds.Set(float64(now.Unix()))
	return nil
}

// RefreshAndPush is one tick of the push loop.
func RefreshAndPush(ctx context.Context, g *LedgerGauges, pusher Pusher, db *gorm.DB, now time.Time, log *zap.Logger) {
	if g == nil || pusher == nil {
		return
	}
	if err := g.Refresh(ctx, db, now); err != nil {
		log.Warn("ledger snapshot failed", zap.Error(err))
		return
	}
	if err := pusher.Push(ctx, g.registry); err != nil {
		log.Warn("ledger metrics push failed", zap.Error(err))
	}
}
