package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	obligationdomain "github.com/smallbiznis/duesync/internal/obligation/domain"
	"github.com/smallbiznis/duesync/internal/observability"
	obsmiddleware "github.com/smallbiznis/duesync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/duesync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/duesync/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/ratelimit"
	"github.com/smallbiznis/duesync/internal/reminder"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	obligations obligationdomain.Service
	payments    paymentdomain.Orchestrator
	webhooks    paymentdomain.Reconciler
	reminders   *reminder.Service
	intake      intakeLimiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Obligations obligationdomain.Service
	Payments    paymentdomain.Orchestrator
	Webhooks    paymentdomain.Reconciler
	Reminders   *reminder.Service        `optional:"true"`
	Intake      *ratelimit.IntakeLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http.server"),
		clock:       p.Clock,
		obligations: p.Obligations,
		payments:    p.Payments,
		webhooks:    p.Webhooks,
		reminders:   p.Reminders,
	}
	if p.Intake.Enabled() {
		svc.intake = p.Intake
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerOpsRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/:provider", s.HandlePaymentWebhook)
	webhooks.GET("/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	obligations := api.Group("/obligations")
	{
		obligations.POST("", s.CreateObligation)
		obligations.GET("", s.ListObligations)
		obligations.GET("/:id", s.GetObligation)
		obligations.GET("/:id/history", s.ObligationHistory)
		obligations.GET("/:id/settlement", s.ObligationSettlement)
		obligations.GET("/:id/reminder", s.ObligationReminderStatus)
		obligations.POST("/:id/cancel", s.CancelObligation)
		obligations.POST("/:id/archive", s.ArchiveObligation)
		obligations.POST("/:id/attempts", s.CreateAttempt)
	}

	attempts := api.Group("/attempts")
	{
		attempts.GET("", s.ListAttempts)
		attempts.GET("/:id", s.GetAttempt)
		attempts.POST("/:id/retry", s.RetryAttempt)
		attempts.POST("/:id/cancel", s.CancelAttempt)
		attempts.POST("/:id/refund", s.RefundAttempt)
		attempts.GET("/:id/history", s.AttemptHistory)
		attempts.GET("/:id/webhooks", s.AttemptWebhooks)
	}

	owners := api.Group("/owners/:owner_id")
	{
		owners.GET("/outstanding", s.OwnerOutstanding)
		owners.GET("/payment-stats", s.OwnerPaymentStats)
	}
}

func (s *Server) registerOpsRoutes() {
	s.engine.GET("/ready", s.Ready)

	ops := s.engine.Group("/ops")

	ops.GET("/webhooks", s.ListWebhookInbox)
	ops.POST("/webhooks/:id/replay", s.ReplayWebhook)
	ops.POST("/webhooks/test", s.NonProduction(), s.SimulateWebhook)
	ops.POST("/sweeps/overdue", s.SweepOverdue)
	ops.POST("/sweeps/stale-attempts", s.SweepStaleAttempts)
	ops.POST("/sweeps/reminders", s.SendReminders)
}
