package payment

import (
	"net/http"

	"github.com/smallbiznis/duesync/internal/config"
	obsmetrics "github.com/smallbiznis/duesync/internal/observability/metrics"
	"github.com/smallbiznis/duesync/internal/payment/adapters"
	"github.com/smallbiznis/duesync/internal/payment/adapters/mercadopago"
	"github.com/smallbiznis/duesync/internal/payment/domain"
	"github.com/smallbiznis/duesync/internal/payment/gateway"
	"github.com/smallbiznis/duesync/internal/payment/repository"
	paymentservice "github.com/smallbiznis/duesync/internal/payment/service"
	"github.com/smallbiznis/duesync/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideInbox),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			mercadopago.NewFactory(),
		)
	}),
	fx.Provide(NewGatewaySet),
	fx.Provide(paymentservice.NewService),
	fx.Provide(func(s *paymentservice.Service) domain.Orchestrator { return s }),
	fx.Provide(webhook.NewService),
	fx.Provide(func(s *webhook.Service) domain.Reconciler { return s }),
)

// Workers runs the in-process webhook queue for the lifetime of the app.
var Workers = fx.Module("payment.webhook.workers",
	fx.Invoke(registerWorkers),
)

type GatewayParams struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Registry   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// NewGatewaySet builds every configured provider behind the resilient
// wrapper. A provider without credentials is skipped, leaving checkout
// calls to fail with provider_not_found.
func NewGatewaySet(p GatewayParams) (*gateway.Set, error) {
	log := p.Log.Named("payment.gateway")
	gwCfg := gateway.Config{
		Timeout:        p.Cfg.Gateway.Timeout,
		MaxTries:       p.Cfg.Gateway.MaxTries,
		InitialBackoff: p.Cfg.Gateway.InitialBackoff,
		RateLimit:      p.Cfg.Gateway.RateLimit,
		RateBurst:      p.Cfg.Gateway.RateBurst,
	}

	var providers []domain.Provider
	mp := p.Cfg.MercadoPago
	if mp.AccessToken != "" {
		provider, err := p.Registry.NewAdapter(mercadopago.ProviderName, domain.AdapterConfig{
			Config: map[string]any{
				"access_token":     mp.AccessToken,
				"base_url":         mp.BaseURL,
				"webhook_secret":   mp.WebhookSecret,
				"notification_url": mp.NotificationURL,
				"success_url":      mp.SuccessURL,
				"failure_url":      mp.FailureURL,
				"pending_url":      mp.PendingURL,
			},
			HTTPClient: &http.Client{},
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, gateway.Wrap(provider, gwCfg, p.ObsMetrics, p.Log))
	} else {
		log.Warn("mercadopago credentials missing, checkout disabled")
	}

	def := p.Cfg.Gateway.Provider
	if def == "" {
		def = mercadopago.ProviderName
	}
	log.Info("payment providers wired", zap.Strings("registered", p.Registry.Providers()), zap.String("default", def))
	return gateway.NewSet(def, providers...), nil
}

func registerWorkers(lc fx.Lifecycle, svc *webhook.Service) {
	lc.Append(fx.Hook{
		OnStart: svc.Start,
		OnStop:  svc.Stop,
	})
}
