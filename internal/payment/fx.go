package payment

import (
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/payment/adapters"
	"github.com/smallbiznis/dunning/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	"github.com/smallbiznis/dunning/internal/payment/repository"
	paymentservice "github.com/smallbiznis/dunning/internal/payment/service"
	"github.com/smallbiznis/dunning/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// NewRegistry registers the supported webhook adapters with the configured secrets.
func NewRegistry(cfg config.Config) *adapters.Registry {
	return adapters.NewRegistry(stripe.NewFactory()).
		Configure(paymentdomain.AdapterConfig{
			Provider:      "stripe",
			WebhookSecret: cfg.Gateway.StripeWebhookSecret,
		})
}
