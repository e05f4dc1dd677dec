package gateway

import (
	"fmt"

	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/gateway/domain"
	"github.com/smallbiznis/dunning/internal/gateway/fake"
	"github.com/smallbiznis/dunning/internal/gateway/stripe"
	"github.com/smallbiznis/dunning/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

// NewFromConfig builds the configured adapter behind the resilient client.
func NewFromConfig(p Params) (domain.Gateway, error) {
	var adapter domain.Gateway
	switch p.Cfg.Gateway.Provider {
	case stripe.ProviderName, "":
		a, err := stripe.New(stripe.Config{
			SecretKey: p.Cfg.Gateway.StripeSecretKey,
			APIURL:    p.Cfg.Gateway.StripeAPIURL,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe gateway: %w", err)
		}
		adapter = a
	case fake.ProviderName:
		if p.Cfg.IsProduction() {
			return nil, fmt.Errorf("fake gateway is not allowed in production")
		}
		adapter = fake.New()
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", p.Cfg.Gateway.Provider)
	}

	return NewClient(adapter, p.Log, ClientOptions{
		Timeout:     p.Cfg.Gateway.Timeout,
		MaxFailures: p.Cfg.Gateway.BreakerMaxFailures,
		OpenTimeout: p.Cfg.Gateway.BreakerOpenTimeout,
		Metrics:     p.Metrics,
	}), nil
}
