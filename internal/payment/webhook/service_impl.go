package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/dunning/internal/observability/logger"
	"github.com/smallbiznis/dunning/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	paymentservice "github.com/smallbiznis/dunning/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
}

type Service struct {
	log        *zap.Logger
	paymentSvc *paymentservice.Service
	adapters   *adapters.Registry
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
	}
}

// IngestWebhook verifies and applies one gateway delivery. Ignored event types and
// redeliveries of processed events succeed without side effects.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("provider", provider))
	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return nil
		}
		if errors.Is(err, paymentdomain.ErrInvalidCustomer) {
			log.Warn("payment webhook missing customer mapping")
		}
		return err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	err = s.paymentSvc.ProcessEvent(ctx, event, payload)
	switch {
	case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
		log.Info("duplicate payment webhook ignored", zap.String("provider_event_id", event.ProviderEventID))
		return nil
	case errors.Is(err, paymentdomain.ErrInvalidCustomer):
		log.Warn("payment webhook for unknown customer",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("provider_customer_id", event.ProviderCustomerID),
		)
		return err
	case err != nil:
		log.Error("payment webhook processing failed",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return err
	}

	log.Info("payment webhook processed",
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("customer_id", event.CustomerID.String()),
	)
	return nil
}
