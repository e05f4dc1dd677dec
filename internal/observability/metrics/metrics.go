package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	accountTransitions metric.Int64Counter
	paymentEvents      metric.Int64Counter
	featureDenied      metric.Int64Counter
	featureFailOpen    metric.Int64Counter
	gatewayCalls       metric.Int64Counter
	gatewayLatency     metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the dunning instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "dunning"
	}
	meter := provider.Meter(name)

	accountTransitions, err := meter.Int64Counter("dunning_account_transitions_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("dunning_payment_events_total")
	if err != nil {
		return nil, err
	}
	featureDenied, err := meter.Int64Counter("dunning_feature_access_denied_total")
	if err != nil {
		return nil, err
	}
	featureFailOpen, err := meter.Int64Counter("dunning_feature_access_fail_open_total")
	if err != nil {
		return nil, err
	}
	gatewayCalls, err := meter.Int64Counter("dunning_gateway_calls_total")
	if err != nil {
		return nil, err
	}
	gatewayLatency, err := meter.Float64Histogram("dunning_gateway_call_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		accountTransitions: accountTransitions,
		paymentEvents:      paymentEvents,
		featureDenied:      featureDenied,
		featureFailOpen:    featureFailOpen,
		gatewayCalls:       gatewayCalls,
		gatewayLatency:     gatewayLatency,
	}, nil
}

// RecordAccountTransition counts account state changes.
func (m *Metrics) RecordAccountTransition(ctx context.Context, from, to, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.accountTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFeatureDenied counts gated actions that were refused.
func (m *Metrics) RecordFeatureDenied(ctx context.Context, feature, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("state", strings.TrimSpace(state)),
	)
	m.featureDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFeatureFailOpen counts access checks answered by the fail-open default.
func (m *Metrics) RecordFeatureFailOpen(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.featureFailOpen.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall records a payment gateway call outcome and latency.
func (m *Metrics) RecordGatewayCall(ctx context.Context, provider, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.gatewayLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"from":       {},
	"to":         {},
	"reason":     {},
	"state":      {},
	"feature":    {},
	"provider":   {},
	"event_type": {},
	"operation":  {},
	"outcome":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
