package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/dunning/internal/gateway/domain"
	"github.com/smallbiznis/dunning/internal/observability/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
)

type ClientOptions struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Client wraps a Gateway with a per-call timeout and a circuit breaker.
type Client struct {
	next    domain.Gateway
	log     *zap.Logger
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

var _ domain.Gateway = (*Client)(nil)

func NewClient(next domain.Gateway, log *zap.Logger, opts ClientOptions) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}

	log = log.Named("gateway.client").With(zap.String("provider", next.Name()))
	maxFailures := opts.MaxFailures

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway." + next.Name(),
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsDecline(err) || errors.Is(err, domain.ErrInvalidRequest)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		next:    next,
		log:     log,
		timeout: opts.Timeout,
		breaker: breaker,
		metrics: opts.Metrics,
	}
}

func (c *Client) Name() string {
	return c.next.Name()
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) PayInvoice(ctx context.Context, providerInvoiceID string) (*domain.InvoiceResult, error) {
	out, err := c.call(ctx, "pay_invoice", func(ctx context.Context) (any, error) {
		return c.next.PayInvoice(ctx, providerInvoiceID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*domain.InvoiceResult), nil
}

func (c *Client) RetrieveInvoice(ctx context.Context, providerInvoiceID string) (*domain.InvoiceResult, error) {
	out, err := c.call(ctx, "retrieve_invoice", func(ctx context.Context) (any, error) {
		return c.next.RetrieveInvoice(ctx, providerInvoiceID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*domain.InvoiceResult), nil
}

func (c *Client) Refund(ctx context.Context, chargeID string, amount int64, reason string) (*domain.RefundResult, error) {
	out, err := c.call(ctx, "refund", func(ctx context.Context) (any, error) {
		return c.next.Refund(ctx, chargeID, amount, reason)
	})
	if err != nil {
		return nil, err
	}
	return out.(*domain.RefundResult), nil
}

func (c *Client) PauseCollection(ctx context.Context, providerSubscriptionID string) error {
	_, err := c.call(ctx, "pause_collection", func(ctx context.Context) (any, error) {
		return nil, c.next.PauseCollection(ctx, providerSubscriptionID)
	})
	return err
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) (any, error)) (any, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := fn(callCtx)
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%s: %w", operation, domain.ErrTimeout)
		}
		return out, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%s: %w", operation, domain.ErrUnavailable)
	}

	outcome := outcomeOf(err)
	c.metrics.RecordGatewayCall(ctx, c.next.Name(), operation, outcome, time.Since(start))
	if err != nil {
		c.log.Info("gateway call failed",
			zap.String("operation", operation),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsDecline(err):
		return "declined"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
