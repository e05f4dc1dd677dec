package domain

import (
	"context"
	"net/http"
)

type PaymentAdapter interface {
	// Verify checks the provider signature over the raw payload.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse returns ErrEventIgnored for event types that do not affect dunning.
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
