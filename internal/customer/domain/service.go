package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// GetCustomerWithSubscriptions returns nil without error when the customer does not exist.
	GetCustomerWithSubscriptions(ctx context.Context, id snowflake.ID) (*CustomerWithSubscriptions, error)
	FindByProviderCustomerID(ctx context.Context, providerCustomerID string) (*Customer, error)
}

var (
	ErrInvalidCustomerID = errors.New("invalid_customer_id")
	ErrNotFound          = errors.New("customer_not_found")
)
