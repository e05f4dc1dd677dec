package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	FindByProviderCustomerID(ctx context.Context, db *gorm.DB, providerCustomerID string) (*Customer, error)
}
