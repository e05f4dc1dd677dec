package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/customer/domain"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Repo             domain.Repository
	SubscriptionRepo subscriptiondomain.Repository
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	repo             domain.Repository
	subscriptionRepo subscriptiondomain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("customer.service"),
		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
	}
}

func (s *Service) GetCustomerWithSubscriptions(ctx context.Context, id snowflake.ID) (*domain.CustomerWithSubscriptions, error) {
	if id == 0 {
		return nil, domain.ErrInvalidCustomerID
	}

	customer, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, nil
	}

	subscriptions, err := s.subscriptionRepo.ListByCustomerID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	return &domain.CustomerWithSubscriptions{
		Customer:      *customer,
		Subscriptions: subscriptions,
	}, nil
}

func (s *Service) FindByProviderCustomerID(ctx context.Context, providerCustomerID string) (*domain.Customer, error) {
	providerCustomerID = strings.TrimSpace(providerCustomerID)
	if providerCustomerID == "" {
		return nil, domain.ErrInvalidCustomerID
	}

	customer, err := s.repo.FindByProviderCustomerID(ctx, s.db, providerCustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrNotFound
	}
	return customer, nil
}
