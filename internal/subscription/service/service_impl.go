package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/clock"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) SetGraceMetadata(ctx context.Context, id snowflake.ID, graceEnd, appliedAt time.Time) (*subscriptiondomain.Subscription, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != subscriptiondomain.SubscriptionStatusActive && item.Status != subscriptiondomain.SubscriptionStatusPastDue {
		return nil, subscriptiondomain.ErrInvalidStatus
	}

	metadata := copyMetadata(item.Metadata)
	metadata[subscriptiondomain.MetadataGracePeriodEnd] = graceEnd.UTC().Format(time.RFC3339)
	metadata[subscriptiondomain.MetadataGracePeriodAppliedAt] = appliedAt.UTC().Format(time.RFC3339)

	updated, err := s.repo.UpdateMetadataStatus(ctx, s.db, item.ID, metadata,
		subscriptiondomain.SubscriptionStatusPastDue,
		[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusPastDue},
		s.clock.Now(),
	)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, subscriptiondomain.ErrInvalidStatus
	}

	item.Metadata = metadata
	item.Status = subscriptiondomain.SubscriptionStatusPastDue
	s.log.Info("grace period applied",
		zap.String("subscription_id", item.ID.String()),
		zap.Time("grace_period_end", graceEnd.UTC()),
	)
	return item, nil
}

func (s *Service) ClearGraceMetadata(ctx context.Context, id snowflake.ID) (bool, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	_, hasGrace := item.GracePeriodEnd()
	_, suspended := item.DunningSuspendedAt()

	var from []subscriptiondomain.SubscriptionStatus
	switch {
	case item.Status == subscriptiondomain.SubscriptionStatusPastDue:
		from = []subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusPastDue}
	case item.Status == subscriptiondomain.SubscriptionStatusPaused && suspended:
		from = []subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusPaused}
	case item.Status == subscriptiondomain.SubscriptionStatusActive && hasGrace:
		from = []subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusActive}
	default:
		return false, nil
	}

	metadata := copyMetadata(item.Metadata)
	delete(metadata, subscriptiondomain.MetadataGracePeriodEnd)
	delete(metadata, subscriptiondomain.MetadataGracePeriodAppliedAt)
	delete(metadata, subscriptiondomain.MetadataDunningSuspendedAt)

	return s.repo.UpdateMetadataStatus(ctx, s.db, item.ID, metadata,
		subscriptiondomain.SubscriptionStatusActive, from, s.clock.Now())
}

func (s *Service) ListOverdueGrace(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	items, err := s.repo.ListByStatus(ctx, s.db,
		[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusPastDue}, 0)
	if err != nil {
		return nil, err
	}

	overdue := make([]subscriptiondomain.Subscription, 0, len(items))
	for _, item := range items {
		graceEnd, ok := item.GracePeriodEnd()
		if !ok || !graceEnd.Before(now) {
			continue
		}
		if _, suspended := item.DunningSuspendedAt(); suspended {
			continue
		}
		overdue = append(overdue, item)
		if limit > 0 && len(overdue) == limit {
			break
		}
	}
	return overdue, nil
}

func (s *Service) MarkSuspended(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Status != subscriptiondomain.SubscriptionStatusPastDue {
		return false, nil
	}

	metadata := copyMetadata(item.Metadata)
	metadata[subscriptiondomain.MetadataDunningSuspendedAt] = at.UTC().Format(time.RFC3339)

	return s.repo.UpdateMetadataStatus(ctx, s.db, item.ID, metadata,
		subscriptiondomain.SubscriptionStatusPaused,
		[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusPastDue},
		s.clock.Now(),
	)
}

func (s *Service) ListActive(ctx context.Context) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListByStatus(ctx, s.db, []subscriptiondomain.SubscriptionStatus{
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusPastDue,
	}, 0)
}

func (s *Service) CountActiveAt(ctx context.Context, at time.Time) (int64, error) {
	return s.repo.CountActiveAt(ctx, s.db, at)
}

func (s *Service) CountCanceledBetween(ctx context.Context, start, end time.Time) (int64, error) {
	return s.repo.CountCanceledBetween(ctx, s.db, start, end)
}

func copyMetadata(in datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
