package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)
	// SetGraceMetadata records the grace end and moves an active or past_due subscription to past_due.
	SetGraceMetadata(ctx context.Context, id snowflake.ID, graceEnd, appliedAt time.Time) (*Subscription, error)
	// ClearGraceMetadata drops grace metadata and returns a past_due or dunning-paused subscription to active.
	ClearGraceMetadata(ctx context.Context, id snowflake.ID) (bool, error)
	ListOverdueGrace(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
	// MarkSuspended pauses a past_due subscription locally. It reports false when the row was not past_due.
	MarkSuspended(ctx context.Context, id snowflake.ID, at time.Time) (bool, error)
	ListActive(ctx context.Context) ([]Subscription, error)
	CountActiveAt(ctx context.Context, at time.Time) (int64, error)
	CountCanceledBetween(ctx context.Context, start, end time.Time) (int64, error)
}

var (
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidStatus        = errors.New("invalid_subscription_status")
)
