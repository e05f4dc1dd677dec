// Package segment classifies customers for grace-period sizing.
package segment

import (
	"time"

	"github.com/smallbiznis/dunning/internal/config"
	customerdomain "github.com/smallbiznis/dunning/internal/customer/domain"
)

type Segment string

const (
	SegmentNew       Segment = "new"
	SegmentStandard  Segment = "standard"
	SegmentHighValue Segment = "high_value"
)

// Classify derives the segment from tenure and monthly spend.
// A nil customer is treated as standard.
func Classify(customer *customerdomain.CustomerWithSubscriptions, now time.Time, cfg config.DunningConfig) Segment {
	if customer == nil {
		return SegmentStandard
	}
	if !customer.CreatedAt.IsZero() && now.Sub(customer.CreatedAt) < cfg.NewCustomerTenure {
		return SegmentNew
	}
	if cfg.HighValueThreshold > 0 && customer.MonthlySpend() >= cfg.HighValueThreshold {
		return SegmentHighValue
	}
	return SegmentStandard
}

// GraceDays returns the grace-period length in days for a segment.
func GraceDays(segment Segment, cfg config.DunningConfig) int {
	switch segment {
	case SegmentNew:
		return cfg.GraceDays.New
	case SegmentHighValue:
		return cfg.GraceDays.HighValue
	default:
		return cfg.GraceDays.Standard
	}
}
