package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
)

// Customer is the billing identity. CreatedAt is the signup timestamp.
type Customer struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	Name               string       `gorm:"not null" json:"name"`
	Email              string       `gorm:"not null" json:"email"`
	Currency           string       `gorm:"column:currency" json:"currency,omitempty"`
	ProviderCustomerID *string      `gorm:"type:text" json:"provider_customer_id,omitempty"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

// CustomerWithSubscriptions is the read model used for segmentation.
type CustomerWithSubscriptions struct {
	Customer
	Subscriptions []subscriptiondomain.Subscription `json:"subscriptions"`
}

// MonthlySpend sums the monthly equivalent of every billable subscription.
func (c CustomerWithSubscriptions) MonthlySpend() int64 {
	var total int64
	for _, sub := range c.Subscriptions {
		if !sub.IsBillable() {
			continue
		}
		total += sub.MonthlyAmount()
	}
	return total
}
