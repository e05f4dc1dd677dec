// Package domain defines the feature access gate consulted on every gated action.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	FeatureBillingUpdate  = "billing_update"
	FeatureReadOnlyAccess = "read_only_access"
	FeatureDataExport     = "data_export"

	FeatureNewDataCreation = "new_data_creation"
)

// FailOpenReason is returned whenever the gate could not evaluate the account.
const FailOpenReason = "Error checking access - defaulting to allow"

// AccountStateError marks a restrictions view built from the fail-open default.
const AccountStateError = "error"

// AlwaysAllowed are the features a non-active account keeps, whatever the restriction list says.
var AlwaysAllowed = []string{FeatureReadOnlyAccess, FeatureBillingUpdate, FeatureDataExport}

// SuspendedAllowed are the features a suspended account keeps.
var SuspendedAllowed = []string{FeatureBillingUpdate}

type FeatureAccessResult struct {
	Feature        string     `json:"feature"`
	Allowed        bool       `json:"allowed"`
	Reason         string     `json:"reason,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
}

type RestrictionsView struct {
	AccountState   string     `json:"account_state"`
	Restrictions   []string   `json:"restrictions"`
	AlwaysAllowed  []string   `json:"always_allowed"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// Service never returns errors: internal failures resolve to full access.
type Service interface {
	CheckFeatureAccess(ctx context.Context, customerID snowflake.ID, feature string) FeatureAccessResult
	GetFeatureRestrictions(ctx context.Context, customerID snowflake.ID) RestrictionsView
}
