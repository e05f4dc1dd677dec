package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
)

type accountStateResponse struct {
	ID                  string     `json:"id,omitempty"`
	CustomerID          string     `json:"customer_id"`
	SubscriptionID      string     `json:"subscription_id,omitempty"`
	State               string     `json:"state"`
	Reason              string     `json:"reason,omitempty"`
	GracePeriodEnd      *time.Time `json:"grace_period_end,omitempty"`
	FeatureRestrictions []string   `json:"feature_restrictions"`
	DataRetentionDays   int        `json:"data_retention_days,omitempty"`
	ReactivationDate    *time.Time `json:"reactivation_date,omitempty"`
	Version             int64      `json:"version"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

func (s *Server) CheckFeatureAccess(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer_id", "invalid customer id"))
		return
	}
	feature := strings.TrimSpace(c.Param("feature"))
	if feature == "" {
		AbortWithError(c, newValidationError("feature", "invalid_feature", "invalid feature"))
		return
	}

	c.JSON(http.StatusOK, s.featureSvc.CheckFeatureAccess(c.Request.Context(), customerID, feature))
}

func (s *Server) GetFeatureRestrictions(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer_id", "invalid customer id"))
		return
	}

	c.JSON(http.StatusOK, s.featureSvc.GetFeatureRestrictions(c.Request.Context(), customerID))
}

func (s *Server) GetAccountState(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer_id", "invalid customer id"))
		return
	}

	state, err := s.accountStateSvc.GetAccountState(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if state == nil {
		c.JSON(http.StatusOK, accountStateResponse{
			CustomerID:          customerID.String(),
			State:               string(accountstatedomain.StateActive),
			FeatureRestrictions: []string{},
		})
		return
	}

	c.JSON(http.StatusOK, toAccountStateResponse(state))
}

func toAccountStateResponse(state *accountstatedomain.AccountState) accountStateResponse {
	restrictions := []string(state.FeatureRestrictions)
	if restrictions == nil {
		restrictions = []string{}
	}
	updatedAt := state.UpdatedAt
	resp := accountStateResponse{
		ID:                  state.ID.String(),
		CustomerID:          state.CustomerID.String(),
		State:               string(state.State),
		Reason:              state.Reason,
		GracePeriodEnd:      state.GracePeriodEnd,
		FeatureRestrictions: restrictions,
		DataRetentionDays:   state.DataRetentionDays,
		ReactivationDate:    state.ReactivationDate,
		Version:             state.Version,
		UpdatedAt:           &updatedAt,
	}
	if state.SubscriptionID != nil {
		resp.SubscriptionID = state.SubscriptionID.String()
	}
	return resp
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, err
	}
	if parsed == nil {
		return 0, ErrInvalidRequest
	}
	return *parsed, nil
}
