package featureaccess

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dunning/internal/featureaccess/domain"
)

// ContextKey holds the FeatureAccessResult of the last gate on the request.
const ContextKey = "feature_access"

// CustomerIDFunc extracts the customer being gated from a request.
type CustomerIDFunc func(c *gin.Context) (snowflake.ID, bool)

// CustomerIDFromParam reads the customer id from a path parameter.
func CustomerIDFromParam(name string) CustomerIDFunc {
	return func(c *gin.Context) (snowflake.ID, bool) {
		id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
		if err != nil || id == 0 {
			return 0, false
		}
		return id, true
	}
}

// RequireFeature aborts with 402 when the customer may not use feature.
func RequireFeature(svc domain.Service, feature string, customerID CustomerIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := customerID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"type": "invalid_customer_id", "message": "invalid customer id"},
			})
			return
		}

		result := svc.CheckFeatureAccess(c.Request.Context(), id, feature)
		c.Set(ContextKey, result)
		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, result)
			return
		}
		c.Next()
	}
}
