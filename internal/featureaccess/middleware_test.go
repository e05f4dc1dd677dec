package featureaccess

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dunning/internal/featureaccess/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedGate struct {
	allowed bool
}

func (g fixedGate) CheckFeatureAccess(_ context.Context, _ snowflake.ID, feature string) domain.FeatureAccessResult {
	if g.allowed {
		return domain.FeatureAccessResult{Feature: feature, Allowed: true}
	}
	return domain.FeatureAccessResult{Feature: feature, Allowed: false, Reason: "Account is suspended due to non-payment"}
}

func (g fixedGate) GetFeatureRestrictions(context.Context, snowflake.ID) domain.RestrictionsView {
	return domain.RestrictionsView{}
}

func newRouter(gate domain.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/customers/:id/exports", RequireFeature(gate, "api_access", CustomerIDFromParam("id")), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return r
}

func TestRequireFeatureDenies(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/customers/123/exports", nil)
	newRouter(fixedGate{allowed: false}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body domain.FeatureAccessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Allowed)
	assert.Equal(t, "api_access", body.Feature)
}

func TestRequireFeatureAllows(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/customers/123/exports", nil)
	newRouter(fixedGate{allowed: true}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRequireFeatureRejectsBadCustomerID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/customers/abc/exports", nil)
	newRouter(fixedGate{allowed: true}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
