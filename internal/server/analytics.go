package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/dunning/internal/analytics/domain"
)

type analyticsQuery struct {
	Start    string `form:"start"`
	End      string `form:"end"`
	Currency string `form:"currency"`
}

func (s *Server) GetSubscriptionMetrics(c *gin.Context) {
	req, ok := bindMetricsRequest(c)
	if !ok {
		return
	}

	resp, err := s.analyticsSvc.GetSubscriptionMetrics(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetDunningMetrics(c *gin.Context) {
	req, ok := bindMetricsRequest(c)
	if !ok {
		return
	}

	resp, err := s.analyticsSvc.GetDunningMetrics(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// bindMetricsRequest accepts RFC3339 or date-only bounds. A date-only end covers the whole day.
func bindMetricsRequest(c *gin.Context) (analyticsdomain.MetricsRequest, bool) {
	var query analyticsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return analyticsdomain.MetricsRequest{}, false
	}

	start, err := parseOptionalTime(query.Start, false)
	if err != nil {
		AbortWithError(c, newValidationError("start", "invalid_start", "invalid start"))
		return analyticsdomain.MetricsRequest{}, false
	}
	end, err := parseOptionalTime(query.End, true)
	if err != nil {
		AbortWithError(c, newValidationError("end", "invalid_end", "invalid end"))
		return analyticsdomain.MetricsRequest{}, false
	}

	req := analyticsdomain.MetricsRequest{Currency: strings.TrimSpace(query.Currency)}
	if start != nil {
		req.Start = *start
	}
	if end != nil {
		req.End = *end
	}
	return req, true
}
