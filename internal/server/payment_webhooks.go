package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	"go.uber.org/zap"
)

// maxWebhookBody bounds provider payloads.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.paymentSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		case errors.Is(err, paymentdomain.ErrEventIgnored):
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		if s.log != nil {
			s.log.Warn("payment webhook rejected", zap.String("provider", provider), zap.Error(err))
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// WebhookRateLimit throttles deliveries per provider. Redis errors let the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.webhookLimiter == nil {
			c.Next()
			return
		}

		provider := strings.TrimSpace(c.Param("provider"))
		res, err := s.webhookLimiter.AllowProvider(c.Request.Context(), provider)
		if err != nil {
			s.log.Warn("webhook rate limiter unavailable", zap.String("provider", provider), zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
