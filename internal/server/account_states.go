package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
)

type updateAccountStateRequest struct {
	State                string            `json:"state"`
	Reason               string            `json:"reason"`
	PaymentIntentID      string            `json:"payment_intent_id"`
	GracePeriodExpiredAt *time.Time        `json:"grace_period_expired_at"`
	Notes                map[string]string `json:"notes"`
}

// UpdateAccountState is the operator override. The service still enforces the transition table.
func (s *Server) UpdateAccountState(c *gin.Context) {
	accountStateID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_account_state_id", "invalid account state id"))
		return
	}

	var req updateAccountStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.State) == "" {
		AbortWithError(c, newValidationError("state", "required", "state is required"))
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		AbortWithError(c, newValidationError("reason", "required", "reason is required"))
		return
	}

	actor, _ := actorFromContext(c)
	state, err := s.accountStateSvc.UpdateAccountState(c.Request.Context(), accountstatedomain.UpdateStateRequest{
		AccountStateID: accountStateID,
		State:          accountstatedomain.State(strings.TrimSpace(req.State)),
		Reason:         strings.TrimSpace(req.Reason),
		Metadata: accountstatedomain.MetadataPatch{
			GracePeriodExpiredAt: req.GracePeriodExpiredAt,
			PaymentIntentID:      strings.TrimSpace(req.PaymentIntentID),
			Notes:                req.Notes,
		},
		Actor: actor.subject(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toAccountStateResponse(state))
}
