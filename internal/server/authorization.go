package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
)

// OperatorHeader carries the operator id set by the authenticating proxy in front of /admin.
const OperatorHeader = "X-Operator-ID"

const actorContextKey = "actor"

type ActorType string

const (
	ActorOperator ActorType = "operator"
	ActorSystem   ActorType = "system"
)

type Actor struct {
	Type ActorType
	ID   string
}

// subject is the form the authorization service and account state audit trail expect.
func (a Actor) subject() string {
	if a.Type == ActorSystem {
		return string(ActorSystem)
	}
	return string(a.Type) + ":" + a.ID
}

// OperatorRequired resolves the calling operator and stamps it on the request context.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(OperatorHeader))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := Actor{Type: ActorOperator, ID: id.String()}
		c.Set(actorContextKey, actor)
		c.Request = c.Request.WithContext(
			obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeOperator), actor.ID),
		)
		c.Next()
	}
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor.subject(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := value.(Actor)
	return actor, ok
}
