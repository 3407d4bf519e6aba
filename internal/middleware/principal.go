package middleware

import (
	"net/http"
	"strings"

	"expense-reconciliation-backend/internal/services/workflow"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
	HeaderUserRole  = "X-User-Role"

	actorKey = "actor"
)

// Principal turns the identity headers set by the upstream authenticating proxy
// into a workflow.Actor. Requests without an email are rejected.
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := strings.TrimSpace(c.GetHeader(HeaderUserEmail))
		if email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(actorKey, workflow.Actor{
			Email: email,
			Name:  strings.TrimSpace(c.GetHeader(HeaderUserName)),
			Admin: strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderUserRole)), "admin"),
		})
		c.Next()
	}
}

// RequireAdmin stops non-admin actors before they reach admin handlers.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ActorFrom(c).Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

func ActorFrom(c *gin.Context) workflow.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(workflow.Actor); ok {
			return a
		}
	}
	return workflow.Actor{}
}
