package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	headerActor      = "X-Courier-Actor"
	contextActorKey  = "admin_actor"
	defaultAdminName = "admin"
)

// AdminAuthRequired gates /admin behind the static operator token. With no
// token configured every admin request is refused.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.AdminAPIToken))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := strings.TrimSpace(c.GetHeader(headerActor))
		if actor == "" {
			actor = defaultAdminName
		}
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func actorFromContext(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(contextActorKey))
}
