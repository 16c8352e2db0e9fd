package middleware

import (
	"time"

	"scadabridge/internal/acl"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// IdentityDecoder validates bearer tokens
type IdentityDecoder interface {
	ValidateTokenJWT(token string) (models.Identity, error)
}

// GrantAuthorizer resolves the prefixes of an identity
type GrantAuthorizer interface {
	Authorize(id models.Identity) (acl.Grant, error)
}

type MiddlewareManager struct {
	auth       IdentityDecoder
	authorizer GrantAuthorizer
	logger     zerolog.Logger
}

func NewMiddlewareManager(auth IdentityDecoder, authorizer GrantAuthorizer) *MiddlewareManager {
	return &MiddlewareManager{
		auth:       auth,
		authorizer: authorizer,
		logger:     utils.Logger("HTTP"),
	}
}

// RequestLogger logs one line per request
func (m *MiddlewareManager) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := m.logger.Info()
		if status >= 500 {
			ev = m.logger.Error()
		} else if status >= 400 {
			ev = m.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("HTTP request")
	}
}
