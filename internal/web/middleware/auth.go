package middleware

import (
	"errors"
	"net/http"

	"scadabridge/internal/acl"
	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"

	"github.com/gin-gonic/gin"
)

// Context keys set by RequireAuth
const (
	IdentityKey = "identity"
	GrantKey    = "grant"
)

// RequireAuth validates the bearer token and stores the identity and its
// grant in the context. A grant without prefixes is still stored; routes
// decide what an empty scope allows.
func (m *MiddlewareManager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		id, err := m.auth.ValidateTokenJWT(token)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", c.FullPath()).Msg("Authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		grant, err := m.authorizer.Authorize(id)
		if err != nil && !errors.Is(err, apperrors.ErrNoPrefixes) {
			m.logger.Warn().Err(err).Str("uid", id.UID).Str("tenant", id.TenantID).Msg("Authorization failed")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}

		c.Set(IdentityKey, id)
		c.Set(GrantKey, grant)
		c.Next()
	}
}

// GrantFrom returns the grant stored by RequireAuth
func GrantFrom(c *gin.Context) (acl.Grant, bool) {
	v, ok := c.Get(GrantKey)
	if !ok {
		return acl.Grant{}, false
	}
	g, ok := v.(acl.Grant)
	return g, ok
}

// IdentityFrom returns the identity stored by RequireAuth
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := v.(models.Identity)
	return id, ok
}
