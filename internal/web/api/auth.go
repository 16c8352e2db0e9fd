package api

import (
	"net/http"

	"scadabridge/internal/web/middleware"
	"scadabridge/internal/web/models"

	"github.com/gin-gonic/gin"
)

// BrokerResolver maps a tenant broker key to the profile actually used
type BrokerResolver interface {
	Resolve(key string) string
}

// RegisterSessionRoutes exposes the caller's grant
func RegisterSessionRoutes(router *gin.Engine, mw *middleware.MiddlewareManager, brokers BrokerResolver) {
	r := router.Group("/api")
	r.Use(mw.RequireAuth())
	{
		r.GET("/session", func(c *gin.Context) {
			grant, ok := middleware.GrantFrom(c)
			if !ok {
				c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
				return
			}
			prefixes := grant.Prefixes
			if prefixes == nil {
				prefixes = []string{}
			}
			c.JSON(http.StatusOK, models.SessionResponse{
				UID:             grant.Principal.UID,
				TenantID:        grant.Principal.TenantID,
				Role:            string(grant.Principal.Role),
				GlobalAdmin:     grant.Principal.GlobalAdmin,
				PlantIDs:        grant.Principal.PlantIDs,
				AllowedPrefixes: prefixes,
				Broker:          brokers.Resolve(grant.Tenant.BrokerKey),
			})
		})
	}
}
