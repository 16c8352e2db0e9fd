package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"scadabridge/internal/acl"
	"scadabridge/internal/apperrors"
	"scadabridge/internal/mqtt"
	"scadabridge/internal/utils"
	"scadabridge/internal/web/middleware"
	"scadabridge/internal/web/models"
	"scadabridge/internal/ws"

	"github.com/gin-gonic/gin"
)

// Publisher sends messages through the broker pool
type Publisher interface {
	Publish(ctx context.Context, key, topic string, payload []byte, qos byte, retain bool) (string, error)
}

// RegisterPublishRoutes exposes POST /api/publish with the same topic
// scope as WebSocket sessions
func RegisterPublishRoutes(router *gin.Engine, mw *middleware.MiddlewareManager, pool Publisher) {
	logger := utils.Logger("API")
	r := router.Group("/api")
	r.Use(mw.RequireAuth())
	{
		r.POST("/publish", func(c *gin.Context) {
			grant, ok := middleware.GrantFrom(c)
			if !ok {
				c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
				return
			}
			var req models.PublishRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request"})
				return
			}
			if !acl.Allowed(req.Topic, grant.Prefixes) {
				logger.Warn().Str("uid", grant.Principal.UID).Str("topic", req.Topic).Msg("Publish outside allowed prefixes")
				c.JSON(http.StatusForbidden, models.ErrorResponse{Error: apperrors.ErrTopicNotAllowed.Error()})
				return
			}

			resolved, err := pool.Publish(c.Request.Context(), grant.Tenant.BrokerKey, req.Topic,
				ws.PublishBytes(req.Payload), ws.NormalizeQoS(req.QoS), req.Retain)
			if err != nil {
				status := http.StatusBadGateway
				if errors.Is(err, apperrors.ErrBrokerUnavailable) {
					status = http.StatusServiceUnavailable
				}
				logger.Warn().Err(err).Str("topic", req.Topic).Str("broker", resolved).Msg("Publish failed")
				c.JSON(status, models.ErrorResponse{Error: fmt.Sprintf("MQTT publish rc=%d", mqtt.ReturnCode(err))})
				return
			}
			c.JSON(http.StatusOK, models.PublishResponse{OK: true, Topic: req.Topic, Broker: resolved})
		})
	}
}
