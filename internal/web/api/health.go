package api

import (
	"net/http"

	"scadabridge/internal/web/models"

	"github.com/gin-gonic/gin"
)

// BrokerStatus reports the connection state of every broker profile
type BrokerStatus interface {
	Status() map[string]bool
}

// SessionCounter reports the number of live sessions
type SessionCounter interface {
	Count() int
}

// JobCounter reports the number of scheduled background jobs
type JobCounter interface {
	GetScheduledJobCount() int
}

// RegisterHealthRoutes exposes GET /health. The status is degraded when
// any broker profile is down. sessions and jobs may be nil.
func RegisterHealthRoutes(router *gin.Engine, brokers BrokerStatus, sessions SessionCounter, jobs JobCounter) {
	router.GET("/health", func(c *gin.Context) {
		resp := models.HealthResponse{Status: "ok", Brokers: brokers.Status()}
		if sessions != nil {
			resp.Sessions = sessions.Count()
		}
		if jobs != nil {
			resp.Jobs = jobs.GetScheduledJobCount()
		}
		for _, up := range resp.Brokers {
			if !up {
				resp.Status = "degraded"
				break
			}
		}
		c.JSON(http.StatusOK, resp)
	})
}
