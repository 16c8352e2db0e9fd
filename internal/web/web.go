// Package web serves the HTTP surface of the bridge: health, metrics, the
// publish and session API and the WebSocket endpoint.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"scadabridge/internal/utils"
	"scadabridge/internal/web/api"
	"scadabridge/internal/web/middleware"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// BrokerPool is the part of the broker pool the HTTP routes use
type BrokerPool interface {
	api.BrokerStatus
	api.BrokerResolver
	api.Publisher
}

// Dependencies of the web server. Metrics may be nil.
type Dependencies struct {
	Auth       middleware.IdentityDecoder
	Authorizer middleware.GrantAuthorizer
	Pool       BrokerPool
	Sessions   api.SessionCounter
	Jobs       api.JobCounter
	WebSocket  http.Handler
	Metrics    http.Handler
}

type WebServer struct {
	router *gin.Engine
	server *http.Server
	logger zerolog.Logger
}

func NewWebServer(addr string, deps Dependencies) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	middlewareManager := middleware.NewMiddlewareManager(deps.Auth, deps.Authorizer)
	router.Use(gin.Recovery(), middlewareManager.RequestLogger())

	api.RegisterHealthRoutes(router, deps.Pool, deps.Sessions, deps.Jobs)
	api.RegisterSessionRoutes(router, middlewareManager, deps.Pool)
	api.RegisterPublishRoutes(router, middlewareManager, deps.Pool)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.WebSocket != nil {
		router.GET("/ws", gin.WrapH(deps.WebSocket))
	}

	return &WebServer{
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: utils.Logger("HTTP"),
	}
}

// Handler returns the router, for tests and embedding
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until Shutdown
func (ws *WebServer) Start() error {
	ws.logger.Info().Str("addr", ws.server.Addr).Msg("HTTP server listening")
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}
