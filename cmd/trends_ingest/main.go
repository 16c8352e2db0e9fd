package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"scadabridge/internal/config"
	"scadabridge/internal/db"
	"scadabridge/internal/engine"
	"scadabridge/internal/ingest"
	"scadabridge/internal/metrics"
	"scadabridge/internal/mqtt"
	"scadabridge/internal/notifier"
	"scadabridge/internal/scheduler"
	"scadabridge/internal/tenants"
	"scadabridge/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	utils.InitLogging(cfg.LogLevel, cfg.LogFormat)
	logger := utils.Logger("TRENDS")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}
	dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	dbConn, err := db.NewDB(dbCtx, cfg.DBURL)
	if err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	if err := dbConn.EnsureTrendsTable(dbCtx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("Failed to prepare trends table")
	}
	cancel()
	defer dbConn.Close()

	m := metrics.New()
	sched := scheduler.NewScheduler()

	eng := engine.NewEngine(engine.Config{
		RefreshInterval: cfg.Alarm.RefreshInterval,
		QueueSize:       cfg.Alarm.QueueSize,
		MaxInFlight:     cfg.Alarm.MaxInFlight,
		DefaultPlantID:  cfg.DefaultPlantID,
	}, dbConn, notifier.FromConfig(ctx, cfg.Mail), sched, m)

	pipeline := ingest.NewPipeline(ingest.Config{
		TopicBase:      cfg.MQTT.TopicBase,
		DefaultPlantID: cfg.DefaultPlantID,
		BatchSize:      cfg.Trend.BatchSize,
		FlushInterval:  cfg.Trend.FlushInterval,
	}, tenants.NewDirectory(cfg.TenantConfigDir, cfg.DefaultTenantID), dbConn, eng, m)

	pool := mqtt.NewPool(mqtt.PoolConfig{
		Profiles:       cfg.MQTT.Profiles,
		ClientID:       cfg.MQTT.ClientID + "-trends",
		TopicBase:      cfg.MQTT.TopicBase,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, m)
	pool.OnMessage(pipeline.Handle)

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start alarm engine")
	}
	pipeline.Start(ctx)
	sched.Start()
	if err := pool.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker pool")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"brokers": pool.Status(),
			"rules":   eng.RuleCount(),
			"jobs":    sched.GetScheduledJobCount(),
		})
	})
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("topic_base", cfg.MQTT.TopicBase).Int("rules", eng.RuleCount()).Msg("Trend ingestion worker started")
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	pool.Stop()
	pipeline.Stop()
	eng.Stop()
	sched.Stop()
	logger.Info().Msg("Shutdown complete")
}
