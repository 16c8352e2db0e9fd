package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"scadabridge/auth"
	"scadabridge/internal/acl"
	"scadabridge/internal/cache"
	"scadabridge/internal/config"
	"scadabridge/internal/metrics"
	"scadabridge/internal/mqtt"
	"scadabridge/internal/redis"
	"scadabridge/internal/scheduler"
	"scadabridge/internal/tenants"
	"scadabridge/internal/utils"
	"scadabridge/internal/web"
	"scadabridge/internal/ws"

	"github.com/pion/mdns/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	utils.InitLogging(cfg.LogLevel, cfg.LogFormat)
	logger := utils.Logger("MAIN")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	pool := mqtt.NewPool(mqtt.PoolConfig{
		Profiles:       cfg.MQTT.Profiles,
		ClientID:       cfg.MQTT.ClientID,
		TopicBase:      cfg.MQTT.TopicBase,
		PublicPrefixes: cfg.MQTT.PublicPrefixes,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, m)
	values := cache.New(0)
	manager := ws.NewManager(cfg.Session.DeliveryTimeout, m)
	pool.OnMessage(values.Remember)
	pool.OnMessage(func(msg mqtt.Message) { manager.Broadcast(msg) })

	directory := tenants.NewDirectory(cfg.TenantConfigDir, cfg.DefaultTenantID)
	authorizer := acl.NewAuthorizer(cfg.MQTT.TopicBase, cfg.MQTT.PublicPrefixes, cfg.AdminEmails, cfg.MasterAdminEmails, directory)
	authModule := auth.NewAuthModule(cfg.JWTSecret, cfg.DefaultTenantID)

	sched := scheduler.NewScheduler()

	var slots ws.SessionSlots
	if cfg.RedisAddr != "" {
		redisClient, err := redis.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, active session limits disabled")
		} else {
			defer redisClient.Close()
			registry := redis.NewSessionRegistry(redisClient, cfg.Session.MaxPerTenant, cfg.Session.TTL)
			slots = registry
			err := sched.AddNamedJob("session-cleanup", fmt.Sprintf("@every %s", cfg.Session.CleanupInterval), func() {
				cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if _, err := registry.Cleanup(cleanupCtx); err != nil {
					logger.Warn().Err(err).Msg("Session cleanup failed")
				}
			})
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to schedule session cleanup")
			}
		}
	}

	wsHandler := ws.NewHandler(ws.Dependencies{
		Auth:           authModule,
		Authorizer:     authorizer,
		Pool:           pool,
		Values:         values,
		Slots:          slots,
		Manager:        manager,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		TouchInterval:  cfg.Session.TTL / 3,
	})

	if err := pool.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker pool")
	}
	sched.Start()

	webServer := web.NewWebServer(cfg.HTTPAddr, web.Dependencies{
		Auth:       authModule,
		Authorizer: authorizer,
		Pool:       pool,
		Sessions:   manager,
		Jobs:       sched,
		WebSocket:  wsHandler,
		Metrics:    m.Handler(),
	})
	go func() {
		if err := webServer.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	if cfg.MDNSLocalName != "" {
		if conn := startMDNSServer(cfg.MDNSLocalName, logger); conn != nil {
			defer conn.Close()
		}
	}

	logger.Info().Strs("brokers", pool.Keys()).Str("topic_base", cfg.MQTT.TopicBase).Msg("Bridge started")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	manager.CloseAll()
	sched.Stop()
	pool.Stop()
	logger.Info().Msg("Shutdown complete")
}

// startMDNSServer answers mDNS queries for localName so LAN clients can
// find the bridge. Failures only disable the advertisement.
func startMDNSServer(localName string, logger zerolog.Logger) *mdns.Conn {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to resolve UDP4 address for mDNS")
		return nil
	}
	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to resolve UDP6 address for mDNS")
		return nil
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to listen on UDP4 for mDNS")
		return nil
	}
	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		l4.Close()
		logger.Warn().Err(err).Msg("Failed to listen on UDP6 for mDNS")
		return nil
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to start mDNS server")
		return nil
	}
	logger.Info().Str("name", localName).Msg("mDNS advertisement started")
	return conn
}
