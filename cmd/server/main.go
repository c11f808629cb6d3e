package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-gateway/internal/api"
	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/database"
	"chat-gateway/internal/gateway"
	"chat-gateway/internal/permissions"
	"chat-gateway/internal/presence"
	"chat-gateway/internal/scheduler"
	"chat-gateway/internal/voice"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("Starting connection gateway")

	// Initialize Redis connection
	redisClient, err := database.NewRedisConnection(&cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Initialize PostgreSQL connection
	db, err := database.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(promReg)

	sched := scheduler.New(logger)

	authorizer := permissions.NewAuthorizer(permissions.NewGormOracle(db), logger)

	gw := gateway.New(gateway.Options{
		Config:   cfg.Gateway,
		Logger:   logger,
		Verifier: auth.NewJWTVerifier(cfg.JWT.Secret),
		Authz:    authorizer,
		Sched:    sched,
		Metrics:  metrics,
	})

	bridge := gateway.NewBridge(redisClient, cfg.Gateway.EventTopicPrefix, gw.Registry(), metrics, logger)

	presenceMgr := presence.NewManager(
		presence.NewRedisStore(redisClient),
		sched,
		gw.Registry().UserConnectionCount,
		cfg.Gateway.PresenceTTL,
		cfg.Gateway.PresenceOfflineGrace,
		logger,
	)

	voiceMgr := voice.NewManager(
		voice.NewRedisStore(redisClient),
		gw,
		cfg.Gateway.VoiceTTL,
		cfg.Gateway.VoiceRejoinGrace,
		logger,
	)

	gw.Bind(presenceMgr, voiceMgr, bridge)

	bridge.Run()
	gw.RunHeartbeatSupervisor()

	router := api.NewRouter(gw, redisClient, db, promReg, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting new sockets first, then drain the live ones
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	gw.Shutdown(ctx)

	if err := bridge.Close(); err != nil {
		logger.Error("Failed to close event bridge", "error", err)
	}

	logger.Info("Server stopped")
}
