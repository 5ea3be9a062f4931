package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"owly-callkit/internal/config"
	pushHandler "owly-callkit/internal/handler/http/push"
	tokenHandler "owly-callkit/internal/handler/http/token"
	wsHandler "owly-callkit/internal/handler/ws"
	"owly-callkit/internal/middleware"
	"owly-callkit/internal/repository/postgres"
	redisrepo "owly-callkit/internal/repository/redis"
	callService "owly-callkit/internal/service/call"
	"owly-callkit/pkg/constants"
	"owly-callkit/pkg/env"
	"owly-callkit/pkg/jwt"
	"owly-callkit/pkg/logger"
	"owly-callkit/pkg/metrics"
	"owly-callkit/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFormat := "text"
	if cfg.Env == "production" {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: logFormat,
		Output: "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 1. JWT manager for relay auth and media tokens
	jwtManager := jwt.NewManager(cfg.JWTSecret, 15*time.Minute, cfg.MediaTokenExpiry)

	// 2. Postgres, with startup retry so the relay survives a slow database
	pool, err := connectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pool.Close()
	logger.Info("connected to postgres", zap.String("host", cfg.DBHost))

	// 3. Redis for presence, busy markers, push tokens and pub/sub fanout
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       0,
		PoolSize: 10,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	cancelPing()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr()))

	// 4. Repositories
	recordRepo := postgres.NewCallRecordRepository(pool)
	presenceRepo := redisrepo.NewPresenceRepository(redisClient)
	pushTokenRepo := redisrepo.NewPushTokenRepository(redisClient)

	// 5. Push providers, each optional
	providers := buildPushProviders(cfg)

	// 6. Metrics and service
	appMetrics := metrics.NewMetrics("signaling-service")
	callSvc := callService.NewService(recordRepo, presenceRepo, pushTokenRepo, providers, appMetrics)

	// 7. Hub and handlers
	hub := wsHandler.NewRelayHub(callSvc, redisClient, appMetrics, cfg.MaxSignalingConnections)
	tokenHdlr := tokenHandler.NewHandler(jwtManager, callSvc, appMetrics)
	pushHdlr := pushHandler.NewHandler(pushTokenRepo)

	// 8. Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	_ = router.SetTrustedProxies(nil)

	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "signaling-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	auth := middleware.AuthMiddleware(jwtManager)

	router.POST("/agora/generate-token", auth, tokenHdlr.GenerateToken)

	v1 := router.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/calls/history", tokenHdlr.CallHistory)
		v1.POST("/push/register", pushHdlr.RegisterToken)
		v1.DELETE("/push/register/:platform", pushHdlr.UnregisterToken)
		v1.GET("/ws", hub.ServeWS)
	}

	// 9. Serve with graceful shutdown
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("signaling service starting",
			zap.String("addr", addr),
			zap.String("ws_endpoint", "/v1/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// connectPostgres builds the pool and retries the initial ping, since the
// database container often comes up after the service in compose setups.
func connectPostgres(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConnLifetime = constants.MaxConnLifetime
	poolCfg.MaxConnIdleTime = constants.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = constants.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	retries := env.GetInt("DB_CONNECT_RETRIES", 5)
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = pool.Ping(ctx)
		cancel()
		if err == nil {
			return pool, nil
		}
		if attempt >= retries {
			pool.Close()
			return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", attempt, err)
		}
		logger.Warn("postgres not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
}

// buildPushProviders initializes whichever push backends are configured.
func buildPushProviders(cfg *config.Config) map[string]push.Provider {
	providers := make(map[string]push.Provider)

	if cfg.FCMCredentialsFile != "" {
		fcm, err := push.NewFCMProvider(context.Background(), cfg.FCMCredentialsFile)
		if err != nil {
			logger.Warn("fcm provider disabled", zap.Error(err))
		} else {
			providers[push.PlatformFCM] = fcm
		}
	}

	if cfg.APNsKeyFile != "" {
		apns, err := push.NewAPNsProvider(push.APNsConfig{
			KeyFile:    cfg.APNsKeyFile,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			Topic:      cfg.APNsTopic,
			Production: cfg.Env == "production",
		})
		if err != nil {
			logger.Warn("apns provider disabled", zap.Error(err))
		} else {
			providers[push.PlatformAPNs] = apns
		}
	}

	if len(providers) == 0 {
		logger.Info("push notifications disabled")
	}
	return providers
}
