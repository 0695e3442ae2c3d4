// Command comet runs the WebSocket edge node: HTTP auth surface,
// WebSocket upgrade/handshake, and the gRPC BroadcastRoom server edges
// dispatch into from Job.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatfanout/platform/internal/v1/auth"
	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/comet"
	"github.com/chatfanout/platform/internal/v1/config"
	"github.com/chatfanout/platform/internal/v1/health"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/ratelimit"
	"github.com/chatfanout/platform/internal/v1/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on environment variables")
	}

	cfg, err := config.Load(config.RoleComet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production", "comet"); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	busSvc, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
	}
	defer busSvc.Close()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to postgres", zap.Error(err))
	}
	defer dbPool.Close()

	messageStore := store.New(busSvc, dbPool)
	persistCtx, stopPersister := context.WithCancel(ctx)
	defer stopPersister()
	go store.NewPersister(messageStore, cfg.PersistBatchSize, cfg.PersistInterval, cfg.PersistFirstFire).Run(persistCtx)
	userStore := auth.NewPgUserStore(dbPool)
	authSvc := auth.NewService(userStore, busSvc, cfg.SessionTTL)

	limiter, err := ratelimit.NewRateLimiter(cfg, busSvc.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	srv := comet.NewServer(comet.Config{
		CometID:       cfg.CometID,
		IdleTimeout:   cfg.IdleTimeout,
		MaxFrameBytes: int64(cfg.MaxFrameBytes),
		RoomSeed:      cfg.RoomSeed,
		LogicURL:      cfg.LogicURL,
	}, busSvc, messageStore, authSvc, limiter)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	gin.SetMode(ginModeFor(cfg.GoEnv))
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsCfg))

	srv.RegisterRoutes(router, allowedOrigins)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(map[string]health.Pinger{
		"redis":    busSvc,
		"database": pgxPinger{dbPool},
	})
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	grpcServer := comet.NewGRPCServer(srv)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logging.Fatal(ctx, "failed to bind grpc listener", zap.Error(err))
	}

	go func() {
		logging.Info(ctx, "comet http server starting", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "http server error", zap.Error(err))
		}
	}()

	go func() {
		logging.Info(ctx, "comet grpc server starting", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logging.Error(ctx, "grpc server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down comet")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logging.Info(ctx, "comet exited")
}

type pgxPinger struct {
	pool *pgxpool.Pool
}

func (p pgxPinger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func ginModeFor(goEnv string) string {
	if goEnv == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
