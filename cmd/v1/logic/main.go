// Command logic runs the stateless HTTP write path: it accepts
// POST /logic/send and produces onto the partitioned log for Job to pick
// up.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatfanout/platform/internal/v1/config"
	"github.com/chatfanout/platform/internal/v1/health"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/logic"
	"github.com/chatfanout/platform/internal/v1/ratelimit"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on environment variables")
	}

	cfg, err := config.Load(config.RoleLogic)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production", "logic"); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	producer, err := logic.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logging.Fatal(ctx, "failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	limiter, err := ratelimit.NewRateLimiter(cfg, nil)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	handler := logic.NewHandler(producer)

	gin.SetMode(ginModeFor(cfg.GoEnv))
	router := gin.New()
	router.Use(gin.Recovery())

	handler.RegisterRoutes(router, limiter.GlobalMiddleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(map[string]health.Pinger{"kafka": producer})
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	httpServer := &http.Server{
		Addr:    ":" + cfg.LogicHTTPPort,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "logic http server starting", zap.String("port", cfg.LogicHTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down logic")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "logic exited")
}

func ginModeFor(goEnv string) string {
	if goEnv == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
