// Command job runs the Kafka consumer-group dispatcher: it decodes
// records off the partitioned log and fans each one out to the edge
// nodes holding a subscribing connection.
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

	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/config"
	"github.com/chatfanout/platform/internal/v1/health"
	"github.com/chatfanout/platform/internal/v1/job"
	"github.com/chatfanout/platform/internal/v1/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on environment variables")
	}

	cfg, err := config.Load(config.RoleJob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production", "job"); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busSvc, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
	}
	defer busSvc.Close()

	svc, err := job.New(cfg, busSvc)
	if err != nil {
		logging.Fatal(ctx, "failed to build job dispatcher", zap.Error(err))
	}
	defer svc.Close()

	gin.SetMode(ginModeFor(cfg.GoEnv))
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(map[string]health.Pinger{
		"redis": busSvc,
		"kafka": svc,
	})
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "job metrics server starting", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logging.Info(ctx, "job dispatcher starting", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("group", cfg.KafkaGroupID))
		svc.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down job")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "metrics server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "job exited")
}

func ginModeFor(goEnv string) string {
	if goEnv == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
