package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"registry-sync-service/internal/adapters/primary/http/handlers"
	"registry-sync-service/internal/adapters/primary/http/middleware"
	"registry-sync-service/internal/adapters/secondary/mlflow"
	"registry-sync-service/internal/adapters/secondary/postgres"
	"registry-sync-service/internal/adapters/secondary/s3store"
	"registry-sync-service/internal/adapters/secondary/sagemaker"
	"registry-sync-service/internal/config"
	output "registry-sync-service/internal/core/ports/output"
	"registry-sync-service/internal/core/services"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	initLogger(cfg)

	if cfg.AWS.Bucket == "" {
		log.Fatal("ARTIFACT_BUCKET is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	// ============================================================================
	// Hexagonal Architecture Wiring
	// ============================================================================

	// Secondary Adapters (Output Ports)
	source := mlflow.NewClient(&cfg.MLflow)
	target := sagemaker.NewClient(awsCfg)
	store := s3store.New(awsCfg, cfg.AWS.Bucket)

	// Sync History (Optional - based on config)
	var history output.SyncHistoryRepository
	if cfg.Database.Enabled {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			log.Fatalf("parse db config: %v", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Database.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			log.Fatalf("create db pool: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(context.Background()); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		history = postgres.NewSyncHistoryRepository(pool)
		log.Info("sync history enabled")
	} else {
		log.Info("sync history disabled")
	}

	// Core Services (Application Layer)
	resolver := services.NewResolverService(source, target, store)
	repackager := services.NewRepackagerService(source, store, cfg.Sync.Images)
	reconciler := services.NewReconcilerService(resolver, repackager, target, store, history,
		services.ReconcilerOptions{
			MaxParallel:      cfg.Sync.MaxParallel,
			RepackageTimeout: cfg.Sync.RepackageTimeout,
			RetryAttempts:    cfg.Sync.RetryAttempts,
			RetryDelay:       cfg.Sync.RetryDelay,
		})

	// Primary Adapter (HTTP Handlers)
	h := handlers.New(reconciler, history, cfg.Webhook.Secret)

	// Setup router
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logging(), gin.Recovery())

	api := router.Group("/api/v1/registry-sync")
	h.RegisterRoutes(api)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Infof("starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced shutdown: %v", err)
	}

	log.Info("server stopped")
}

func initLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logger.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
