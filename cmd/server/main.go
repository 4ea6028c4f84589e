package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/assettrack/audit-ledger/internal/api"
	"github.com/assettrack/audit-ledger/internal/config"
	"github.com/assettrack/audit-ledger/internal/crypto"
	"github.com/assettrack/audit-ledger/internal/events"
	"github.com/assettrack/audit-ledger/internal/ledger"
	"github.com/assettrack/audit-ledger/internal/report"
	"github.com/assettrack/audit-ledger/internal/repository/elasticsearch"
	"github.com/assettrack/audit-ledger/internal/repository/postgres"
	"github.com/assettrack/audit-ledger/internal/repository/s3"
	"github.com/assettrack/audit-ledger/internal/retention"
)

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logger
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Info("Starting Audit Ledger Service...")

	// 3. Signing
	signer, err := crypto.NewSigner(cfg.Signing.HMACSecret)
	if err != nil {
		sugar.Fatalf("Failed to initialize signer: %v", err)
	}

	// 4. Repositories
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		sugar.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pool.Close()

	eventRepo := postgres.NewEventRepository(pool)
	reportRepo := postgres.NewReportRepository(pool)

	esRepo, err := elasticsearch.NewSearchRepository(cfg.Elasticsearch)
	if err != nil {
		sugar.Warnf("Failed to connect to Elasticsearch: %v (search will be unavailable)", err)
		esRepo = nil
	}

	artifactRepo, err := s3.NewArtifactRepository(ctx, cfg.S3)
	if err != nil {
		sugar.Fatalf("Failed to initialize artifact repository: %v", err)
	}

	// 5. Core services
	var index ledger.SearchIndex
	if esRepo != nil {
		index = esRepo
	}
	lg := ledger.New(eventRepo, index, signer, logger, ledger.Options{
		StorageTimeout:   cfg.Ledger.StorageTimeout,
		DefaultPageLimit: cfg.Ledger.DefaultPageLimit,
		MaxPageLimit:     cfg.Ledger.MaxPageLimit,
		MaskPII:          cfg.Logging.EnablePIIMask,
	})

	engine := report.NewEngine(reportRepo, artifactRepo, lg, signer, logger,
		cfg.Reports.PageSize, cfg.Reports.ArtifactRetry)

	sweeper := retention.NewSweeper(
		postgres.NewSweepStore(eventRepo, reportRepo),
		logger,
		cfg.Retention.SweepInterval,
		cfg.Retention.SweepTimeout,
	)

	// 6. Background workers
	go sweeper.Run(ctx)
	go engine.Worker(ctx, cfg.Reports.PollInterval, cfg.Reports.RunTimeout)

	// 7. Kafka consumer for inbound event producers
	consumer, err := events.NewConsumer(cfg.Kafka, lg, logger)
	if err != nil {
		sugar.Fatalf("Failed to create Kafka consumer: %v", err)
	}
	go func() {
		sugar.Info("Starting Kafka consumer loop...")
		if err := consumer.Start(ctx); err != nil {
			sugar.Errorf("Kafka consumer failed: %v", err)
		}
	}()
	defer consumer.Close()

	// 8. API server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := api.NewHandler(lg, engine)
	apiGroup := e.Group("/audit")

	// Security: JWT authentication when a public key is available
	keyData, err := os.ReadFile(cfg.Auth.JWTPublicKeyPath)
	var signingKey interface{}
	if err == nil {
		signingKey, err = jwt.ParseRSAPublicKeyFromPEM(keyData)
		if err != nil {
			sugar.Warnf("Failed to parse JWT public key: %v", err)
		}
	} else {
		sugar.Warnf("JWT public key not found at %s: %v", cfg.Auth.JWTPublicKeyPath, err)
	}

	if signingKey != nil {
		jwtConfig := echojwt.Config{
			SigningKey:    signingKey,
			SigningMethod: "RS256",
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(jwt.MapClaims)
			},
		}
		apiGroup.Use(echojwt.WithConfig(jwtConfig))
		sugar.Info("JWT Authentication enabled for /audit/*")
	} else {
		sugar.Warn("JWT Authentication DISABLED - Missing Public Key (Security Risk)")
	}

	handler.RegisterRoutes(apiGroup)

	// Health Check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Start Server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("Shutting down the server: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down service...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		sugar.Fatal(err)
	}
}
