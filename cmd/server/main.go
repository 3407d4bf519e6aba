package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/ledger"
	"expense-reconciliation-backend/internal/lock"
	"expense-reconciliation-backend/internal/logging"
	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/routes"
	"expense-reconciliation-backend/internal/services/workflow"
	"expense-reconciliation-backend/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		logger.Fatal("telemetry setup failed", zap.Error(err))
	}

	db, err := config.InitDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&models.ChangeRequest{},
		&models.MirroredExpense{},
		&models.ApplyRecord{},
		&models.WorkflowAuditLog{},
	); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if rdb := config.InitRedis(cfg.RedisAddr); rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, 2*time.Minute)
		logger.Info("using redis apply lock", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Warn("REDIS_ADDR not set, apply lock is process-local")
	}

	svc := workflow.NewService(workflow.Deps{
		Requests: repository.NewChangeRequestRepository(db),
		Mirrors:  repository.NewMirrorRepository(db),
		Records:  repository.NewApplyRecordRepository(db),
		Audit:    repository.NewAuditLogRepository(db),
		Ledger: ledger.NewSplitwiseClient(ledger.Config{
			BaseURL: cfg.Splitwise.BaseURL,
			APIKey:  cfg.Splitwise.APIKey,
			Timeout: cfg.Splitwise.Timeout,
		}, logger.Named("ledger")),
		Locker: locker,
		Logger: logger.Named("workflow"),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.OTel.Enabled() {
		r.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	r.Use(middleware.RequestLogger(logger.Named("http")))
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", middleware.HeaderUserEmail, middleware.HeaderUserName, middleware.HeaderUserRole},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, svc, logger)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", zap.Error(err))
	}
}
