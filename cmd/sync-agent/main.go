package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-offline-sync/internal/handler"
	"github.com/noah-isme/sma-offline-sync/internal/middleware"
	"github.com/noah-isme/sma-offline-sync/internal/models"
	"github.com/noah-isme/sma-offline-sync/internal/repository"
	"github.com/noah-isme/sma-offline-sync/internal/service"
	"github.com/noah-isme/sma-offline-sync/pkg/cache"
	"github.com/noah-isme/sma-offline-sync/pkg/config"
	"github.com/noah-isme/sma-offline-sync/pkg/database"
	"github.com/noah-isme/sma-offline-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-offline-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-offline-sync/pkg/middleware/requestid"
	"github.com/noah-isme/sma-offline-sync/pkg/remote"
	"github.com/noah-isme/sma-offline-sync/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("sync agent stopped", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entities, err := parseEntities(cfg.Sync.Entities)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate local store: %w", err)
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, sync lease disabled", "addr", cache.Addr(cfg.Redis), "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	records := repository.NewRecordRepository(db)
	ops := repository.NewOperationRepository(db)
	tx := repository.NewTxManager(db)
	lease := repository.NewLeaseRepository(redisClient, logr)
	meta := repository.NewMetaRepository(db)

	metrics := service.NewMetricsService()
	tokens := service.NewTokenService(cfg.Remote.Token, cfg.Session.JWTSecret, logr)
	client := remote.New(cfg.Remote.BaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithTokenSource(tokens),
	)

	connectivity := service.NewConnectivityService(client, cfg.Remote.HealthPath, cfg.Connectivity.Interval, logr)
	session := service.NewSession(ops, metrics, connectivity.Check(ctx))

	syncSvc := service.NewSyncService(records, ops, client, tx, metrics, logr, service.SyncServiceConfig{
		Entities: entities,
		Retry: retry.Options{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		RedrivePasses: cfg.Sync.RedrivePasses,
	}, service.WithImportScope(meta, tokens))
	recordSvc := service.NewRecordService(records, ops, tx, validator.New(), logr,
		service.WithRecordEntities(entities),
		service.WithRecordSession(session),
	)
	scheduler := service.NewSchedulerService(syncSvc, session, lease, metrics, logr, service.SchedulerConfig{
		Interval:  cfg.Sync.Interval,
		ErrorHold: cfg.Sync.ErrorHold,
		OnStart:   cfg.Sync.OnStart,
		LeaseTTL:  cfg.Redis.LeaseTTL,
		Owner:     ownerID(),
	})

	if err := scheduler.Start(ctx, connectivity.Watch(ctx)); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.SessionToken(tokens))

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Handlers{
		Health:  handler.NewHealthHandler(metrics, db, scheduler),
		Records: handler.NewRecordHandler(recordSvc),
		Sync:    handler.NewSyncHandler(scheduler, syncSvc, session, metrics),
		Session: handler.NewSessionHandler(tokens),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("sync agent listening",
			"addr", srv.Addr,
			"env", cfg.Env,
			"driver", cfg.Database.Driver,
			"remote", client.BaseURL(),
			"entities", len(entities),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logr.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logr.Warn("scheduler shutdown", zap.Error(err))
	}
	return nil
}

func parseEntities(raw []string) ([]models.EntityType, error) {
	entities := make([]models.EntityType, 0, len(raw))
	for _, name := range raw {
		entity, err := models.ParseEntityType(name)
		if err != nil {
			return nil, fmt.Errorf("SYNC_ENTITIES: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
