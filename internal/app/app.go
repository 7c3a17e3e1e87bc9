// Package app assembles the service: configuration, logging, the Redis
// store, the chain and object-store clients, the domain services, and the
// HTTP server, with a graceful-shutdown lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Lexiie/KangKlip/internal/api"
	"github.com/Lexiie/KangKlip/internal/artifact"
	"github.com/Lexiie/KangKlip/internal/audit"
	"github.com/Lexiie/KangKlip/internal/auth"
	"github.com/Lexiie/KangKlip/internal/chain"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/credit"
	"github.com/Lexiie/KangKlip/internal/dispatcher"
	"github.com/Lexiie/KangKlip/internal/fabric"
	"github.com/Lexiie/KangKlip/internal/httpserver"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/metrics"
	"github.com/Lexiie/KangKlip/internal/objectstore"
	"github.com/Lexiie/KangKlip/internal/profiling"
	"github.com/Lexiie/KangKlip/internal/store"
	"github.com/Lexiie/KangKlip/internal/unlock"
)

const shutdownTimeout = 30 * time.Second

// App holds the assembled service and its shutdown hooks.
type App struct {
	cfg        *config.Config
	logger     logger.Logger
	httpServer *http.Server
	dispatcher *dispatcher.Dispatcher
	auditDB    *sqlx.DB
	profiler   *profiling.Profiler
	closeStore func() error
}

// New constructs the App: every dependency is built once here and threaded
// down as a typed value, never reached for ambiently.
func New(version string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.Must(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log = log.With(logger.String("service", "kangklip"), logger.String("version", version))

	profiler, err := profiling.Start("api", version)
	if err != nil {
		log.Warn("continuous profiling not started", logger.Error(err))
	} else if profiler != nil {
		log.Info("continuous profiling started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient, err := store.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	kv := store.New(redisClient)

	chainClient, err := chain.New(chain.Config{
		RPCURL:           cfg.Chain.RPCURL,
		USDCMint:         cfg.Chain.USDCMint,
		TreasuryAddress:  cfg.Chain.TreasuryAddress,
		CreditsProgramID: cfg.Chain.CreditsProgramID,
		SpenderKeypair:   cfg.Chain.SpenderKeypair,
	}, log)
	if err != nil {
		redisClient.Close()
		_ = log.Sync()
		return nil, fmt.Errorf("create chain client: %w", err)
	}

	objectStore := objectstore.New(objectstore.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Bucket:          cfg.Storage.Bucket,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})

	fabricClient := fabric.New(fabric.Config{
		APIBase:     cfg.Fabric.APIBase,
		APIKey:      cfg.Fabric.APIKey,
		WorkerImage: cfg.Fabric.WorkerImage,
		Market:      cfg.Fabric.Market,
	})

	var auditDB *sqlx.DB
	if cfg.Audit.DatabaseURL != "" {
		auditDB, err = audit.Connect(cfg.Audit.DatabaseURL)
		if err != nil {
			redisClient.Close()
			_ = log.Sync()
			return nil, fmt.Errorf("connect audit database: %w", err)
		}
		if err := audit.EnsureSchema(ctx, auditDB); err != nil {
			auditDB.Close()
			redisClient.Close()
			_ = log.Sync()
			return nil, err
		}
	} else {
		log.Warn("AUDIT_DATABASE_URL not set, audit logging disabled")
	}
	auditRepo := audit.NewRepository(auditDB)

	tracker := metrics.NewTracker()

	authService := auth.New(kv, log)
	creditService := credit.New(chainClient, kv, tracker, log)
	artifactGate := artifact.New(kv, objectStore)
	unlockCoordinator := unlock.New(kv, creditService, tracker, log)
	jobDispatcher := dispatcher.New(kv, fabricClient, tracker, log,
		dispatcher.CallbackConfig{BaseURL: cfg.Callback.BaseURL, Token: cfg.Callback.Token},
		dispatcher.StorageConfig{
			Endpoint:        cfg.Storage.Endpoint,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		},
		dispatcher.LLMConfig{APIBase: cfg.LLM.APIBase, ModelName: cfg.LLM.Model, APIKey: cfg.LLM.APIKey},
	)

	router := api.New(kv, jobDispatcher, authService, creditService, artifactGate,
		unlockCoordinator, auditRepo, log, cfg.Callback.Token)

	builder := httpserver.NewBuilder(httpserver.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}, log, tracker).
		WithRoutes(router.Routes).
		WithHealthCheck("redis", kv.Ping).
		WithHealthCheck("chain", chainClient.Ping).
		WithHealthCheck("objectstore", objectStore.Ping)
	if auditDB != nil {
		builder.WithHealthCheck("audit", func(ctx context.Context) error {
			return auditDB.PingContext(ctx)
		})
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		httpServer: builder.Build(),
		dispatcher: jobDispatcher,
		auditDB:    auditDB,
		profiler:   profiler,
		closeStore: redisClient.Close,
	}, nil
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then drains
// in-flight work and closes every connection pool.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", logger.String("address", a.cfg.Server.Address))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		a.logger.Info("shutting down", logger.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown failed", logger.Error(err))
	}
	a.dispatcher.Shutdown(ctx)

	if err := a.profiler.Stop(); err != nil {
		a.logger.Warn("failed to stop profiler", logger.Error(err))
	}
	if a.auditDB != nil {
		if err := a.auditDB.Close(); err != nil {
			a.logger.Warn("failed to close audit database", logger.Error(err))
		}
	}
	if err := a.closeStore(); err != nil {
		a.logger.Warn("failed to close redis client", logger.Error(err))
	}
	_ = a.logger.Sync()
	return nil
}
