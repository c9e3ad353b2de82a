package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/api"
	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/config"
	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/events"
	"github.com/xtrntr/brokerage/internal/ledger"
	"github.com/xtrntr/brokerage/internal/logging"
	"github.com/xtrntr/brokerage/internal/memstore"
	"github.com/xtrntr/brokerage/internal/metrics"
	"github.com/xtrntr/brokerage/internal/orders"
	"github.com/xtrntr/brokerage/internal/seed"
)

// store is everything the services need from a backend
type store interface {
	ledger.Store
	orders.Store
	orders.Transactor
	auth.CustomerStore
	seed.Store
	api.Pinger
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var backend store
	if cfg.DB.DSN == "" {
		logger.Warn("no database configured, using in-memory store")
		backend = memstore.New()
	} else {
		database, err := db.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer database.Close()
		if cfg.DB.Migrate {
			if err := database.Migrate(ctx); err != nil {
				logger.Fatal("failed to migrate database", zap.Error(err))
			}
		}
		backend = database
	}

	registry := metrics.NewRegistry()
	m := metrics.NewMetrics(registry)
	hub := events.NewHub(cfg.WS.Origin, logger, m)
	defer hub.Close()

	ledgerSvc := ledger.NewService(backend, logger, m, ledger.Options{
		MaxRetries: cfg.Ledger.MaxRetries,
		Backoff:    cfg.Ledger.RetryBackoff,
	})
	ordersSvc := orders.NewService(backend, ledgerSvc, backend, hub, m, logger)
	authService := auth.NewAuthService(backend, cfg.JWT.Secret, cfg.JWT.TTL)

	if cfg.Seed {
		admin := seed.Admin{Username: cfg.Admin.Username, Password: cfg.Admin.Password}
		if _, err := seed.Run(ctx, backend, authService, admin, logger); err != nil {
			logger.Fatal("failed to seed store", zap.Error(err))
		}
	}

	handler := api.NewHandler(ordersSvc, ledgerSvc, authService, backend, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: []string{cfg.WS.Origin},
		Events:         hub,
		Metrics:        metrics.Handler(registry),
		Recorder:       m,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
