package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/config"
	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/logging"
	"github.com/xtrntr/brokerage/internal/seed"
)

// Seed the database with the demo customers and balances
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DB.DSN == "" {
		log.Fatalf("BROKERAGE_DB_DSN is required to seed a database")
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	authService := auth.NewAuthService(database, cfg.JWT.Secret, cfg.JWT.TTL)
	admin := seed.Admin{Username: cfg.Admin.Username, Password: cfg.Admin.Password}

	seeded, err := seed.Run(ctx, database, authService, admin, logger)
	if err != nil {
		logger.Fatal("failed to seed database", zap.Error(err))
	}
	if seeded {
		logger.Info("successfully seeded the database")
	}
}
