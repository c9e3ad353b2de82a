// Package seed loads the demo customers and balances into an empty store.
package seed

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/models"
)

type Store interface {
	CountCustomers(ctx context.Context) (int, error)
	PutAsset(ctx context.Context, customerID uuid.UUID, symbol string, total, usable decimal.Decimal) (*models.Asset, error)
}

type Registrar interface {
	Register(ctx context.Context, username, password string) (*models.Customer, error)
	RegisterAdmin(ctx context.Context, username, password string) (*models.Customer, error)
}

type account struct {
	username string
	password string
	symbol   string
	amount   string
}

var demoAccounts = []account{
	{username: "alice", password: "alice123", symbol: models.QuoteSymbol, amount: "500.0000"},
	{username: "bob", password: "bob123", symbol: "GOOGL", amount: "50.0000"},
	{username: "John", password: "john123", symbol: "TSLA", amount: "75.5000"},
}

// Admin is the optional administrator account. An empty Password skips it.
type Admin struct {
	Username string
	Password string
}

// Run seeds the demo data when the store has no customers yet. It reports
// whether anything was written.
func Run(ctx context.Context, store Store, reg Registrar, admin Admin, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	n, err := store.CountCustomers(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count customers: %w", err)
	}
	if n > 0 {
		logger.Info("store already has customers, skipping seed", zap.Int("customers", n))
		return false, nil
	}

	for _, a := range demoAccounts {
		c, err := reg.Register(ctx, a.username, a.password)
		if err != nil {
			return false, fmt.Errorf("failed to seed customer %s: %w", a.username, err)
		}
		amount := decimal.RequireFromString(a.amount)
		if _, err := store.PutAsset(ctx, c.ID, a.symbol, amount, amount); err != nil {
			return false, fmt.Errorf("failed to seed %s for %s: %w", a.symbol, a.username, err)
		}
		logger.Info("seeded customer",
			zap.String("username", a.username),
			zap.String("symbol", a.symbol),
			zap.String("amount", a.amount),
		)
	}

	if admin.Password == "" {
		logger.Warn("no admin password configured, admin account not seeded")
		return true, nil
	}
	if _, err := reg.RegisterAdmin(ctx, admin.Username, admin.Password); err != nil {
		return false, fmt.Errorf("failed to seed admin: %w", err)
	}
	logger.Info("seeded admin", zap.String("username", admin.Username))
	return true, nil
}
