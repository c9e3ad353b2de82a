package seed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/memstore"
	"github.com/xtrntr/brokerage/internal/models"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	authService := auth.NewAuthService(store, "secret", time.Hour)

	seeded, err := Run(ctx, store, authService, Admin{Username: "admin", Password: "adminpass"}, nil)
	require.NoError(t, err)
	assert.True(t, seeded)

	n, err := store.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	tests := []struct {
		username string
		symbol   string
		amount   string
	}{
		{username: "alice", symbol: "TRY", amount: "500"},
		{username: "bob", symbol: "GOOGL", amount: "50"},
		{username: "John", symbol: "TSLA", amount: "75.5"},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			c, err := store.GetCustomerByUsername(ctx, tt.username)
			require.NoError(t, err)
			assert.Equal(t, models.RoleCustomer, c.Role)

			assets, err := store.ListAssets(ctx, c.ID)
			require.NoError(t, err)
			require.Len(t, assets, 1)
			assert.Equal(t, tt.symbol, assets[0].Symbol)
			assert.True(t, assets[0].Total.Equal(decimal.RequireFromString(tt.amount)))
			assert.True(t, assets[0].Usable.Equal(assets[0].Total))
		})
	}

	admin, err := store.GetCustomerByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)

	_, err = authService.Login(ctx, "alice", "alice123")
	assert.NoError(t, err)

	// second run is a no-op
	seeded, err = Run(ctx, store, authService, Admin{Username: "admin", Password: "adminpass"}, nil)
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestRun_WithoutAdmin(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	seeded, err := Run(ctx, store, auth.NewAuthService(store, "secret", time.Hour), Admin{}, nil)
	require.NoError(t, err)
	assert.True(t, seeded)

	n, err := store.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
