package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/ledger"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/orders"
)

var testDB *DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("BROKERAGE_TEST_DSN")
	if dsn == "" {
		// no database configured, every test in this package skips
		os.Exit(m.Run())
	}

	ctx := context.Background()
	db, err := NewDB(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	os.Exit(code)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// setup truncates every table and returns a fresh customer
func setup(t *testing.T) uuid.UUID {
	t.Helper()
	if testDB == nil {
		t.Skip("BROKERAGE_TEST_DSN not set")
	}
	_, err := testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE orders, assets, customers")
	require.NoError(t, err)

	c, err := testDB.CreateCustomer(context.Background(), "alice", "hash", models.RoleCustomer)
	require.NoError(t, err)
	return c.ID
}

func TestDB_CreateCustomer(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	_, err := testDB.CreateCustomer(ctx, "alice", "other", models.RoleCustomer)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)

	got, err := testDB.GetCustomerByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, customerID, got.ID)
	assert.Equal(t, models.RoleCustomer, got.Role)
	assert.True(t, got.Enabled)

	_, err = testDB.GetCustomer(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	n, err := testDB.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDB_Assets(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	a, err := testDB.GetOrCreateAsset(ctx, customerID, "AAPL")
	require.NoError(t, err)
	assert.True(t, a.Total.IsZero())
	assert.Equal(t, int64(0), a.Version)

	put, err := testDB.PutAsset(ctx, customerID, "AAPL", dec("100.5"), dec("80.25"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, put.ID)
	assert.True(t, put.Total.Equal(dec("100.5")))
	assert.Equal(t, int64(1), put.Version)

	stale := *put
	put.Usable = dec("70")
	require.NoError(t, testDB.CompareAndSwapAsset(ctx, *put))

	stale.Usable = dec("60")
	err = testDB.CompareAndSwapAsset(ctx, stale)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	assets, err := testDB.ListAssets(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.True(t, assets[0].Usable.Equal(dec("70")))
	assert.Equal(t, int64(2), assets[0].Version)
}

func TestDB_GetOrCreateAsset_Concurrent(t *testing.T) {
	customerID := setup(t)

	var wg sync.WaitGroup
	n := 10
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			a, err := testDB.GetOrCreateAsset(context.Background(), customerID, "TSLA")
			errs[i] = err
			if err == nil {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		assert.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestDB_TransitionIfPending(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	o, err := testDB.CreateOrder(ctx, models.Order{
		CustomerID: customerID,
		Symbol:     "AAPL",
		Side:       models.SideBuy,
		Size:       dec("10"),
		Price:      dec("50"),
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		target models.OrderStatus
		expect bool
	}{
		{name: "FirstWins", target: models.StatusCanceled, expect: true},
		{name: "SecondLoses", target: models.StatusMatched, expect: false},
		{name: "RepeatLoses", target: models.StatusCanceled, expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := testDB.TransitionIfPending(ctx, o.ID, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, changed)
		})
	}

	got, err := testDB.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)

	_, err = testDB.GetOrder(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDB_TransitionIfPending_Concurrent(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	o, err := testDB.CreateOrder(ctx, models.Order{
		CustomerID: customerID,
		Symbol:     "AAPL",
		Side:       models.SideSell,
		Size:       dec("1"),
		Price:      dec("1"),
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	n := 10
	successCount := 0
	wg.Add(n)
	for i := 0; i < n; i++ {
		target := models.StatusCanceled
		if i%2 == 0 {
			target = models.StatusMatched
		}
		go func() {
			defer wg.Done()
			changed, err := testDB.TransitionIfPending(ctx, o.ID, target)
			if err == nil && changed {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount)
}

func TestDB_SearchOrders(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	seed := []models.Order{
		{Symbol: "AAPL", Side: models.SideBuy, Status: models.StatusPending, CreatedAt: base},
		{Symbol: "AAPL", Side: models.SideSell, Status: models.StatusMatched, CreatedAt: base.Add(time.Hour)},
		{Symbol: "GOOGL", Side: models.SideBuy, Status: models.StatusCanceled, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, o := range seed {
		o.CustomerID = customerID
		o.Size = dec("1")
		o.Price = dec("2.5")
		_, err := testDB.CreateOrder(ctx, o)
		require.NoError(t, err)
	}

	tests := []struct {
		name        string
		query       models.OrderQuery
		expectCount int
		expectTotal int
		expectFirst string
	}{
		{name: "All", query: models.OrderQuery{}, expectCount: 3, expectTotal: 3, expectFirst: "GOOGL"},
		{name: "BySymbol", query: models.OrderQuery{Symbol: "AAPL"}, expectCount: 2, expectTotal: 2, expectFirst: "AAPL"},
		{name: "ByStatus", query: models.OrderQuery{Status: models.StatusMatched}, expectCount: 1, expectTotal: 1, expectFirst: "AAPL"},
		{name: "Paged", query: models.OrderQuery{Limit: 1, Offset: 1}, expectCount: 1, expectTotal: 3, expectFirst: "AAPL"},
		{name: "CaseSensitive", query: models.OrderQuery{Symbol: "aapl"}, expectCount: 0, expectTotal: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			q.CustomerID = customerID
			q.From = base.Add(-time.Hour)
			q.To = base.Add(3 * time.Hour)

			got, total, err := testDB.SearchOrders(ctx, q)
			require.NoError(t, err)
			assert.Len(t, got, tt.expectCount)
			assert.Equal(t, tt.expectTotal, total)
			if tt.expectCount > 0 {
				assert.Equal(t, tt.expectFirst, got[0].Symbol)
				assert.True(t, got[0].Price.Equal(dec("2.5")))
			}
		})
	}
}

func TestDB_WithinTxRollsBack(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := testDB.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := testDB.PutAsset(ctx, customerID, "TRY", dec("10"), dec("10")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assets, err := testDB.ListAssets(ctx, customerID)
	require.NoError(t, err)
	assert.Empty(t, assets)
}

// End to end against Postgres: racing cancel and match must apply exactly one
// side effect.
func TestDB_CancelMatchRace(t *testing.T) {
	customerID := setup(t)
	ctx := context.Background()

	led := ledger.NewService(testDB, nil, nil, ledger.Options{MaxRetries: 50, Backoff: time.Millisecond})
	svc := orders.NewService(testDB, led, testDB, nil, nil, nil)

	_, err := testDB.PutAsset(ctx, customerID, "TRY", dec("1000"), dec("1000"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		o, err := svc.Create(ctx, customerID, "AAPL", models.SideBuy, dec("1"), dec("10"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = svc.Cancel(ctx, o.ID)
		}()
		go func() {
			defer wg.Done()
			_ = svc.Match(ctx, o.ID)
		}()
		wg.Wait()
	}

	var matched int
	err = testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders WHERE status = 'MATCHED'").Scan(&matched)
	require.NoError(t, err)

	try, err := testDB.GetOrCreateAsset(ctx, customerID, "TRY")
	require.NoError(t, err)
	aapl, err := testDB.GetOrCreateAsset(ctx, customerID, "AAPL")
	require.NoError(t, err)

	spent := decimal.NewFromInt(int64(matched * 10))
	assert.True(t, try.Total.Equal(dec("1000").Sub(spent)), "TRY total=%s", try.Total)
	assert.True(t, try.Usable.Equal(try.Total), "TRY usable=%s", try.Usable)
	assert.True(t, aapl.Total.Equal(decimal.NewFromInt(int64(matched))), "AAPL total=%s", aapl.Total)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantConflict bool
	}{
		{name: "Deadlock", err: &pgconn.PgError{Code: deadlockDetected}, wantConflict: true},
		{name: "SerializationFailure", err: &pgconn.PgError{Code: serializationFailure}, wantConflict: true},
		{name: "AbortedTransaction", err: &pgconn.PgError{Code: inFailedTransaction}, wantConflict: true},
		{name: "WrappedDeadlock", err: fmt.Errorf("failed to update asset: %w", &pgconn.PgError{Code: deadlockDetected}), wantConflict: true},
		{name: "UniqueViolation", err: &pgconn.PgError{Code: uniqueViolation}},
		{name: "Plain", err: errors.New("connection reset")},
		{name: "Classified", err: apperr.InsufficientBalance("Insufficient TRY usable balance")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.wantConflict, errors.Is(got, apperr.ErrConflict))
			assert.ErrorIs(t, got, tt.err)
			if tt.wantConflict {
				assert.Equal(t, "CONFLICT", apperr.KindOf(got).Code())
			}
		})
	}
}
