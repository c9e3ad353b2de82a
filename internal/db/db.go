package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	uniqueViolation      = "23505"
	inFailedTransaction  = "25P02"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// querier is satisfied by both the pool and an open transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks the pool can reach the server
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate applies the embedded schema files in name order
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// WithinTx runs fn in a transaction. Store calls made with the ctx passed to
// fn join it; nested calls reuse the outer transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify turns errors that abort a transaction because of a concurrent
// writer into apperr.Conflict so callers can retry the whole operation.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case deadlockDetected, serializationFailure, inFailedTransaction:
		return apperr.Conflict("transaction aborted by a concurrent update", err)
	}
	return err
}

func (db *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.Pool
}

// CreateCustomer inserts a new customer
func (db *DB) CreateCustomer(ctx context.Context, username, passwordHash string, role models.Role) (*models.Customer, error) {
	c := &models.Customer{}
	err := db.q(ctx).QueryRow(ctx,
		`INSERT INTO customers (username, password_hash, role) VALUES ($1, $2, $3)
		 RETURNING id, username, password_hash, role, enabled, created_at`,
		username, passwordHash, string(role)).Scan(&c.ID, &c.Username, &c.PasswordHash, &c.Role, &c.Enabled, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, apperr.InvalidArgument("username already taken")
		}
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return c, nil
}

// GetCustomer retrieves a customer by id
func (db *DB) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	return db.getCustomer(ctx, "id = $1", id)
}

// GetCustomerByUsername retrieves a customer by username
func (db *DB) GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error) {
	return db.getCustomer(ctx, "username = $1", username)
}

func (db *DB) getCustomer(ctx context.Context, where string, arg any) (*models.Customer, error) {
	c := &models.Customer{}
	err := db.q(ctx).QueryRow(ctx,
		"SELECT id, username, password_hash, role, enabled, created_at FROM customers WHERE "+where,
		arg).Scan(&c.ID, &c.Username, &c.PasswordHash, &c.Role, &c.Enabled, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("customer not found")
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// CountCustomers returns the number of registered customers
func (db *DB) CountCustomers(ctx context.Context) (int, error) {
	var n int
	if err := db.q(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM customers").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count customers: %w", err)
	}
	return n, nil
}

const assetColumns = "id, customer_id, symbol, total::text, usable::text, version"

// GetOrCreateAsset returns the (customer, symbol) row, inserting a zeroed one
// first if needed. Concurrent first references converge on one row.
func (db *DB) GetOrCreateAsset(ctx context.Context, customerID uuid.UUID, symbol string) (*models.Asset, error) {
	_, err := db.q(ctx).Exec(ctx,
		`INSERT INTO assets (customer_id, symbol) VALUES ($1, $2)
		 ON CONFLICT (customer_id, symbol) DO NOTHING`,
		customerID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}

	a, err := scanAsset(db.q(ctx).QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE customer_id = $1 AND symbol = $2",
		customerID, symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// PutAsset overwrites a balance pair. Used for seeding.
func (db *DB) PutAsset(ctx context.Context, customerID uuid.UUID, symbol string, total, usable decimal.Decimal) (*models.Asset, error) {
	a, err := scanAsset(db.q(ctx).QueryRow(ctx,
		`INSERT INTO assets (customer_id, symbol, total, usable) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (customer_id, symbol)
		 DO UPDATE SET total = EXCLUDED.total, usable = EXCLUDED.usable, version = assets.version + 1
		 RETURNING `+assetColumns,
		customerID, symbol, total.String(), usable.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to put asset: %w", err)
	}
	return a, nil
}

// CompareAndSwapAsset writes the balances only if the row still carries
// asset.Version.
func (db *DB) CompareAndSwapAsset(ctx context.Context, asset models.Asset) error {
	tag, err := db.q(ctx).Exec(ctx,
		`UPDATE assets SET total = $1, usable = $2, version = version + 1
		 WHERE id = $3 AND version = $4`,
		asset.Total.String(), asset.Usable.String(), asset.ID, asset.Version)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrConflict
	}
	return nil
}

// ListAssets returns a customer's assets ordered by symbol
func (db *DB) ListAssets(ctx context.Context, customerID uuid.UUID) ([]models.Asset, error) {
	rows, err := db.q(ctx).Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE customer_id = $1 ORDER BY symbol",
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := []models.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

const orderColumns = "id, customer_id, symbol, side, size::text, price::text, status, created_at"

// CreateOrder inserts a new order
func (db *DB) CreateOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	o, err := scanOrder(db.q(ctx).QueryRow(ctx,
		`INSERT INTO orders (customer_id, symbol, side, size, price, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+orderColumns,
		order.CustomerID, order.Symbol, string(order.Side), order.Size.String(), order.Price.String(),
		string(order.Status), order.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(db.q(ctx).QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("order not found")
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// TransitionIfPending moves a PENDING order to target. The row lock taken by
// the UPDATE serializes racing callers; only one sees a row affected.
func (db *DB) TransitionIfPending(ctx context.Context, id uuid.UUID, target models.OrderStatus) (bool, error) {
	tag, err := db.q(ctx).Exec(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2 AND status = 'PENDING'",
		string(target), id)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SearchOrders returns one page of a customer's orders, newest first, plus
// the total number of matches.
func (db *DB) SearchOrders(ctx context.Context, q models.OrderQuery) ([]models.Order, int, error) {
	where := []string{"customer_id = $1", "created_at >= $2", "created_at <= $3"}
	args := []any{q.CustomerID, q.From, q.To}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Symbol != "" {
		args = append(args, q.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.q(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM orders WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	sql := "SELECT " + orderColumns + " FROM orders WHERE " + cond + " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to search orders: %w", err)
	}
	return orders, total, nil
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var a models.Asset
	var total, usable string
	if err := row.Scan(&a.ID, &a.CustomerID, &a.Symbol, &total, &usable, &a.Version); err != nil {
		return nil, err
	}
	var err error
	if a.Total, err = decimal.NewFromString(strings.TrimSpace(total)); err != nil {
		return nil, fmt.Errorf("invalid total %q: %w", total, err)
	}
	if a.Usable, err = decimal.NewFromString(strings.TrimSpace(usable)); err != nil {
		return nil, fmt.Errorf("invalid usable %q: %w", usable, err)
	}
	return &a, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var size, price string
	if err := row.Scan(&o.ID, &o.CustomerID, &o.Symbol, &o.Side, &size, &price, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Size, err = decimal.NewFromString(strings.TrimSpace(size)); err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", size, err)
	}
	if o.Price, err = decimal.NewFromString(strings.TrimSpace(price)); err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}
