// Package memstore is an in-process implementation of the ledger, order and
// customer stores. Each write is atomic under one mutex and asset rows carry
// the same version token the Postgres store uses. WithinTx undoes a failed
// body's writes instead of isolating them.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/models"
)

type assetKey struct {
	customerID uuid.UUID
	symbol     string
}

// Store holds customers, assets and orders in memory
type Store struct {
	mu        sync.RWMutex
	customers map[uuid.UUID]models.Customer
	usernames map[string]uuid.UUID
	assets    map[assetKey]models.Asset
	orders    map[uuid.UUID]models.Order
	now       func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		customers: make(map[uuid.UUID]models.Customer),
		usernames: make(map[string]uuid.UUID),
		assets:    make(map[assetKey]models.Asset),
		orders:    make(map[uuid.UUID]models.Order),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

type txKey struct{}

type assetDelta struct {
	key           assetKey
	total, usable decimal.Decimal
}

type statusFlip struct {
	id     uuid.UUID
	target models.OrderStatus
}

// undoLog records the writes made inside WithinTx. Assets are undone by
// inverse deltas so writes from other goroutines in between survive.
type undoLog struct {
	assets  []assetDelta
	flips   []statusFlip
	created []uuid.UUID
}

func undoFrom(ctx context.Context) *undoLog {
	u, _ := ctx.Value(txKey{}).(*undoLog)
	return u
}

// WithinTx runs fn and, if it fails, reverts every write fn made through
// this store. Nested calls join the outer log.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if undoFrom(ctx) != nil {
		return fn(ctx)
	}
	u := &undoLog{}
	if err := fn(context.WithValue(ctx, txKey{}, u)); err != nil {
		s.rollback(u)
		return err
	}
	return nil
}

func (s *Store) rollback(u *undoLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range u.created {
		delete(s.orders, id)
	}
	for i := len(u.flips) - 1; i >= 0; i-- {
		f := u.flips[i]
		if o, ok := s.orders[f.id]; ok && o.Status == f.target {
			o.Status = models.StatusPending
			s.orders[f.id] = o
		}
	}
	for i := len(u.assets) - 1; i >= 0; i-- {
		d := u.assets[i]
		a, ok := s.assets[d.key]
		if !ok {
			continue
		}
		a.Total = a.Total.Sub(d.total)
		a.Usable = a.Usable.Sub(d.usable)
		a.Version++
		s.assets[d.key] = a
	}
}

// CreateCustomer inserts a new customer
func (s *Store) CreateCustomer(ctx context.Context, username, passwordHash string, role models.Role) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[username]; ok {
		return nil, apperr.InvalidArgument("username already taken")
	}
	c := models.Customer{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Enabled:      true,
		CreatedAt:    s.now(),
	}
	s.customers[c.ID] = c
	s.usernames[username] = c.ID
	return &c, nil
}

// GetCustomer retrieves a customer by id
func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, apperr.NotFound("customer not found")
	}
	return &c, nil
}

// GetCustomerByUsername retrieves a customer by username
func (s *Store) GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, apperr.NotFound("customer not found")
	}
	c := s.customers[id]
	return &c, nil
}

// CountCustomers returns the number of registered customers
func (s *Store) CountCustomers(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.customers), nil
}

// GetOrCreateAsset returns the (customer, symbol) pair, inserting a zeroed
// row if it does not exist yet.
func (s *Store) GetOrCreateAsset(ctx context.Context, customerID uuid.UUID, symbol string) (*models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := assetKey{customerID: customerID, symbol: symbol}

	s.mu.RLock()
	a, ok := s.assets[key]
	s.mu.RUnlock()
	if ok {
		return &a, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assets[key]; ok {
		return &a, nil
	}
	a = models.Asset{
		ID:         uuid.New(),
		CustomerID: customerID,
		Symbol:     symbol,
		Total:      decimal.Zero,
		Usable:     decimal.Zero,
		Version:    0,
	}
	s.assets[key] = a
	return &a, nil
}

// PutAsset overwrites a balance pair. Used for seeding.
func (s *Store) PutAsset(ctx context.Context, customerID uuid.UUID, symbol string, total, usable decimal.Decimal) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{customerID: customerID, symbol: symbol}
	a, ok := s.assets[key]
	if !ok {
		a = models.Asset{ID: uuid.New(), CustomerID: customerID, Symbol: symbol}
	}
	a.Total = total
	a.Usable = usable
	a.Version++
	s.assets[key] = a
	return &a, nil
}

// CompareAndSwapAsset writes Total and Usable if the stored version matches
func (s *Store) CompareAndSwapAsset(ctx context.Context, asset models.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{customerID: asset.CustomerID, symbol: asset.Symbol}
	cur, ok := s.assets[key]
	if !ok {
		return apperr.NotFound("asset not found")
	}
	if cur.Version != asset.Version {
		return apperr.ErrConflict
	}
	if u := undoFrom(ctx); u != nil {
		u.assets = append(u.assets, assetDelta{
			key:    key,
			total:  asset.Total.Sub(cur.Total),
			usable: asset.Usable.Sub(cur.Usable),
		})
	}
	cur.Total = asset.Total
	cur.Usable = asset.Usable
	cur.Version++
	s.assets[key] = cur
	return nil
}

// ListAssets returns a customer's assets ordered by symbol
func (s *Store) ListAssets(ctx context.Context, customerID uuid.UUID) ([]models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Asset{}
	for k, a := range s.assets {
		if k.customerID == customerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// CreateOrder stores a new order and assigns its id and timestamp
func (s *Store) CreateOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[order.CustomerID]; !ok {
		return nil, apperr.NotFound("customer not found")
	}
	order.ID = uuid.New()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now()
	}
	s.orders[order.ID] = order
	if u := undoFrom(ctx); u != nil {
		u.created = append(u.created, order.ID)
	}
	return &order, nil
}

// GetOrder retrieves an order by id
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order not found")
	}
	return &o, nil
}

// TransitionIfPending flips PENDING to target under the write lock.
// Only the caller that observed PENDING gets true.
func (s *Store) TransitionIfPending(ctx context.Context, id uuid.UUID, target models.OrderStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != models.StatusPending {
		return false, nil
	}
	o.Status = target
	s.orders[id] = o
	if u := undoFrom(ctx); u != nil {
		u.flips = append(u.flips, statusFlip{id: id, target: target})
	}
	return true, nil
}

// SearchOrders filters a customer's orders, newest first, and returns the
// page plus the total number of matches.
func (s *Store) SearchOrders(ctx context.Context, q models.OrderQuery) ([]models.Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Order
	for _, o := range s.orders {
		if o.CustomerID != q.CustomerID {
			continue
		}
		if o.CreatedAt.Before(q.From) || o.CreatedAt.After(q.To) {
			continue
		}
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		if q.Symbol != "" && o.Symbol != q.Symbol {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []models.Order{}, total, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	if matched == nil {
		matched = []models.Order{}
	}
	return matched, total, nil
}
