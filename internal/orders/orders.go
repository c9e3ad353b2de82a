package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/models"
)

const (
	DefaultRangeDays = 30
	MaxRangeDays     = 365
	DefaultPageSize  = 20
	MaxPageSize      = 100
)

// Store owns order records. TransitionIfPending must be a single conditional
// write: exactly one concurrent caller may observe true for a given order.
type Store interface {
	CreateOrder(ctx context.Context, order models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	TransitionIfPending(ctx context.Context, id uuid.UUID, target models.OrderStatus) (bool, error)
	SearchOrders(ctx context.Context, q models.OrderQuery) ([]models.Order, int, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Ledger is the subset of the asset ledger the lifecycle drives
type Ledger interface {
	Reserve(ctx context.Context, customerID uuid.UUID, symbol string, amount decimal.Decimal) error
	Release(ctx context.Context, customerID uuid.UUID, symbol string, amount decimal.Decimal) error
	Settle(ctx context.Context, customerID uuid.UUID, symbol string, totalDelta, usableDelta decimal.Decimal) error
}

// Transactor runs fn inside one storage transaction. The ctx handed to fn
// carries the transaction, and a failed fn leaves none of its writes behind.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier receives an event after every successful state change
type Notifier interface {
	Publish(event models.OrderEvent)
}

// Metrics receives lifecycle outcomes. A nil Metrics is allowed.
type Metrics interface {
	ObserveOrderOp(op, outcome string, d time.Duration)
}

// Service implements create, cancel and match on top of the ledger and store
type Service struct {
	store    Store
	ledger   Ledger
	tx       Transactor
	notifier Notifier
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates an order lifecycle service. notifier and metrics may be nil.
func NewService(store Store, ledger Ledger, tx Transactor, notifier Notifier, metrics Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		tx:       tx,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.Named("orders"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the request, reserves funds or shares and stores a PENDING order
func (s *Service) Create(ctx context.Context, customerID uuid.UUID, symbol string, side models.OrderSide, size, price decimal.Decimal) (order *models.Order, err error) {
	start := time.Now()
	defer func() { s.observe("create", err, start) }()

	if err := validateNewOrder(symbol, side, size, price); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}

	s.logger.Info("creating order",
		zap.String("customer_id", customerID.String()),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("size", size.String()),
		zap.String("price", price.String()),
	)

	pending := models.Order{
		CustomerID: customerID,
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		Price:      price,
		Status:     models.StatusPending,
		CreatedAt:  s.now(),
	}
	reserveSymbol, amount := pending.Reservation()

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.Reserve(ctx, customerID, reserveSymbol, amount); err != nil {
			return err
		}
		created, err := s.store.CreateOrder(ctx, pending)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		order = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created", zap.String("order_id", order.ID.String()))
	s.publish(models.EventOrderCreated, *order)
	return order, nil
}

// Get returns a single order
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// Cancel flips a PENDING order to CANCELED and releases its reservation.
// Canceling an already canceled order is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (err error) {
	start := time.Now()
	defer func() { s.observe("cancel", err, start) }()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	won := false
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		changed, err := s.store.TransitionIfPending(ctx, orderID, models.StatusCanceled)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		if !changed {
			return nil
		}
		won = true
		symbol, amount := o.Reservation()
		return s.ledger.Release(ctx, o.CustomerID, symbol, amount)
	})
	if err != nil {
		return err
	}

	if won {
		o.Status = models.StatusCanceled
		s.logger.Info("canceled order", zap.String("order_id", orderID.String()))
		s.publish(models.EventOrderCanceled, *o)
		return nil
	}

	cur, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if cur.Status == models.StatusCanceled {
		s.logger.Info("cancel no-op, order already canceled", zap.String("order_id", orderID.String()))
		return nil
	}
	return apperr.InvalidState("only PENDING orders can be canceled")
}

// Match settles a PENDING order at its own price. Matching an already
// matched order is a no-op.
func (s *Service) Match(ctx context.Context, orderID uuid.UUID) (err error) {
	start := time.Now()
	defer func() { s.observe("match", err, start) }()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	won := false
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		changed, err := s.store.TransitionIfPending(ctx, orderID, models.StatusMatched)
		if err != nil {
			return fmt.Errorf("failed to match order: %w", err)
		}
		if !changed {
			return nil
		}
		won = true
		return s.settle(ctx, *o)
	})
	if err != nil {
		return err
	}

	if won {
		o.Status = models.StatusMatched
		s.logger.Info("matched order",
			zap.String("order_id", orderID.String()),
			zap.String("customer_id", o.CustomerID.String()),
			zap.String("symbol", o.Symbol),
			zap.String("side", string(o.Side)),
			zap.String("size", o.Size.String()),
			zap.String("price", o.Price.String()),
		)
		s.publish(models.EventOrderMatched, *o)
		return nil
	}

	cur, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if cur.Status == models.StatusMatched {
		s.logger.Info("match no-op, order already matched", zap.String("order_id", orderID.String()))
		return nil
	}
	return apperr.InvalidState("only PENDING orders can be matched")
}

type settlementLeg struct {
	symbol string
	total  decimal.Decimal
	usable decimal.Decimal
}

// settlementLegs returns the balance changes a match applies, sorted by
// symbol so every match locks a customer's rows in the same order. The
// reservation taken at create already lowered usable on the paying side.
func settlementLegs(o models.Order) []settlementLeg {
	notional := models.Notional(o.Price, o.Size)
	var legs []settlementLeg
	if o.Side == models.SideBuy {
		legs = []settlementLeg{
			{symbol: models.QuoteSymbol, total: notional.Neg(), usable: decimal.Zero},
			{symbol: o.Symbol, total: o.Size, usable: o.Size},
		}
	} else {
		legs = []settlementLeg{
			{symbol: o.Symbol, total: o.Size.Neg(), usable: decimal.Zero},
			{symbol: models.QuoteSymbol, total: notional, usable: notional},
		}
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].symbol < legs[j].symbol })
	return legs
}

func (s *Service) settle(ctx context.Context, o models.Order) error {
	for _, leg := range settlementLegs(o) {
		if err := s.ledger.Settle(ctx, o.CustomerID, leg.symbol, leg.total, leg.usable); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(typ models.OrderEventType, o models.Order) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(models.OrderEvent{Type: typ, Order: o, At: s.now()})
}

func (s *Service) observe(op string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(apperr.KindOf(err).Code())
	}
	s.metrics.ObserveOrderOp(op, outcome, time.Since(start))
}

func validateNewOrder(symbol string, side models.OrderSide, size, price decimal.Decimal) error {
	if strings.TrimSpace(symbol) == "" {
		return apperr.InvalidArgument("assetName is required")
	}
	if !side.Valid() {
		return apperr.InvalidArgument("side is required")
	}
	if !size.IsPositive() {
		return apperr.InvalidArgument("size must be > 0")
	}
	if !price.IsPositive() {
		return apperr.InvalidArgument("price must be > 0")
	}
	if !fitsScale(size) {
		return apperr.InvalidArgument(fmt.Sprintf("size must have at most %d fractional digits", models.AmountScale))
	}
	if !fitsScale(price) {
		return apperr.InvalidArgument(fmt.Sprintf("price must have at most %d fractional digits", models.AmountScale))
	}
	if !models.Notional(price, size).IsPositive() {
		return apperr.InvalidArgument(fmt.Sprintf("order value price*size rounds to zero at %d fractional digits", models.AmountScale))
	}
	return nil
}

func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(models.AmountScale))
}
