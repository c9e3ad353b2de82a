package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/models"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = 10 * time.Millisecond
)

// Store is the persistence contract the ledger needs. CompareAndSwapAsset must
// write Total and Usable only when the stored version still equals
// asset.Version, bump the version, and report apperr.ErrConflict otherwise.
type Store interface {
	GetOrCreateAsset(ctx context.Context, customerID uuid.UUID, symbol string) (*models.Asset, error)
	CompareAndSwapAsset(ctx context.Context, asset models.Asset) error
	ListAssets(ctx context.Context, customerID uuid.UUID) ([]models.Asset, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Metrics receives ledger counters. A nil Metrics is allowed.
type Metrics interface {
	IncLedgerConflict(op string)
}

type Options struct {
	MaxRetries int
	Backoff    time.Duration
}

// Service owns every mutation of asset balances
type Service struct {
	store      Store
	logger     *zap.Logger
	metrics    Metrics
	maxRetries int
	backoff    time.Duration
}

// NewService creates a ledger service
func NewService(store Store, logger *zap.Logger, metrics Metrics, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	return &Service{
		store:      store,
		logger:     logger.Named("ledger"),
		metrics:    metrics,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
	}
}

// GetOrCreate returns the customer's balance pair for symbol, creating a
// zeroed one on first reference.
func (s *Service) GetOrCreate(ctx context.Context, customerID uuid.UUID, symbol string) (*models.Asset, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, apperr.InvalidArgument("asset name is required")
	}
	return s.store.GetOrCreateAsset(ctx, customerID, symbol)
}

// List returns every balance pair the customer holds
func (s *Service) List(ctx context.Context, customerID uuid.UUID) ([]models.Asset, error) {
	if _, err := s.store.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.store.ListAssets(ctx, customerID)
}

// Reserve moves amount out of usable. It fails with InsufficientBalance and
// leaves the balance untouched when usable < amount.
func (s *Service) Reserve(ctx context.Context, customerID uuid.UUID, symbol string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.InvalidArgument("reserve amount must be > 0")
	}
	return s.mutate(ctx, "reserve", customerID, symbol, func(a *models.Asset) error {
		if a.Usable.LessThan(amount) {
			return apperr.InsufficientBalance(fmt.Sprintf("Insufficient %s usable balance", symbol))
		}
		a.Usable = a.Usable.Sub(amount)
		return nil
	})
}

// Release returns amount to usable. Callers release only what they reserved.
func (s *Service) Release(ctx context.Context, customerID uuid.UUID, symbol string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.InvalidArgument("release amount must be > 0")
	}
	return s.mutate(ctx, "release", customerID, symbol, func(a *models.Asset) error {
		a.Usable = a.Usable.Add(amount)
		return nil
	})
}

// Settle applies both deltas in one write
func (s *Service) Settle(ctx context.Context, customerID uuid.UUID, symbol string, totalDelta, usableDelta decimal.Decimal) error {
	return s.mutate(ctx, "settle", customerID, symbol, func(a *models.Asset) error {
		a.Total = a.Total.Add(totalDelta)
		a.Usable = a.Usable.Add(usableDelta)
		return nil
	})
}

// mutate runs read, apply, compare-and-swap until the swap lands or the
// retry budget is spent. apply errors end the loop without a write.
func (s *Service) mutate(ctx context.Context, op string, customerID uuid.UUID, symbol string, apply func(a *models.Asset) error) error {
	if strings.TrimSpace(symbol) == "" {
		return apperr.InvalidArgument("asset name is required")
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, err := s.store.GetOrCreateAsset(ctx, customerID, symbol)
		if err != nil {
			return err
		}

		next := *current
		if err := apply(&next); err != nil {
			return err
		}
		if err := checkInvariant(next); err != nil {
			s.logger.Warn("rejected balance update",
				zap.String("op", op),
				zap.String("customer_id", customerID.String()),
				zap.String("symbol", symbol),
				zap.String("total", next.Total.String()),
				zap.String("usable", next.Usable.String()),
			)
			return err
		}

		err = s.store.CompareAndSwapAsset(ctx, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return err
		}

		lastErr = err
		if s.metrics != nil {
			s.metrics.IncLedgerConflict(op)
		}
		s.logger.Debug("balance version conflict, retrying",
			zap.String("op", op),
			zap.String("customer_id", customerID.String()),
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
		)
		if err := sleep(ctx, backoffDuration(s.backoff, attempt)); err != nil {
			return err
		}
	}

	s.logger.Warn("balance update retries exhausted",
		zap.String("op", op),
		zap.String("customer_id", customerID.String()),
		zap.String("symbol", symbol),
		zap.Int("attempts", s.maxRetries),
	)
	return apperr.Conflict(fmt.Sprintf("%s %s: retries exhausted", op, symbol), lastErr)
}

func checkInvariant(a models.Asset) error {
	if a.Usable.IsNegative() || a.Total.IsNegative() || a.Usable.GreaterThan(a.Total) {
		return apperr.InvalidState(fmt.Sprintf("balance for %s would become inconsistent", a.Symbol))
	}
	return nil
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	return base * time.Duration(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
