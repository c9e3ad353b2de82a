package orders

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/models"
)

// Filter narrows a customer's order listing. Nil From/To fall back to the
// default window ending now.
type Filter struct {
	From   *time.Time
	To     *time.Time
	Status models.OrderStatus
	Symbol string
}

// Page is one slice of a paged listing
type Page struct {
	Orders        []models.Order `json:"content"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	TotalElements int            `json:"total_elements"`
	TotalPages    int            `json:"total_pages"`
}

// List returns every order in the filter window, newest first
func (s *Service) List(ctx context.Context, customerID uuid.UUID, f Filter) ([]models.Order, error) {
	q, err := s.buildQuery(ctx, customerID, f)
	if err != nil {
		return nil, err
	}
	out, _, err := s.store.SearchOrders(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return out, nil
}

// ListPage returns one page of the filter window. page is zero based;
// size defaults to DefaultPageSize and is capped at MaxPageSize.
func (s *Service) ListPage(ctx context.Context, customerID uuid.UUID, f Filter, page, size int) (*Page, error) {
	if page < 0 {
		return nil, apperr.InvalidArgument("page must be >= 0")
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page > math.MaxInt/size {
		return nil, apperr.InvalidArgument("page out of range")
	}

	q, err := s.buildQuery(ctx, customerID, f)
	if err != nil {
		return nil, err
	}
	q.Limit = size
	q.Offset = page * size

	out, total, err := s.store.SearchOrders(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return &Page{
		Orders:        out,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
	}, nil
}

func (s *Service) buildQuery(ctx context.Context, customerID uuid.UUID, f Filter) (models.OrderQuery, error) {
	from, to, err := normalizeRange(f.From, f.To, s.now())
	if err != nil {
		return models.OrderQuery{}, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return models.OrderQuery{}, apperr.InvalidArgument("unknown order status")
	}
	if _, err := s.store.GetCustomer(ctx, customerID); err != nil {
		return models.OrderQuery{}, err
	}
	return models.OrderQuery{
		CustomerID: customerID,
		From:       from,
		To:         to,
		Status:     f.Status,
		Symbol:     strings.TrimSpace(f.Symbol),
	}, nil
}

// normalizeRange applies the default window, requires from <= to and caps
// the window length.
func normalizeRange(from, to *time.Time, now time.Time) (time.Time, time.Time, error) {
	safeTo := now
	if to != nil {
		safeTo = *to
	}
	safeFrom := safeTo.AddDate(0, 0, -DefaultRangeDays)
	if from != nil {
		safeFrom = *from
	}
	if safeFrom.After(safeTo) {
		return time.Time{}, time.Time{}, apperr.InvalidArgument("'from' must be before or equal to 'to'")
	}
	// whole days only, so anything short of MaxRangeDays+1 passes
	if safeTo.Sub(safeFrom) >= (MaxRangeDays+1)*24*time.Hour {
		return time.Time{}, time.Time{}, apperr.InvalidArgument(fmt.Sprintf("Date range too large. Max: %d days", MaxRangeDays))
	}
	return safeFrom, safeTo, nil
}
