package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/ledger"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/orders"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Orders      *orders.Service
	Ledger      *ledger.Service
	AuthService *auth.AuthService
	Store       Pinger
	Logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ordersSvc *orders.Service, ledgerSvc *ledger.Service, authService *auth.AuthService, store Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Orders:      ordersSvc,
		Ledger:      ledgerSvc,
		AuthService: authService,
		Store:       store,
		Logger:      logger.Named("api"),
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles customer registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidArgument("invalid request body"))
		return
	}

	c, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       c.ID,
		"username": c.Username,
		"role":     c.Role,
	})
}

// Login handles customer login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidArgument("invalid request body"))
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Health pings the store
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.Logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListAssets returns a customer's balances
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	customerID, err := h.targetCustomer(r, r.URL.Query().Get("customerId"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	assets, err := h.Ledger.List(r.Context(), customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

type createOrderRequest struct {
	CustomerID string           `json:"customer_id"`
	AssetName  string           `json:"asset_name"`
	Side       models.OrderSide `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	Price      decimal.Decimal  `json:"price"`
}

// CreateOrder reserves funds or shares and stores a PENDING order
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidArgument("invalid request body"))
		return
	}

	customerID, err := h.targetCustomer(r, req.CustomerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	order, err := h.Orders.Create(r.Context(), customerID, req.AssetName, req.Side, req.Size, req.Price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders returns every order in the requested window
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	customerID, f, err := h.orderFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out, err := h.Orders.List(r.Context(), customerID, f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListOrdersPaged returns one page of the requested window
func (h *Handler) ListOrdersPaged(w http.ResponseWriter, r *http.Request) {
	customerID, f, err := h.orderFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := intParam(r, "page", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	size, err := intParam(r, "size", orders.DefaultPageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out, err := h.Orders.ListPage(r.Context(), customerID, f, page, size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelOrder cancels a PENDING order owned by the caller
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, apperr.InvalidArgument("invalid order id"))
		return
	}

	p, _ := principalFrom(r.Context())
	if !p.IsAdmin() {
		o, err := h.Orders.Get(r.Context(), orderID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if !p.CanAccess(o.CustomerID) {
			// hide other customers' orders
			h.writeError(w, apperr.NotFound("order not found"))
			return
		}
	}

	if err := h.Orders.Cancel(r.Context(), orderID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MatchOrder settles a PENDING order. Admin only.
func (h *Handler) MatchOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, apperr.InvalidArgument("invalid order id"))
		return
	}

	if err := h.Orders.Match(r.Context(), orderID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// targetCustomer resolves the customer a request acts on. An empty raw id
// means the caller; anyone else needs the admin role.
func (h *Handler) targetCustomer(r *http.Request, raw string) (uuid.UUID, error) {
	p, ok := principalFrom(r.Context())
	if !ok {
		return uuid.Nil, apperr.Unauthorized("unauthorized")
	}
	if raw == "" {
		return p.CustomerID, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.InvalidArgument("invalid customerId")
	}
	if !p.CanAccess(id) {
		return uuid.Nil, apperr.Forbidden("access denied")
	}
	return id, nil
}

func (h *Handler) orderFilter(r *http.Request) (uuid.UUID, orders.Filter, error) {
	q := r.URL.Query()
	customerID, err := h.targetCustomer(r, q.Get("customerId"))
	if err != nil {
		return uuid.Nil, orders.Filter{}, err
	}

	f := orders.Filter{
		Status: models.OrderStatus(q.Get("status")),
		Symbol: q.Get("assetName"),
	}
	if f.From, err = timeParam(r, "from"); err != nil {
		return uuid.Nil, orders.Filter{}, err
	}
	if f.To, err = timeParam(r, "to"); err != nil {
		return uuid.Nil, orders.Filter{}, err
	}
	return customerID, f, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.InvalidArgument("'" + name + "' must be an RFC3339 timestamp")
	}
	return &t, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidArgument("'" + name + "' must be an integer")
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		h.Logger.Error("request failed", zap.Error(err))
	} else if errors.Is(err, apperr.ErrConflict) {
		h.Logger.Warn("request lost a write conflict", zap.Error(err))
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Code: kind.Code(), Message: apperr.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
