package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteSymbol is the currency BUY orders reserve and SELL orders settle into.
const QuoteSymbol = "TRY"

// AmountScale is the number of fractional digits every balance and order
// amount is kept at.
const AmountScale = 4

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Valid reports whether s is one of the known sides
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"
	StatusMatched  OrderStatus = "MATCHED"
	StatusCanceled OrderStatus = "CANCELED"
)

// Valid reports whether s is one of the known statuses
func (s OrderStatus) Valid() bool {
	return s == StatusPending || s == StatusMatched || s == StatusCanceled
}

// Customer represents a registered account holder
type Customer struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// Asset is a customer's balance pair for one symbol.
// Usable is the part of Total not held by PENDING orders.
type Asset struct {
	ID         uuid.UUID       `json:"id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	Symbol     string          `json:"asset_name"`
	Total      decimal.Decimal `json:"size"`
	Usable     decimal.Decimal `json:"usable_size"`
	Version    int64           `json:"-"`
}

// Reserved returns the amount currently held against pending orders
func (a Asset) Reserved() decimal.Decimal {
	return a.Total.Sub(a.Usable)
}

// Order represents a buy or sell order
type Order struct {
	ID         uuid.UUID       `json:"id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	Symbol     string          `json:"asset_name"`
	Side       OrderSide       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"create_date"`
}

// Notional returns price*size at the ledger scale.
func Notional(price, size decimal.Decimal) decimal.Decimal {
	return price.Mul(size).Round(AmountScale)
}

// Reservation returns the symbol and amount the order holds while PENDING.
// BUY holds the quote currency for price*size, SELL holds size of the traded asset.
func (o Order) Reservation() (string, decimal.Decimal) {
	if o.Side == SideBuy {
		return QuoteSymbol, Notional(o.Price, o.Size)
	}
	return o.Symbol, o.Size
}

// OrderQuery filters a customer's orders. Zero values mean "no filter",
// except From/To which are always applied.
type OrderQuery struct {
	CustomerID uuid.UUID
	From       time.Time
	To         time.Time
	Status     OrderStatus
	Symbol     string
	Limit      int
	Offset     int
}

type OrderEventType string

const (
	EventOrderCreated  OrderEventType = "order.created"
	EventOrderCanceled OrderEventType = "order.canceled"
	EventOrderMatched  OrderEventType = "order.matched"
)

// OrderEvent is published after an order changes state
type OrderEvent struct {
	Type  OrderEventType `json:"type"`
	Order Order          `json:"order"`
	At    time.Time      `json:"at"`
}
