package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// OrderStatus is the lifecycle status of an order. CLOSED is terminal.
type OrderStatus string

const (
	Open   OrderStatus = "OPEN"
	Closed OrderStatus = "CLOSED"
)

// Order is the latest known record of an exchange order, keyed by ID.
type Order struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Status     OrderStatus     `json:"status"`
	Limit      decimal.Decimal `json:"limit"`
	Quantity   decimal.Decimal `json:"quantity"`
	Filled     decimal.Decimal `json:"filled"`
	Commission decimal.Decimal `json:"commission"`
	Proceeds   decimal.Decimal `json:"proceeds"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
}

// IsClosed reports whether the order reached its terminal status.
func (o Order) IsClosed() bool {
	return o.Status == Closed
}

// FillPrice is the average execution price, falling back to the limit when nothing was filled.
func (o Order) FillPrice() decimal.Decimal {
	if o.Filled.IsPositive() && o.Proceeds.IsPositive() {
		return o.Proceeds.Div(o.Filled)
	}
	return o.Limit
}
