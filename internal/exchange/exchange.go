// Package exchange defines the capability the trading engine consumes from an exchange adapter.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"spread-trade-bot-go/internal/market"
)

// Batch is one feed update. Sequence increases with every batch of the same feed.
type Batch[T any] struct {
	Sequence int64
	Items    []T
}

// Adapter is implemented once per exchange. Every failure it returns is an *Error with a Kind.
type Adapter interface {
	// IsReady reports whether the adapter can serve requests and push feeds.
	IsReady() bool

	// Push subscriptions. Callbacks for one feed are never invoked concurrently.
	OnBalance(cb func(Batch[market.Balance]))
	OnMarketSummaries(cb func(Batch[market.Summary]))
	OnTickers(cb func(Batch[market.Ticker]))
	OnOrder(cb func(market.Order))

	GetBalances(ctx context.Context) (Batch[market.Balance], error)
	GetMarketSummaries(ctx context.Context) (Batch[market.Summary], error)
	GetTickers(ctx context.Context) (Batch[market.Ticker], error)
	// GetClosedOrders lists closed orders; the cursor narrows the listing in an adapter-specific way.
	GetClosedOrders(ctx context.Context, cursor string) (Batch[market.Order], error)

	BuyLimit(ctx context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error)
	SellLimit(ctx context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error)
	CancelOrder(ctx context.Context, symbol, id string) (market.Order, error)

	// FeeRate is the fraction charged per trade, e.g. 0.001.
	FeeRate() decimal.Decimal
}
