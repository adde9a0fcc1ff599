package registry

import (
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/market"
)

// AllMarkets is the single key of the aggregate market batch registry.
const AllMarkets = "*"

// Hub bundles the registries shared by the engine, the allocator and the trading sessions.
type Hub struct {
	Markets  *Registry[string, market.Snapshot]   // keyed by market symbol
	Balances *Registry[string, market.Balance]    // keyed by upper-case currency
	Orders   *Registry[string, market.Order]      // keyed by order id
	Batches  *Registry[string, []market.Snapshot] // keyed by AllMarkets
}

// NewHub creates a Hub with empty registries.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		Markets:  New[string, market.Snapshot]("markets", logger),
		Balances: New[string, market.Balance]("balances", logger),
		Orders:   New[string, market.Order]("orders", logger),
		Batches:  New[string, []market.Snapshot]("batches", logger),
	}
}

// PublishBalance normalises the currency code and publishes the balance under it.
func (h *Hub) PublishBalance(b market.Balance) {
	b.Currency = market.NormalizeCurrency(b.Currency)
	h.Balances.Publish(b.Currency, b)
}
