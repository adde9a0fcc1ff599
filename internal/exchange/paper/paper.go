// Package paper simulates order execution against live (or pushed) top-of-book rates.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
)

// DefaultMinNotional is the smallest order value in quote currency the simulator accepts.
var DefaultMinNotional = decimal.RequireFromString("0.0001")

// Exchange is an in-memory exchange. Market data comes from an optional source adapter or from
// PushSummaries and PushTickers; orders and balances never leave the process.
type Exchange struct {
	source      exchange.Adapter
	fee         decimal.Decimal
	minNotional decimal.Decimal
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	orders      map[string]*market.Order
	books       map[string]market.Ticker
	summaries   map[string]market.Summary
	balanceSeq  int64
	summarySeq  int64
	tickerSeq   int64
	onBalance   func(exchange.Batch[market.Balance])
	onSummaries func(exchange.Batch[market.Summary])
	onTickers   func(exchange.Batch[market.Ticker])
	onOrder     func(market.Order)

	// feeds serialises callback delivery so each feed stays ordered.
	feeds sync.Mutex
}

var _ exchange.Adapter = (*Exchange)(nil)

// New creates a paper exchange with the given starting balances. source may be nil.
func New(source exchange.Adapter, balances map[string]decimal.Decimal, fee decimal.Decimal, logger *zap.Logger) *Exchange {
	e := &Exchange{
		source:      source,
		fee:         fee,
		minNotional: DefaultMinNotional,
		logger:      logger.Named("paper"),
		now:         time.Now,
		balances:    make(map[string]decimal.Decimal, len(balances)),
		orders:      make(map[string]*market.Order),
		books:       make(map[string]market.Ticker),
		summaries:   make(map[string]market.Summary),
	}
	for currency, amount := range balances {
		e.balances[market.NormalizeCurrency(currency)] = amount
	}
	if source != nil {
		source.OnMarketSummaries(func(b exchange.Batch[market.Summary]) { e.PushSummaries(b.Items) })
		source.OnTickers(func(b exchange.Batch[market.Ticker]) { e.PushTickers(b.Items) })
	}
	return e
}

// SetMinNotional changes the dust threshold.
func (e *Exchange) SetMinNotional(v decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minNotional = v
}

func (e *Exchange) IsReady() bool {
	return e.source == nil || e.source.IsReady()
}

func (e *Exchange) OnBalance(cb func(exchange.Batch[market.Balance])) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBalance = cb
}

func (e *Exchange) OnMarketSummaries(cb func(exchange.Batch[market.Summary])) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSummaries = cb
}

func (e *Exchange) OnTickers(cb func(exchange.Batch[market.Ticker])) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTickers = cb
}

func (e *Exchange) OnOrder(cb func(market.Order)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOrder = cb
}

func (e *Exchange) FeeRate() decimal.Decimal {
	return e.fee
}

// PushSummaries records market summaries and forwards them to the summary subscriber.
func (e *Exchange) PushSummaries(items []market.Summary) {
	e.mu.Lock()
	for _, s := range items {
		e.summaries[s.Symbol] = s
	}
	e.summarySeq++
	batch := exchange.Batch[market.Summary]{Sequence: e.summarySeq, Items: items}
	cb := e.onSummaries
	e.mu.Unlock()

	if cb != nil {
		e.feeds.Lock()
		cb(batch)
		e.feeds.Unlock()
	}
}

// PushTickers records top-of-book rates, fills crossing orders and forwards the rates.
func (e *Exchange) PushTickers(items []market.Ticker) {
	e.mu.Lock()
	for _, t := range items {
		e.books[t.Symbol] = t
	}
	filled := e.matchLocked()
	e.tickerSeq++
	batch := exchange.Batch[market.Ticker]{Sequence: e.tickerSeq, Items: items}
	cb := e.onTickers
	e.mu.Unlock()

	e.emitOrders(filled)
	if cb != nil {
		e.feeds.Lock()
		cb(batch)
		e.feeds.Unlock()
	}
}

// matchLocked fills every open order the current book crosses.
func (e *Exchange) matchLocked() []market.Order {
	var filled []market.Order
	for _, o := range e.sortedOrdersLocked() {
		if o.Status != market.Open {
			continue
		}
		book, ok := e.books[o.Symbol]
		if !ok {
			continue
		}
		crosses := (o.Direction == market.Buy && book.Ask.IsPositive() && book.Ask.LessThanOrEqual(o.Limit)) ||
			(o.Direction == market.Sell && book.Bid.IsPositive() && book.Bid.GreaterThanOrEqual(o.Limit))
		if !crosses {
			continue
		}
		e.fillLocked(o)
		filled = append(filled, *o)
	}
	return filled
}

func (e *Exchange) fillLocked(o *market.Order) {
	asset, quote := market.SplitSymbol(o.Symbol)
	notional := o.Quantity.Mul(o.Limit)
	commission := notional.Mul(e.fee)

	switch o.Direction {
	case market.Buy:
		// Quote and commission were reserved when the order was placed.
		e.balances[asset] = e.balances[asset].Add(o.Quantity)
	case market.Sell:
		e.balances[quote] = e.balances[quote].Add(notional).Sub(commission)
	}

	now := e.now()
	o.Status = market.Closed
	o.Filled = o.Quantity
	o.Proceeds = notional
	o.Commission = commission
	o.UpdatedAt = now
	o.ClosedAt = &now
	e.logger.Debug("Simulated fill", zap.String("order", o.ID), zap.String("symbol", o.Symbol),
		zap.String("price", o.Limit.String()), zap.String("quantity", o.Quantity.String()))
}

func (e *Exchange) sortedOrdersLocked() []*market.Order {
	out := make([]*market.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// emitOrders pushes order updates followed by the resulting balances.
func (e *Exchange) emitOrders(orders []market.Order) {
	if len(orders) == 0 {
		return
	}
	e.mu.Lock()
	onOrder := e.onOrder
	onBalance := e.onBalance
	e.balanceSeq++
	balances := exchange.Batch[market.Balance]{Sequence: e.balanceSeq, Items: e.balancesLocked()}
	e.mu.Unlock()

	e.feeds.Lock()
	defer e.feeds.Unlock()
	if onOrder != nil {
		for _, o := range orders {
			onOrder(o)
		}
	}
	if onBalance != nil {
		onBalance(balances)
	}
}

func (e *Exchange) balancesLocked() []market.Balance {
	out := make([]market.Balance, 0, len(e.balances))
	for currency, amount := range e.balances {
		out = append(out, market.Balance{Currency: currency, Available: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func (e *Exchange) GetBalances(context.Context) (exchange.Batch[market.Balance], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return exchange.Batch[market.Balance]{Sequence: e.balanceSeq, Items: e.balancesLocked()}, nil
}

func (e *Exchange) GetMarketSummaries(ctx context.Context) (exchange.Batch[market.Summary], error) {
	if e.source != nil {
		return e.source.GetMarketSummaries(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]market.Summary, 0, len(e.summaries))
	for _, s := range e.summaries {
		items = append(items, s)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	return exchange.Batch[market.Summary]{Sequence: e.summarySeq, Items: items}, nil
}

func (e *Exchange) GetTickers(ctx context.Context) (exchange.Batch[market.Ticker], error) {
	if e.source != nil {
		return e.source.GetTickers(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]market.Ticker, 0, len(e.books))
	for _, t := range e.books {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	return exchange.Batch[market.Ticker]{Sequence: e.tickerSeq, Items: items}, nil
}

// GetClosedOrders lists closed simulated orders; a non-empty cursor restricts them to one symbol.
func (e *Exchange) GetClosedOrders(_ context.Context, cursor string) (exchange.Batch[market.Order], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var items []market.Order
	for _, o := range e.sortedOrdersLocked() {
		if o.Status == market.Closed && (cursor == "" || o.Symbol == cursor) {
			items = append(items, *o)
		}
	}
	return exchange.Batch[market.Order]{Items: items}, nil
}

func (e *Exchange) BuyLimit(_ context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	return e.place(symbol, market.Buy, quantity, price)
}

func (e *Exchange) SellLimit(_ context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	return e.place(symbol, market.Sell, quantity, price)
}

func (e *Exchange) place(symbol string, dir market.Direction, quantity, price decimal.Decimal) (market.Order, error) {
	op := "buy_limit"
	if dir == market.Sell {
		op = "sell_limit"
	}
	if !quantity.IsPositive() || !price.IsPositive() {
		return market.Order{}, exchange.NewError(exchange.Unknown, op, symbol,
			fmt.Errorf("invalid quantity %s or price %s", quantity, price))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.summaries[symbol]; ok && !s.Online {
		return market.Order{}, exchange.NewError(exchange.MarketOffline, op, symbol, errors.New("market is not trading"))
	}
	notional := quantity.Mul(price)
	if notional.LessThan(e.minNotional) {
		return market.Order{}, exchange.NewError(exchange.DustTrade, op, symbol,
			fmt.Errorf("order value %s below minimum %s", notional, e.minNotional))
	}

	asset, quote := market.SplitSymbol(symbol)
	switch dir {
	case market.Buy:
		cost := notional.Add(notional.Mul(e.fee))
		if e.balances[quote].LessThan(cost) {
			return market.Order{}, exchange.NewError(exchange.InsufficientFunds, op, symbol,
				fmt.Errorf("need %s %s, have %s", cost, quote, e.balances[quote]))
		}
		e.balances[quote] = e.balances[quote].Sub(cost)
	case market.Sell:
		if e.balances[asset].LessThan(quantity) {
			return market.Order{}, exchange.NewError(exchange.InsufficientFunds, op, symbol,
				fmt.Errorf("need %s %s, have %s", quantity, asset, e.balances[asset]))
		}
		e.balances[asset] = e.balances[asset].Sub(quantity)
	}

	now := e.now()
	o := &market.Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Direction: dir,
		Status:    market.Open,
		Limit:     price,
		Quantity:  quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.orders[o.ID] = o
	return *o, nil
}

// CancelOrder closes an open order without fill and refunds its reservation. Simulated orders do not
// survive a restart, so an id this exchange never issued is reported closed without fill.
func (e *Exchange) CancelOrder(_ context.Context, symbol, id string) (market.Order, error) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		now := e.now()
		unknown := market.Order{
			ID:        id,
			Symbol:    symbol,
			Status:    market.Closed,
			CreatedAt: now,
			UpdatedAt: now,
			ClosedAt:  &now,
		}
		e.mu.Unlock()
		e.logger.Warn("Cancelling unknown simulated order", zap.String("order", id), zap.String("market", symbol))
		e.emitOrders([]market.Order{unknown})
		return unknown, nil
	}
	if o.Status != market.Open {
		e.mu.Unlock()
		return market.Order{}, exchange.NewError(exchange.OrderNotOpen, "cancel_order", symbol,
			fmt.Errorf("order %s is not open", id))
	}

	asset, quote := market.SplitSymbol(o.Symbol)
	switch o.Direction {
	case market.Buy:
		notional := o.Quantity.Mul(o.Limit)
		e.balances[quote] = e.balances[quote].Add(notional).Add(notional.Mul(e.fee))
	case market.Sell:
		e.balances[asset] = e.balances[asset].Add(o.Quantity)
	}
	now := e.now()
	o.Status = market.Closed
	o.UpdatedAt = now
	o.ClosedAt = &now
	cancelled := *o
	e.mu.Unlock()

	e.emitOrders([]market.Order{cancelled})
	return cancelled, nil
}
