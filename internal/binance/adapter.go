package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
)

const (
	statusTrading     = "TRADING"
	summaryEveryPolls = 6
	symbolsEveryPolls = 720
	orderPollWorkers  = 4
)

var one = decimal.NewFromInt(1)

// symbolInfo is what the adapter needs to know about one Binance symbol.
type symbolInfo struct {
	exchangeSymbol string // e.g. "NMRBTC"
	symbol         string // e.g. "NMR-BTC"
	precision      int32
	stepSize       decimal.Decimal
	status         string
}

type trackedOrder struct {
	exchangeSymbol string
	status         string
	executed       decimal.Decimal
}

// Adapter exposes Binance spot trading as an exchange.Adapter. Push feeds are produced by polling in Run.
type Adapter struct {
	client       RestClientInterface
	logger       *zap.Logger
	fee          decimal.Decimal
	pollInterval time.Duration

	ready atomic.Bool

	balanceSeq atomic.Int64
	summarySeq atomic.Int64
	tickerSeq  atomic.Int64

	mu        sync.RWMutex
	symbols   map[string]symbolInfo // keyed by exchange symbol
	bySymbol  map[string]string     // "NMR-BTC" -> "NMRBTC"
	tracked   map[string]trackedOrder
	onBalance func(exchange.Batch[market.Balance])
	onSummary func(exchange.Batch[market.Summary])
	onTicker  func(exchange.Batch[market.Ticker])
	onOrder   func(market.Order)
}

var _ exchange.Adapter = (*Adapter)(nil)

// NewAdapter wraps a REST client.
func NewAdapter(client RestClientInterface, cfg config.Exchange, logger *zap.Logger) *Adapter {
	interval := time.Duration(cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Adapter{
		client:       client,
		logger:       logger.With(zap.String("exchange", "binance")),
		fee:          decimal.NewFromFloat(cfg.FeeRate),
		pollInterval: interval,
		symbols:      make(map[string]symbolInfo),
		bySymbol:     make(map[string]string),
		tracked:      make(map[string]trackedOrder),
	}
}

func (a *Adapter) IsReady() bool { return a.ready.Load() }

func (a *Adapter) FeeRate() decimal.Decimal { return a.fee }

func (a *Adapter) OnBalance(cb func(exchange.Batch[market.Balance])) {
	a.mu.Lock()
	a.onBalance = cb
	a.mu.Unlock()
}

func (a *Adapter) OnMarketSummaries(cb func(exchange.Batch[market.Summary])) {
	a.mu.Lock()
	a.onSummary = cb
	a.mu.Unlock()
}

func (a *Adapter) OnTickers(cb func(exchange.Batch[market.Ticker])) {
	a.mu.Lock()
	a.onTicker = cb
	a.mu.Unlock()
}

func (a *Adapter) OnOrder(cb func(market.Order)) {
	a.mu.Lock()
	a.onOrder = cb
	a.mu.Unlock()
}

// Run loads the trading rules, marks the adapter ready and polls the feeds until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := a.loadSymbols(ctx)
		if exchange.KindOf(err) == exchange.Unauthorized {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("Failed to load exchange info, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	a.ready.Store(true)
	defer a.ready.Store(false)
	a.logger.Info("Binance adapter ready", zap.Duration("poll_interval", a.pollInterval))

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			a.logger.Info("Binance adapter stopped")
			return nil
		case <-ticker.C:
		}
		a.poll(ctx, round)
	}
}

// poll refreshes every feed once. Each feed is fetched by exactly one goroutine per round.
func (a *Adapter) poll(ctx context.Context, round int) {
	if round%symbolsEveryPolls == 0 {
		if err := a.loadSymbols(ctx); err != nil {
			a.logger.Warn("Failed to refresh exchange info", zap.Error(err))
		}
	}

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		batch, err := a.GetTickers(ctx)
		if err != nil {
			return err
		}
		a.emitTickers(batch)
		return nil
	})
	// Balances are signed requests; skip them when nobody listens, e.g. behind the paper exchange.
	a.mu.RLock()
	wantBalances := a.onBalance != nil
	a.mu.RUnlock()
	if wantBalances {
		p.Go(func(ctx context.Context) error {
			batch, err := a.GetBalances(ctx)
			if err != nil {
				return err
			}
			a.emitBalances(batch)
			return nil
		})
	}
	if round%summaryEveryPolls == 1 {
		p.Go(func(ctx context.Context) error {
			batch, err := a.GetMarketSummaries(ctx)
			if err != nil {
				return err
			}
			a.emitSummaries(batch)
			return nil
		})
	}
	p.Go(a.pollOrders)

	if err := p.Wait(); err != nil && ctx.Err() == nil {
		a.logger.Warn("Feed poll failed", zap.Error(err), zap.Stringer("kind", exchange.KindOf(err)))
	}
}

// pollOrders fetches every tracked open order and pushes the ones that changed.
func (a *Adapter) pollOrders(ctx context.Context) error {
	a.mu.RLock()
	ids := make(map[string]trackedOrder, len(a.tracked))
	for id, t := range a.tracked {
		ids[id] = t
	}
	a.mu.RUnlock()

	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(orderPollWorkers)
	for id, t := range ids {
		p.Go(func(ctx context.Context) error {
			orderID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				a.untrack(id)
				return nil
			}
			resp, err := a.client.GetOrder(ctx, t.exchangeSymbol, orderID)
			if err != nil {
				return classify(err, "get_order", a.symbolFor(t.exchangeSymbol))
			}
			if resp.Status == t.status && resp.ExecutedQuantity.Equal(t.executed) {
				return nil
			}
			order := a.toOrder(*resp)
			if order.IsClosed() {
				a.untrack(id)
			} else {
				a.track(*resp)
			}
			a.emitOrder(order)
			return nil
		})
	}
	return p.Wait()
}

func (a *Adapter) loadSymbols(ctx context.Context) error {
	info, err := a.client.GetExchangeInfo(ctx)
	if err != nil {
		return classify(err, "exchange_info", "")
	}

	symbols := make(map[string]symbolInfo, len(info.Symbols))
	bySymbol := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		si := symbolInfo{
			exchangeSymbol: s.Symbol,
			symbol:         market.Symbol(s.BaseAsset, s.QuoteAsset),
			status:         s.Status,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if p, ok := precisionOf(f.TickSize); ok {
					si.precision = p
				}
			case "LOT_SIZE":
				if step, err := decimal.NewFromString(f.StepSize); err == nil {
					si.stepSize = step
				}
			}
		}
		symbols[s.Symbol] = si
		bySymbol[si.symbol] = s.Symbol
	}

	a.mu.Lock()
	a.symbols = symbols
	a.bySymbol = bySymbol
	a.mu.Unlock()

	a.logger.Info("Loaded exchange info", zap.Int("symbols", len(symbols)))
	return nil
}

// precisionOf counts the decimal places of a tick size such as "0.00000100".
func precisionOf(tick string) (int32, bool) {
	d, err := decimal.NewFromString(tick)
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	var p int32
	for !d.Mod(one).IsZero() && p < 18 {
		d = d.Shift(1)
		p++
	}
	return p, true
}

func (a *Adapter) symbolFor(exchangeSymbol string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if si, ok := a.symbols[exchangeSymbol]; ok {
		return si.symbol
	}
	return exchangeSymbol
}

func (a *Adapter) lookup(symbol string) (symbolInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	si, ok := a.symbols[a.bySymbol[symbol]]
	return si, ok
}

func (a *Adapter) GetBalances(ctx context.Context) (exchange.Batch[market.Balance], error) {
	account, err := a.client.GetAccount(ctx)
	if err != nil {
		return exchange.Batch[market.Balance]{}, classify(err, "get_balances", "")
	}
	items := make([]market.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		items = append(items, market.Balance{Currency: market.NormalizeCurrency(b.Asset), Available: b.Free})
	}
	return exchange.Batch[market.Balance]{Sequence: a.balanceSeq.Add(1), Items: items}, nil
}

func (a *Adapter) GetMarketSummaries(ctx context.Context) (exchange.Batch[market.Summary], error) {
	tickers, err := a.client.Get24hrTickers(ctx)
	if err != nil {
		return exchange.Batch[market.Summary]{}, classify(err, "get_market_summaries", "")
	}

	a.mu.RLock()
	items := make([]market.Summary, 0, len(tickers))
	for _, t := range tickers {
		si, ok := a.symbols[t.Symbol]
		if !ok {
			continue
		}
		s := market.Summary{
			Symbol:        si.symbol,
			Bid:           t.BidPrice,
			Ask:           t.AskPrice,
			Last:          t.LastPrice,
			High:          t.HighPrice,
			Low:           t.LowPrice,
			Volume:        t.Volume,
			QuoteVolume:   t.QuoteVolume,
			PercentChange: t.PriceChangePercent,
			Precision:     si.precision,
			Online:        si.status == statusTrading,
			Timestamp:     time.UnixMilli(t.CloseTime),
		}
		if !s.Online {
			s.Notice = si.status
		}
		items = append(items, s)
	}
	a.mu.RUnlock()

	return exchange.Batch[market.Summary]{Sequence: a.summarySeq.Add(1), Items: items}, nil
}

func (a *Adapter) GetTickers(ctx context.Context) (exchange.Batch[market.Ticker], error) {
	tickers, err := a.client.GetBookTickers(ctx)
	if err != nil {
		return exchange.Batch[market.Ticker]{}, classify(err, "get_tickers", "")
	}

	now := time.Now()
	a.mu.RLock()
	items := make([]market.Ticker, 0, len(tickers))
	for _, t := range tickers {
		si, ok := a.symbols[t.Symbol]
		if !ok {
			continue
		}
		items = append(items, market.Ticker{Symbol: si.symbol, Bid: t.BidPrice, Ask: t.AskPrice, Timestamp: now})
	}
	a.mu.RUnlock()

	return exchange.Batch[market.Ticker]{Sequence: a.tickerSeq.Add(1), Items: items}, nil
}

// GetClosedOrders lists the closed orders of the symbol given as cursor. Orders of that symbol that are
// still open are tracked from here on, so orders resumed after a restart keep receiving updates.
func (a *Adapter) GetClosedOrders(ctx context.Context, cursor string) (exchange.Batch[market.Order], error) {
	si, ok := a.lookup(cursor)
	if !ok {
		return exchange.Batch[market.Order]{}, exchange.NewError(exchange.MarketOffline, "get_closed_orders", cursor,
			fmt.Errorf("unknown symbol %q", cursor))
	}
	orders, err := a.client.GetAllOrders(ctx, si.exchangeSymbol)
	if err != nil {
		return exchange.Batch[market.Order]{}, classify(err, "get_closed_orders", cursor)
	}

	items := make([]market.Order, 0, len(orders))
	for _, o := range orders {
		order := a.toOrder(o)
		if !order.IsClosed() {
			a.track(o)
			continue
		}
		items = append(items, order)
	}
	return exchange.Batch[market.Order]{Items: items}, nil
}

func (a *Adapter) BuyLimit(ctx context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	return a.place(ctx, "buy_limit", OrderSideBuy, symbol, quantity, price)
}

func (a *Adapter) SellLimit(ctx context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	return a.place(ctx, "sell_limit", OrderSideSell, symbol, quantity, price)
}

func (a *Adapter) place(ctx context.Context, op, side, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	si, ok := a.lookup(symbol)
	if !ok {
		return market.Order{}, exchange.NewError(exchange.MarketOffline, op, symbol, fmt.Errorf("unknown symbol %q", symbol))
	}
	if si.status != statusTrading {
		return market.Order{}, exchange.NewError(exchange.MarketOffline, op, symbol, fmt.Errorf("symbol status %s", si.status))
	}
	// Quantities are floored to the lot step; the remainder stays with the caller.
	if si.stepSize.IsPositive() {
		quantity = quantity.Div(si.stepSize).Floor().Mul(si.stepSize)
	}
	if !quantity.IsPositive() {
		return market.Order{}, exchange.NewError(exchange.DustTrade, op, symbol, errors.New("quantity below lot size"))
	}

	resp, err := a.client.CreateOrder(ctx, si.exchangeSymbol, side, quantity, price)
	if err != nil {
		return market.Order{}, classify(err, op, symbol)
	}
	order := a.toOrder(*resp)
	if !order.IsClosed() {
		a.track(*resp)
	}
	return order, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, id string) (market.Order, error) {
	si, ok := a.lookup(symbol)
	if !ok {
		return market.Order{}, exchange.NewError(exchange.MarketOffline, "cancel_order", symbol, fmt.Errorf("unknown symbol %q", symbol))
	}
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return market.Order{}, exchange.NewError(exchange.OrderNotOpen, "cancel_order", symbol, fmt.Errorf("invalid order id %q", id))
	}

	resp, err := a.client.CancelOrder(ctx, si.exchangeSymbol, orderID)
	if err != nil {
		err = classify(err, "cancel_order", symbol)
		if exchange.KindOf(err) == exchange.OrderNotOpen && !a.isTracked(id) {
			a.reportFinal(ctx, si.exchangeSymbol, orderID)
		}
		return market.Order{}, err
	}
	a.untrack(id)
	return a.toOrder(*resp), nil
}

// reportFinal looks up an order the poller does not know and emits it when it is closed, so its
// owner does not wait for an update that will never be polled.
func (a *Adapter) reportFinal(ctx context.Context, exchangeSymbol string, orderID int64) {
	resp, err := a.client.GetOrder(ctx, exchangeSymbol, orderID)
	if err != nil {
		a.logger.Warn("Failed to look up untracked order", zap.Int64("order", orderID), zap.Error(err))
		return
	}
	order := a.toOrder(*resp)
	if !order.IsClosed() {
		a.track(*resp)
		return
	}
	a.emitOrder(order)
}

func (a *Adapter) isTracked(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.tracked[id]
	return ok
}

func (a *Adapter) track(o OrderResponse) {
	a.mu.Lock()
	a.tracked[strconv.FormatInt(o.OrderID, 10)] = trackedOrder{
		exchangeSymbol: o.Symbol,
		status:         o.Status,
		executed:       o.ExecutedQuantity,
	}
	a.mu.Unlock()
}

func (a *Adapter) untrack(id string) {
	a.mu.Lock()
	delete(a.tracked, id)
	a.mu.Unlock()
}

// toOrder maps a Binance order. NEW, PARTIALLY_FILLED and PENDING_CANCEL are open; every other status is final.
// Commission is estimated from the fee rate since Binance may charge it in another asset.
func (a *Adapter) toOrder(o OrderResponse) market.Order {
	created := o.Time
	if created == 0 {
		created = o.TransactTime
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = created
	}

	order := market.Order{
		ID:         strconv.FormatInt(o.OrderID, 10),
		Symbol:     a.symbolFor(o.Symbol),
		Direction:  market.Direction(o.Side),
		Status:     market.Closed,
		Limit:      o.Price,
		Quantity:   o.OrigQuantity,
		Filled:     o.ExecutedQuantity,
		Proceeds:   o.CummulativeQuoteQty,
		Commission: o.CummulativeQuoteQty.Mul(a.fee),
		CreatedAt:  time.UnixMilli(created),
		UpdatedAt:  time.UnixMilli(updated),
	}
	switch o.Status {
	case "NEW", "PARTIALLY_FILLED", "PENDING_CANCEL":
		order.Status = market.Open
	default:
		closed := order.UpdatedAt
		order.ClosedAt = &closed
	}
	return order
}

func (a *Adapter) emitBalances(b exchange.Batch[market.Balance]) {
	a.mu.RLock()
	cb := a.onBalance
	a.mu.RUnlock()
	if cb != nil {
		cb(b)
	}
}

func (a *Adapter) emitSummaries(b exchange.Batch[market.Summary]) {
	a.mu.RLock()
	cb := a.onSummary
	a.mu.RUnlock()
	if cb != nil {
		cb(b)
	}
}

func (a *Adapter) emitTickers(b exchange.Batch[market.Ticker]) {
	a.mu.RLock()
	cb := a.onTicker
	a.mu.RUnlock()
	if cb != nil {
		cb(b)
	}
}

func (a *Adapter) emitOrder(o market.Order) {
	a.mu.RLock()
	cb := a.onOrder
	a.mu.RUnlock()
	if cb != nil {
		cb(o)
	}
}

func classify(err error, op, symbol string) error {
	if err == nil {
		return nil
	}
	return exchange.Classify(err, kindFor(err), op, symbol)
}

// kindFor maps Binance error codes onto exchange kinds.
func kindFor(err error) exchange.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return exchange.Throttled
	}
	apiErr, ok := asAPIError(err)
	if !ok {
		return exchange.Unknown
	}

	msg := strings.ToLower(apiErr.Msg)
	switch {
	case apiErr.Status == http.StatusUnauthorized, apiErr.Code == -2014, apiErr.Code == -2015, apiErr.Code == -1022:
		return exchange.Unauthorized
	case apiErr.Status == http.StatusTooManyRequests, apiErr.Status == 418, apiErr.Code == -1003, apiErr.Code == -1015:
		return exchange.Throttled
	case apiErr.Code == -2011, apiErr.Code == -2013:
		return exchange.OrderNotOpen
	case apiErr.Code == -1121:
		return exchange.MarketOffline
	case apiErr.Code == -2010 && strings.Contains(msg, "insufficient"):
		return exchange.InsufficientFunds
	case apiErr.Code == -2010 && strings.Contains(msg, "market is closed"):
		return exchange.MarketOffline
	case apiErr.Code == -1013 && (strings.Contains(msg, "notional") || strings.Contains(msg, "lot_size")):
		return exchange.DustTrade
	default:
		return exchange.Unknown
	}
}
