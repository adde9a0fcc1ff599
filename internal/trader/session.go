package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/metrics"
	"spread-trade-bot-go/internal/models"
	"spread-trade-bot-go/internal/queue"
	"spread-trade-bot-go/internal/registry"
	"spread-trade-bot-go/internal/store"
)

const (
	orderCallTimeout  = 15 * time.Second
	journalTimeout    = 5 * time.Second
	defaultMinimumNeg = "0.0001"
)

// SessionConfig carries the collaborators of a trading session.
type SessionConfig struct {
	Logger   *zap.Logger
	Exchange exchange.Adapter
	Hub      *registry.Hub
	Journal  store.TradeJournal // optional

	// MinimumNegotiable is the smallest base-currency amount worth trading.
	MinimumNegotiable decimal.Decimal
	DryRun            bool
	Now               func() time.Time

	OnChange func()       // the context changed and should be persisted
	OnFinish func(Result) // called once when the session reaches Finished
	OnFatal  func(error)  // the exchange rejected our credentials
}

// Session trades a single market under a single risk profile.
//
// Market and order events are queued in arrival order and processed one at a time; only the
// processing turn reads or writes the context.
type Session struct {
	id      string
	symbol  string
	profile Profile
	cfg     SessionConfig
	logger  *zap.Logger

	events *queue.Mutex

	// Guarded by events.
	ctx          Context
	trackedOrder string
	cancelling   string
	dirty        bool

	view       atomic.Pointer[Context]
	finishOnce sync.Once
}

// NewSession creates a session from a seed context. A seed without SessionID starts a new
// session in Buying; a seed with one resumes a persisted session.
func NewSession(profile Profile, seed Context, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinimumNegotiable.IsZero() {
		cfg.MinimumNegotiable = decimal.RequireFromString(defaultMinimumNeg)
	}

	if seed.SessionID == "" {
		seed.SessionID = uuid.NewString()
		seed.State = Buying
	}
	seed.ProfileID = profile.ID
	if seed.Market.Symbol == "" {
		seed.Market.Symbol = seed.Symbol
	}

	s := &Session{
		id:      seed.SessionID,
		symbol:  seed.Symbol,
		profile: profile,
		cfg:     cfg,
		logger: cfg.Logger.With(
			zap.String("session", seed.SessionID),
			zap.String("profile", profile.ID),
			zap.String("market", seed.Symbol),
		),
		events: queue.NewMutex(1),
		ctx:    seed.clone(),
	}
	if seed.OpenOrder != nil {
		s.trackedOrder = seed.OpenOrder.ID
	}
	s.publishView()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Symbol returns the traded market.
func (s *Session) Symbol() string { return s.symbol }

// ProfileID returns the risk profile id.
func (s *Session) ProfileID() string { return s.profile.ID }

// Snapshot returns a copy of the context as of the last completed processing turn.
func (s *Session) Snapshot() Context {
	return s.view.Load().clone()
}

// Start subscribes the session to its market and to its open order, if it has one.
// The cached market is loaded first so a replayed order close is valued at the current ask.
func (s *Session) Start() {
	s.logger.Info("Starting trading session",
		zap.String("state", s.ctx.State.String()),
		zap.String("balance", s.ctx.Balance.String()),
		zap.String("held", s.ctx.Held.String()),
	)
	if m, ok := s.cfg.Hub.Markets.Get(s.symbol); ok {
		s.ctx.Market = m
		s.publishView()
	}
	if s.trackedOrder != "" {
		s.cfg.Hub.Orders.Subscribe(s.trackedOrder, s.id, s.onOrder)
	}
	s.cfg.Hub.Markets.Subscribe(s.symbol, s.id, s.onMarket)
}

func (s *Session) onMarket(m market.Snapshot) error {
	s.enqueue("market", func() { s.handleMarket(m) })
	return nil
}

func (s *Session) onOrder(o market.Order) error {
	s.enqueue("order", func() { s.handleOrder(o) })
	return nil
}

// enqueue reserves the event's place in line synchronously and processes it on its own goroutine.
func (s *Session) enqueue(kind string, handle func()) {
	ticket := s.events.Enqueue()
	go func() {
		if err := ticket.Wait(context.Background()); err != nil {
			s.logger.Debug("Dropping event for finished session", zap.String("event", kind))
			return
		}
		defer s.events.Unlock()
		s.turn(kind, handle)
	}()
}

func (s *Session) turn(kind string, handle func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic while processing event",
				zap.String("event", kind), zap.Any("panic", r))
		}
		s.publishView()
		if s.dirty {
			s.dirty = false
			if s.cfg.OnChange != nil {
				s.cfg.OnChange()
			}
		}
	}()

	if s.ctx.State == Finished {
		s.logger.Warn("Received event after finishing", zap.String("event", kind))
		return
	}
	handle()
}

func (s *Session) publishView() {
	c := s.ctx.clone()
	s.view.Store(&c)
}

func (s *Session) handleMarket(m market.Snapshot) {
	s.ctx.Market = m
	s.dirty = true
	s.runStrategy()
}

func (s *Session) runStrategy() {
	run := strategyFor(s.ctx.State)
	if run == nil {
		return
	}
	run(StrategyContext{
		Profile: s.profile,
		Session: s.ctx.clone(),
		FeeRate: s.cfg.Exchange.FeeRate(),
		Now:     s.cfg.Now(),
	}, s)
}

func (s *Session) handleOrder(o market.Order) {
	if s.ctx.OpenOrder == nil || s.ctx.OpenOrder.ID != o.ID {
		s.logger.Debug("Ignoring update for untracked order", zap.String("order", o.ID))
		return
	}

	switch o.Status {
	case market.Open:
		s.ctx.OpenOrder = &o
		if o.Direction == market.Buy {
			s.ctx.State = BuyOrderActive
		} else {
			s.ctx.State = SellOrderActive
		}
		s.dirty = true
	case market.Closed:
		s.closeOrder(o)
	}
}

func (s *Session) closeOrder(o market.Order) {
	s.untrackOrder()
	s.ctx.OpenOrder = nil
	s.dirty = true

	l := s.logger.With(
		zap.String("order", o.ID),
		zap.String("direction", string(o.Direction)),
		zap.String("filled", o.Filled.String()),
	)

	if o.Filled.IsPositive() {
		trade := &models.Trade{
			SessionID:     s.ctx.SessionID,
			ProfileID:     s.profile.ID,
			OrderID:       o.ID,
			Symbol:        o.Symbol,
			Type:          string(o.Direction),
			Price:         o.FillPrice(),
			Quantity:      o.Filled,
			QuoteQuantity: o.Proceeds,
			Commission:    o.Commission,
			IsSimulation:  s.cfg.DryRun,
		}

		switch o.Direction {
		case market.Buy:
			s.ctx.Held = s.ctx.Held.Add(o.Filled)
			s.ctx.Balance = s.ctx.Balance.Sub(o.Proceeds).Sub(o.Commission)
			s.ctx.BoughtPrice = o.Limit
			s.ctx.BoughtAt = s.cfg.Now()
		case market.Sell:
			s.ctx.Held = s.ctx.Held.Sub(o.Filled)
			s.ctx.Balance = s.ctx.Balance.Add(o.Proceeds).Sub(o.Commission)
			trade.Profit = o.Proceeds.Sub(o.Commission).Sub(o.Filled.Mul(s.ctx.BoughtPrice))
		}
		l.Info("Order filled",
			zap.String("price", trade.Price.String()),
			zap.String("balance", s.ctx.Balance.String()),
			zap.String("held", s.ctx.Held.String()),
		)
		s.recordTrade(trade)
	} else {
		l.Info("Order closed without fill")
	}

	minimum := s.cfg.MinimumNegotiable
	switch {
	case s.ctx.Held.Mul(s.ctx.Market.Ask).GreaterThan(minimum):
		s.ctx.State = Selling
		s.runStrategy()
	case s.ctx.Balance.GreaterThan(minimum):
		s.ctx.State = Buying
	default:
		s.Finish("nothing left to trade")
	}
}

func (s *Session) recordTrade(trade *models.Trade) {
	if s.cfg.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.cfg.Journal.RecordTrade(ctx, trade); err != nil {
		s.logger.Error("Failed to record trade", zap.String("order", trade.OrderID), zap.Error(err))
	}
}

// SubmitOrder executes an order intent against the exchange inside the current turn and feeds the
// returned order record back into the session's event queue.
func (s *Session) SubmitOrder(intent orderIntent) {
	if intent.Action == cancelOrder && s.cancelling == intent.OrderID {
		return
	}
	if intent.Action != cancelOrder && s.ctx.OpenOrder != nil {
		s.logger.Debug("Order already open, skipping intent", zap.String("intent", intent.String()))
		return
	}

	l := s.logger.With(zap.String("intent", intent.String()))
	ctx, cancel := context.WithTimeout(context.Background(), orderCallTimeout)
	order, err := intent.execute(ctx, s.cfg.Exchange)
	cancel()
	if err != nil {
		s.handleExchangeError(l, err)
		return
	}
	metrics.OrdersSubmitted.WithLabelValues(intent.Action.String()).Inc()
	l.Info("Order intent accepted", zap.String("order", order.ID), zap.String("status", string(order.Status)))

	if intent.Action == cancelOrder {
		s.cancelling = intent.OrderID
	} else {
		s.trackOrder(order)
	}
	s.enqueue("order", func() { s.handleOrder(order) })
}

func (s *Session) trackOrder(o market.Order) {
	s.untrackOrder()
	s.ctx.OpenOrder = &o
	s.trackedOrder = o.ID
	s.dirty = true
	s.cfg.Hub.Orders.Subscribe(o.ID, s.id, s.onOrder)
}

func (s *Session) untrackOrder() {
	if s.trackedOrder != "" {
		s.cfg.Hub.Orders.Unsubscribe(s.trackedOrder, s.id)
	}
	s.trackedOrder = ""
	s.cancelling = ""
}

func (s *Session) handleExchangeError(l *zap.Logger, err error) {
	kind := exchange.KindOf(err)
	metrics.ExchangeErrors.WithLabelValues(kind.String()).Inc()
	l = l.With(zap.String("kind", kind.String()), zap.Error(err))

	switch kind {
	case exchange.InsufficientFunds:
		l.Warn("Insufficient funds, finishing session")
		s.Finish("insufficient funds")
	case exchange.MarketOffline:
		if s.ctx.State == Buying {
			l.Warn("Market offline, finishing session")
			s.Finish("market offline")
			return
		}
		l.Warn("Market offline while holding a position")
	case exchange.DustTrade:
		if s.ctx.State == Selling {
			l.Info("Remaining position is dust, returning to buying")
			s.ctx.State = Buying
			s.dirty = true
			return
		}
		l.Warn("Order rejected as dust")
	case exchange.OrderNotOpen:
		l.Debug("Order already closed")
	case exchange.Throttled:
		l.Info("Exchange throttled the request, retrying on a later event")
	case exchange.Unauthorized:
		l.Error("Exchange rejected credentials")
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(err)
		}
	default:
		l.Error("Unexpected exchange error")
	}
}

// Finish moves the session to Finished, releases its subscriptions and reports the result.
// It must be called from within a processing turn and is idempotent.
func (s *Session) Finish(reason string) {
	s.finishOnce.Do(func() {
		s.ctx.State = Finished
		s.dirty = true
		s.cfg.Hub.Markets.Unsubscribe(s.symbol, s.id)
		s.untrackOrder()
		s.events.Close()

		s.logger.Info("Trading session finished",
			zap.String("reason", reason),
			zap.String("balance", s.ctx.Balance.String()),
			zap.String("held", s.ctx.Held.String()),
		)
		if s.cfg.OnFinish != nil {
			s.cfg.OnFinish(Result{
				SessionID: s.ctx.SessionID,
				ProfileID: s.profile.ID,
				Symbol:    s.ctx.Symbol,
				Balance:   s.ctx.Balance,
				Held:      s.ctx.Held,
			})
		}
	})
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s on %s)", s.id, s.profile.ID, s.symbol)
}
