package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/metrics"
	"spread-trade-bot-go/internal/registry"
	"spread-trade-bot-go/internal/store"
)

const (
	feedBalances  = "balances"
	feedSummaries = "summaries"
	feedTickers   = "tickers"

	feedClosedOrders = "closed_orders"

	bootstrapTries = 5
)

var errNotReady = errors.New("exchange adapter not ready")

// Engine wires the exchange adapter to the registries, the allocator and persistence.
type Engine struct {
	UUID string
	Name string

	logger    *zap.Logger
	cfg       config.Config
	exchange  exchange.Adapter
	hub       *registry.Hub
	allocator *Allocator
	store     store.Store
	journal   store.TradeJournal
	saver     *store.Saver

	// Now is the session clock. Tests may replace it before Run.
	Now func() time.Time

	// ingest serialises feed handling so every registry key has a single publisher.
	ingest    sync.Mutex
	markets   map[string]market.Snapshot
	sequences map[string]int64

	fatal     chan error
	startedAt time.Time
}

// NewEngine creates a new trading engine. journal may be nil.
func NewEngine(logger *zap.Logger, cfg config.Config, ex exchange.Adapter, st store.Store, journal store.TradeJournal) *Engine {
	e := &Engine{
		UUID:      uuid.NewString(),
		Name:      cfg.Exchange.Name,
		logger:    logger,
		cfg:       cfg,
		exchange:  ex,
		hub:       registry.NewHub(logger),
		store:     st,
		journal:   journal,
		Now:       time.Now,
		markets:   make(map[string]market.Snapshot),
		sequences: make(map[string]int64),
		fatal:     make(chan error, 1),
		startedAt: time.Now(),
	}
	e.allocator = NewAllocator(AllocatorConfigFrom(cfg.Trading), ProfilesFromConfig(cfg.Trading), e.hub, e.spawn, logger)
	e.saver = store.NewSaver(st, e.allocator.Snapshot, cfg.Persistence.SaveInterval(), logger)
	e.allocator.OnChange = e.saver.Notify
	return e
}

// Hub returns the registries shared with the sessions.
func (e *Engine) Hub() *registry.Hub { return e.hub }

// Allocator returns the session allocator.
func (e *Engine) Allocator() *Allocator { return e.allocator }

// StartedAt returns when the engine was created.
func (e *Engine) StartedAt() time.Time { return e.startedAt }

// Markets returns the cached market snapshots sorted by symbol.
func (e *Engine) Markets() []market.Snapshot { return e.snapshotMarkets() }

func (e *Engine) spawn(p Profile, seed Context) runner {
	return NewSession(p, seed, SessionConfig{
		Logger:            e.logger,
		Exchange:          e.exchange,
		Hub:               e.hub,
		Journal:           e.journal,
		MinimumNegotiable: decimal.NewFromFloat(e.cfg.Trading.MinimumNegotiableAmount),
		DryRun:            e.cfg.Trading.DryRun,
		Now:               e.Now,
		OnChange:          e.saver.Notify,
		OnFinish:          e.allocator.OnSessionFinished,
		OnFatal:           e.reportFatal,
	})
}

func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// Run bootstraps the engine and blocks until ctx is done or a fatal exchange error occurs.
// Pending session state is flushed before it returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Initializing trading engine...")

	if err := e.waitReady(ctx); err != nil {
		return err
	}

	e.exchange.OnBalance(e.ingestBalances)
	e.exchange.OnMarketSummaries(e.ingestSummaries)
	e.exchange.OnTickers(e.ingestTickers)
	e.exchange.OnOrder(e.ingestOrder)

	if err := e.bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap market data: %w", err)
	}
	if err := e.restore(ctx); err != nil {
		return err
	}
	e.allocator.Start()
	e.logger.Info("Engine initialized successfully.",
		zap.Int("markets", len(e.snapshotMarkets())),
		zap.Int("sessions", len(e.allocator.Sessions())),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		e.saver.Run(runCtx)
	}()

	var err error
	select {
	case <-ctx.Done():
		e.logger.Info("Stopping trading engine...")
	case err = <-e.fatal:
		e.logger.Error("Stopping trading engine after fatal exchange error", zap.Error(err))
	}
	cancel()
	<-saverDone
	return err
}

// waitReady polls the adapter with exponential backoff until it reports ready.
func (e *Engine) waitReady(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 30 * time.Second

	for !e.exchange.IsReady() {
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		e.logger.Info("Waiting for exchange adapter", zap.Duration("retry_in", sleep))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errNotReady, ctx.Err())
		case <-time.After(sleep):
		}
	}
	return nil
}

// bootstrap fetches the initial balances, summaries and tickers concurrently.
func (e *Engine) bootstrap(ctx context.Context) error {
	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		batch, err := fetch(ctx, e.logger, feedBalances, e.exchange.GetBalances)
		if err == nil {
			e.ingestBalances(batch)
		}
		return err
	})
	p.Go(func(ctx context.Context) error {
		batch, err := fetch(ctx, e.logger, feedSummaries, e.exchange.GetMarketSummaries)
		if err == nil {
			e.ingestSummaries(batch)
		}
		return err
	})
	p.Go(func(ctx context.Context) error {
		batch, err := fetch(ctx, e.logger, feedTickers, e.exchange.GetTickers)
		if err == nil {
			e.ingestTickers(batch)
		}
		return err
	})
	return p.Wait()
}

// fetch retries a snapshot request; credential failures are not retried.
func fetch[T any](ctx context.Context, logger *zap.Logger, feed string, get func(context.Context) (exchange.Batch[T], error)) (exchange.Batch[T], error) {
	return backoff.Retry(ctx, func() (exchange.Batch[T], error) {
		batch, err := get(ctx)
		if err != nil && exchange.KindOf(err) == exchange.Unauthorized {
			return batch, backoff.Permanent(err)
		}
		return batch, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(bootstrapTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Snapshot request failed, retrying",
				zap.String("feed", feed), zap.Duration("retry_in", next), zap.Error(err))
		}),
	)
}

// restore loads the last snapshot into the allocator and reconciles orders that closed while
// the engine was down.
func (e *Engine) restore(ctx context.Context) error {
	snap, err := e.store.Load(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		e.logger.Info("No saved snapshot, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	e.allocator.Restore(snap)

	open := make(map[string]map[string]struct{}) // symbol -> order ids
	for _, c := range e.allocator.PendingContexts() {
		if c.OpenOrder == nil {
			continue
		}
		if open[c.Symbol] == nil {
			open[c.Symbol] = make(map[string]struct{})
		}
		open[c.Symbol][c.OpenOrder.ID] = struct{}{}
	}

	for symbol, ids := range open {
		closed, err := fetch(ctx, e.logger, feedClosedOrders, func(ctx context.Context) (exchange.Batch[market.Order], error) {
			return e.exchange.GetClosedOrders(ctx, symbol)
		})
		if err != nil {
			e.logger.Warn("Failed to reconcile open orders", zap.String("market", symbol), zap.Error(err))
			continue
		}
		for _, o := range closed.Items {
			if _, ok := ids[o.ID]; ok {
				e.logger.Info("Order closed while offline", zap.String("order", o.ID), zap.String("market", symbol))
				e.ingestOrder(o)
			}
		}
	}
	return nil
}

// accept applies the per-feed sequence rule and must be called with ingest held.
func (e *Engine) accept(feed string, seq int64) bool {
	last, seen := e.sequences[feed]
	if seen && seq <= last {
		metrics.DroppedBatches.WithLabelValues(feed).Inc()
		e.logger.Debug("Dropping stale batch", zap.String("feed", feed), zap.Int64("sequence", seq), zap.Int64("last", last))
		return false
	}
	if seen && seq > last+1 {
		e.logger.Warn("Feed sequence gap", zap.String("feed", feed), zap.Int64("sequence", seq), zap.Int64("last", last))
	}
	e.sequences[feed] = seq
	return true
}

func (e *Engine) ingestBalances(batch exchange.Batch[market.Balance]) {
	e.ingest.Lock()
	defer e.ingest.Unlock()
	if !e.accept(feedBalances, batch.Sequence) {
		return
	}
	for _, b := range batch.Items {
		e.hub.PublishBalance(b)
	}
}

func (e *Engine) ingestSummaries(batch exchange.Batch[market.Summary]) {
	e.ingest.Lock()
	defer e.ingest.Unlock()
	if !e.accept(feedSummaries, batch.Sequence) {
		return
	}
	changed := make([]market.Snapshot, 0, len(batch.Items))
	for _, s := range batch.Items {
		m := e.markets[s.Symbol].ApplySummary(s)
		e.markets[s.Symbol] = m
		changed = append(changed, m)
	}
	e.publishMarkets(changed)
}

func (e *Engine) ingestTickers(batch exchange.Batch[market.Ticker]) {
	e.ingest.Lock()
	defer e.ingest.Unlock()
	if !e.accept(feedTickers, batch.Sequence) {
		return
	}
	changed := make([]market.Snapshot, 0, len(batch.Items))
	for _, t := range batch.Items {
		m := e.markets[t.Symbol].ApplyTicker(t)
		e.markets[t.Symbol] = m
		changed = append(changed, m)
	}
	e.publishMarkets(changed)
}

// publishMarkets must be called with ingest held.
func (e *Engine) publishMarkets(changed []market.Snapshot) {
	if len(changed) == 0 {
		return
	}
	for _, m := range changed {
		e.hub.Markets.Publish(m.Symbol, m)
	}
	e.hub.Batches.Publish(registry.AllMarkets, changed)
}

func (e *Engine) ingestOrder(o market.Order) {
	e.ingest.Lock()
	defer e.ingest.Unlock()
	e.hub.Orders.Publish(o.ID, o)
}

// snapshotMarkets returns the cached market snapshots sorted by symbol.
func (e *Engine) snapshotMarkets() []market.Snapshot {
	e.ingest.Lock()
	defer e.ingest.Unlock()
	out := make([]market.Snapshot, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
