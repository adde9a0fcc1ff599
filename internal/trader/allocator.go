package trader

import (
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/metrics"
	"spread-trade-bot-go/internal/registry"
	"spread-trade-bot-go/internal/store"
)

const allocatorSubscriber = "allocator"

// runner is the part of a trading session the allocator manages.
type runner interface {
	ID() string
	Symbol() string
	ProfileID() string
	Start()
	Snapshot() Context
}

// spawnFunc builds a session for a profile from a seed context without starting it.
type spawnFunc func(p Profile, seed Context) runner

// AllocatorConfig holds the global allocation limits.
type AllocatorConfig struct {
	MaxSessions        int
	BaseMarket         string
	MinimumPrice       decimal.Decimal
	Capital            decimal.Decimal // zero seeds the capital from the base currency balance
	ExcludedMarkets    []string
	RestrictedSuffixes []string
}

// AllocatorConfigFrom converts the trading configuration.
func AllocatorConfigFrom(t config.Trading) AllocatorConfig {
	return AllocatorConfig{
		MaxSessions:        t.MaxSessions,
		BaseMarket:         market.NormalizeCurrency(t.BaseMarket),
		MinimumPrice:       decimal.NewFromFloat(t.MinimumPrice),
		Capital:            decimal.NewFromFloat(t.Capital),
		ExcludedMarkets:    t.ExcludedMarkets,
		RestrictedSuffixes: t.RestrictedSuffixes,
	}
}

// Allocator decides which (profile, market) pairs get a trading session and keeps the capital ledger.
//
// All bookkeeping happens under one lock, so two batches can never both reserve the same pair or
// spend the same capital. Sessions are started after the lock is released.
type Allocator struct {
	cfg      AllocatorConfig
	profiles []Profile
	hub      *registry.Hub
	spawn    spawnFunc
	logger   *zap.Logger

	// OnChange is called after the ledger changed. Set it before Start.
	OnChange func()

	mu           sync.Mutex
	sessions     map[string]runner            // by session id
	allocated    map[string]map[string]string // profile id -> symbol -> session id
	dust         map[string]decimal.Decimal   // symbol -> residual asset quantity
	available    decimal.Decimal
	capitalKnown bool
	pending      []runner // restored, not yet started
}

// NewAllocator creates an allocator for the given profiles, evaluated in order.
func NewAllocator(cfg AllocatorConfig, profiles []Profile, hub *registry.Hub, spawn spawnFunc, logger *zap.Logger) *Allocator {
	a := &Allocator{
		cfg:       cfg,
		profiles:  profiles,
		hub:       hub,
		spawn:     spawn,
		logger:    logger.Named("allocator"),
		sessions:  make(map[string]runner),
		allocated: make(map[string]map[string]string),
		dust:      make(map[string]decimal.Decimal),
	}
	for _, p := range profiles {
		a.allocated[p.ID] = make(map[string]string)
	}
	if cfg.Capital.IsPositive() {
		a.available = cfg.Capital
		a.capitalKnown = true
	}
	return a
}

// Restore recreates the persisted sessions and dust. It must be called before Start.
func (a *Allocator) Restore(snap store.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, qty := range snap.Dust {
		a.dust[symbol] = qty
	}

	for _, st := range snap.Sessions {
		c, err := contextFromModel(st)
		if err != nil {
			a.logger.Error("Skipping unreadable session", zap.String("session", st.ID), zap.Error(err))
			continue
		}
		if c.State == Finished {
			continue
		}
		p, ok := a.profile(c.ProfileID)
		if !ok {
			a.logger.Warn("Session belongs to an unknown profile, keeping its position as dust",
				zap.String("session", c.SessionID), zap.String("profile", c.ProfileID))
			if c.Held.IsPositive() {
				a.dust[c.Symbol] = a.dust[c.Symbol].Add(c.Held)
			}
			continue
		}

		r := a.spawn(p, c)
		a.sessions[r.ID()] = r
		a.allocated[p.ID][c.Symbol] = r.ID()
		a.pending = append(a.pending, r)
		if a.capitalKnown {
			a.available = a.available.Sub(c.Balance)
		}
	}
	a.logger.Info("Restored sessions", zap.Int("sessions", len(a.pending)), zap.Int("dust", len(a.dust)))
}

// Start resumes restored sessions and subscribes to balances and market batches.
func (a *Allocator) Start() {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.updateGauges()
	a.mu.Unlock()

	for _, r := range pending {
		r.Start()
	}

	a.hub.Balances.Subscribe(a.cfg.BaseMarket, allocatorSubscriber, a.onBalance)
	a.hub.Batches.Subscribe(registry.AllMarkets, allocatorSubscriber, a.onBatch)
}

// onBalance seeds the available capital from the first base currency balance.
func (a *Allocator) onBalance(b market.Balance) error {
	a.mu.Lock()
	if a.capitalKnown {
		a.mu.Unlock()
		return nil
	}

	// Capital of resumed sessions that is not locked in an open buy order is still part of the
	// exchange balance.
	committed := decimal.Zero
	for _, r := range a.sessions {
		c := r.Snapshot()
		if c.OpenOrder == nil || c.OpenOrder.Direction != market.Buy {
			committed = committed.Add(c.Balance)
		}
	}
	a.available = decimal.Max(decimal.Zero, b.Available.Sub(committed))
	a.capitalKnown = true
	a.updateGauges()
	available := a.available
	a.mu.Unlock()

	a.logger.Info("Seeded capital from balance",
		zap.String("currency", b.Currency),
		zap.String("balance", b.Available.String()),
		zap.String("available", available.String()),
	)
	return nil
}

// onBatch allocates sessions for eligible markets of a batch.
func (a *Allocator) onBatch(batch []market.Snapshot) error {
	a.mu.Lock()
	if !a.capitalKnown || len(a.sessions) >= a.cfg.MaxSessions {
		a.mu.Unlock()
		return nil
	}

	candidates := make([]market.Snapshot, 0, len(batch))
	for _, m := range batch {
		if a.tradable(m) {
			candidates = append(candidates, m)
		}
	}

	var started []runner
	for _, p := range a.profiles {
		for _, m := range candidates {
			if len(a.sessions) >= a.cfg.MaxSessions || a.available.LessThan(p.AllocatedCapital) {
				break
			}
			if _, taken := a.allocated[p.ID][m.Symbol]; taken || !p.Eligible(m) {
				continue
			}

			seed := Context{Symbol: m.Symbol, Market: m, Balance: p.AllocatedCapital}
			if qty, ok := a.dust[m.Symbol]; ok {
				seed.Held = qty
				delete(a.dust, m.Symbol)
			}

			r := a.spawn(p, seed)
			a.sessions[r.ID()] = r
			a.allocated[p.ID][m.Symbol] = r.ID()
			a.available = a.available.Sub(p.AllocatedCapital)
			started = append(started, r)
		}
	}
	if len(started) > 0 {
		a.updateGauges()
	}
	a.mu.Unlock()

	for _, r := range started {
		a.logger.Info("Allocated trading session",
			zap.String("session", r.ID()),
			zap.String("profile", r.ProfileID()),
			zap.String("market", r.Symbol()),
		)
		metrics.SessionsStarted.WithLabelValues(r.ProfileID()).Inc()
		r.Start()
	}
	if len(started) > 0 {
		a.changed()
	}
	return nil
}

// tradable applies the global, profile independent market filters.
func (a *Allocator) tradable(m market.Snapshot) bool {
	if m.Quote() != a.cfg.BaseMarket || !m.Online {
		return false
	}
	if m.TradablePrice().LessThan(a.cfg.MinimumPrice) {
		return false
	}
	if slices.Contains(a.cfg.ExcludedMarkets, m.Symbol) {
		return false
	}
	asset := m.Asset()
	for _, suffix := range a.cfg.RestrictedSuffixes {
		if suffix != "" && strings.HasSuffix(asset, market.NormalizeCurrency(suffix)) {
			return false
		}
	}
	return true
}

// OnSessionFinished releases the session's allocation, credits its balance and keeps residual
// holdings as dust for the next session on the same market.
func (a *Allocator) OnSessionFinished(r Result) {
	a.mu.Lock()
	if id, ok := a.allocated[r.ProfileID][r.Symbol]; ok && id == r.SessionID {
		delete(a.allocated[r.ProfileID], r.Symbol)
	}
	delete(a.sessions, r.SessionID)
	a.available = a.available.Add(r.Balance)
	if r.Held.IsPositive() {
		a.dust[r.Symbol] = a.dust[r.Symbol].Add(r.Held)
	}
	a.updateGauges()
	a.mu.Unlock()

	metrics.SessionsFinished.WithLabelValues(r.ProfileID).Inc()
	a.logger.Info("Released trading session",
		zap.String("session", r.SessionID),
		zap.String("market", r.Symbol),
		zap.String("balance", r.Balance.String()),
		zap.String("dust", r.Held.String()),
	)
	a.changed()
}

// Sessions returns the contexts of all active sessions.
func (a *Allocator) Sessions() []Context {
	a.mu.Lock()
	runners := make([]runner, 0, len(a.sessions))
	for _, r := range a.sessions {
		runners = append(runners, r)
	}
	a.mu.Unlock()

	out := make([]Context, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Snapshot())
	}
	slices.SortFunc(out, func(x, y Context) int { return strings.Compare(x.SessionID, y.SessionID) })
	return out
}

// PendingContexts returns the contexts of restored sessions that were not started yet.
func (a *Allocator) PendingContexts() []Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Context, 0, len(a.pending))
	for _, r := range a.pending {
		out = append(out, r.Snapshot())
	}
	return out
}

// Available returns the capital not committed to any session.
func (a *Allocator) Available() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// Dust returns a copy of the residual holdings per market.
func (a *Allocator) Dust() map[string]decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(a.dust))
	for k, v := range a.dust {
		out[k] = v
	}
	return out
}

// Snapshot collects the persistable state of the allocator and its sessions.
func (a *Allocator) Snapshot() store.Snapshot {
	snap := store.Snapshot{Dust: a.Dust()}
	for _, c := range a.Sessions() {
		if c.State == Finished {
			continue
		}
		st, err := contextToModel(c)
		if err != nil {
			a.logger.Error("Failed to persist session", zap.String("session", c.SessionID), zap.Error(err))
			continue
		}
		snap.Sessions = append(snap.Sessions, st)
	}
	return snap
}

func (a *Allocator) profile(id string) (Profile, bool) {
	for _, p := range a.profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// updateGauges must be called with mu held.
func (a *Allocator) updateGauges() {
	metrics.ActiveSessions.Set(float64(len(a.sessions)))
	metrics.AvailableCapital.Set(a.available.InexactFloat64())
}

func (a *Allocator) changed() {
	if a.OnChange != nil {
		a.OnChange()
	}
}
