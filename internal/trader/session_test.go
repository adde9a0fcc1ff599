package trader

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/registry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sessionHarness struct {
	hub      *registry.Hub
	ex       *MockExchange
	journal  *memoryJournal
	session  *Session
	changes  atomic.Int32
	mu       sync.Mutex
	results  []Result
	fatalErr atomic.Value
}

func newSessionHarness(t *testing.T, p Profile, seed Context) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		hub:     registry.NewHub(zap.NewNop()),
		ex:      new(MockExchange),
		journal: &memoryJournal{},
	}
	h.ex.On("FeeRate").Return(decimal.Zero).Maybe()
	h.session = NewSession(p, seed, SessionConfig{
		Logger:            zap.NewNop(),
		Exchange:          h.ex,
		Hub:               h.hub,
		Journal:           h.journal,
		MinimumNegotiable: d("0.0001"),
		OnChange:          func() { h.changes.Add(1) },
		OnFinish: func(r Result) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.results = append(h.results, r)
		},
		OnFatal: func(err error) { h.fatalErr.Store(err) },
	})
	return h
}

func (h *sessionHarness) finished() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Result(nil), h.results...)
}

func (h *sessionHarness) state() State {
	return h.session.Snapshot().State
}

func nmrProfile() Profile {
	return Profile{
		ID:               "default",
		MaxPercentChange: d("100"),
		MinSpreadPercent: d("1"),
		AllocatedCapital: d("100000"),
	}
}

func TestSession_BuyThenSellRoundTrip(t *testing.T) {
	// Arrange
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})

	buyOrder := market.Order{ID: "buy-1", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open,
		Limit: d("10000"), Quantity: d("10")}
	sellOrder := market.Order{ID: "sell-1", Symbol: "NMR-BTC", Direction: market.Sell, Status: market.Open,
		Limit: d("10100"), Quantity: d("10")}
	h.ex.On("BuyLimit", mock.Anything, "NMR-BTC", decimalEq("10"), decimalEq("10000")).Return(buyOrder, nil).Once()
	h.ex.On("SellLimit", mock.Anything, "NMR-BTC", decimalEq("10"), decimalEq("10100")).Return(sellOrder, nil).Once()

	// Act: market with spread ~1.01%
	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))

	// Assert: buy placed and tracked
	require.Eventually(t, func() bool { return h.state() == BuyOrderActive }, waitFor, tick)
	assert.Equal(t, 1, h.hub.Orders.Subscribers("buy-1"))

	// Act: buy fills completely
	filledBuy := buyOrder
	filledBuy.Status = market.Closed
	filledBuy.Filled = d("10")
	filledBuy.Proceeds = d("100000")
	h.hub.Orders.Publish("buy-1", filledBuy)

	// Assert: the session moves to selling and places the sell in the same turn
	require.Eventually(t, func() bool { return h.state() == SellOrderActive }, waitFor, tick)
	c := h.session.Snapshot()
	assert.True(t, c.Held.Equal(d("10")))
	assert.True(t, c.Balance.IsZero())
	assert.True(t, c.BoughtPrice.Equal(d("10000")))
	assert.False(t, c.BoughtAt.IsZero())
	assert.Equal(t, 0, h.hub.Orders.Subscribers("buy-1"))

	// Act: sell fills completely
	filledSell := sellOrder
	filledSell.Status = market.Closed
	filledSell.Filled = d("10")
	filledSell.Proceeds = d("101000")
	h.hub.Orders.Publish("sell-1", filledSell)

	// Assert
	require.Eventually(t, func() bool {
		c := h.session.Snapshot()
		return c.State == Buying && c.Balance.Equal(d("101000"))
	}, waitFor, tick)
	assert.True(t, h.session.Snapshot().Held.IsZero())
	assert.Nil(t, h.session.Snapshot().OpenOrder)

	h.ex.AssertNumberOfCalls(t, "BuyLimit", 1)
	h.ex.AssertNumberOfCalls(t, "SellLimit", 1)
	h.ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)

	trades := h.journal.all()
	require.Len(t, trades, 2)
	assert.Equal(t, "BUY", trades[0].Type)
	assert.Equal(t, "SELL", trades[1].Type)
	assert.True(t, trades[1].Profit.Equal(d("1000")), "profit %s", trades[1].Profit)
	assert.Positive(t, h.changes.Load())
	assert.Empty(t, h.finished())
}

func TestSession_PartialCancelKeepsBothBalances(t *testing.T) {
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})
	buyOrder := market.Order{ID: "buy-1", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open,
		Limit: d("10000"), Quantity: d("10")}
	h.ex.On("BuyLimit", mock.Anything, "NMR-BTC", mock.Anything, mock.Anything).Return(buyOrder, nil).Once()
	h.ex.On("SellLimit", mock.Anything, "NMR-BTC", decimalEq("4"), mock.Anything).
		Return(market.Order{ID: "sell-1", Symbol: "NMR-BTC", Direction: market.Sell, Status: market.Open}, nil).Once()

	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))
	require.Eventually(t, func() bool { return h.state() == BuyOrderActive }, waitFor, tick)

	partial := buyOrder
	partial.Status = market.Closed
	partial.Filled = d("4")
	partial.Proceeds = d("40000")
	partial.Commission = d("40")
	h.hub.Orders.Publish("buy-1", partial)

	require.Eventually(t, func() bool { return h.state() == SellOrderActive }, waitFor, tick)
	c := h.session.Snapshot()
	assert.True(t, c.Held.Equal(d("4")))
	assert.True(t, c.Balance.Equal(d("59960")), "balance %s", c.Balance)
}

func TestSession_OnlyOneOpenOrder(t *testing.T) {
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})
	h.ex.On("BuyLimit", mock.Anything, "NMR-BTC", mock.Anything, mock.Anything).
		Return(market.Order{ID: "buy-1", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open, Limit: d("10000")}, nil)

	h.session.Start()
	for i := 0; i < 10; i++ {
		h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))
	}

	require.Eventually(t, func() bool { return h.state() == BuyOrderActive }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	h.ex.AssertNumberOfCalls(t, "BuyLimit", 1)
}

func TestSession_CancelWhenOutbid(t *testing.T) {
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})
	buyOrder := market.Order{ID: "buy-1", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open,
		Limit: d("10000"), Quantity: d("10")}
	cancelled := buyOrder
	cancelled.Status = market.Closed
	h.ex.On("BuyLimit", mock.Anything, "NMR-BTC", mock.Anything, decimalEq("10000")).Return(buyOrder, nil).Once()
	h.ex.On("CancelOrder", mock.Anything, "NMR-BTC", "buy-1").Return(cancelled, nil).Once()

	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))
	require.Eventually(t, func() bool { return h.state() == BuyOrderActive }, waitFor, tick)

	h.hub.Markets.Publish("NMR-BTC", nmrMarket("10005", "10200"))

	require.Eventually(t, func() bool {
		c := h.session.Snapshot()
		return c.State == Buying && c.OpenOrder == nil
	}, waitFor, tick)
	assert.True(t, h.session.Snapshot().Balance.Equal(d("100000")))
	h.ex.AssertExpectations(t)
}

func TestSession_InsufficientFundsFinishes(t *testing.T) {
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})
	h.ex.On("BuyLimit", mock.Anything, "NMR-BTC", mock.Anything, mock.Anything).
		Return(market.Order{}, exchange.NewError(exchange.InsufficientFunds, "buy_limit", "NMR-BTC", errors.New("no funds"))).Once()

	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))

	require.Eventually(t, func() bool { return len(h.finished()) == 1 && h.state() == Finished }, waitFor, tick)
	r := h.finished()[0]
	assert.Equal(t, "NMR-BTC", r.Symbol)
	assert.True(t, r.Balance.Equal(d("100000")))
	assert.Equal(t, 0, h.hub.Markets.Subscribers("NMR-BTC"))

	// Events after finishing are ignored.
	h.session.onMarket(nmrMarket("9999", "10101"))
	time.Sleep(20 * time.Millisecond)
	h.ex.AssertNumberOfCalls(t, "BuyLimit", 1)
	assert.Len(t, h.finished(), 1)
}

func TestSession_NarrowSpreadFinishes(t *testing.T) {
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})

	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("10000", "10010"))

	require.Eventually(t, func() bool { return h.state() == Finished }, waitFor, tick)
	h.ex.AssertNotCalled(t, "BuyLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSession_DustWhileSellingRevertsToBuying(t *testing.T) {
	seed := Context{
		SessionID:   "resumed",
		Symbol:      "NMR-BTC",
		State:       Selling,
		Balance:     d("5"),
		Held:        d("0.001"),
		BoughtPrice: d("10000"),
	}
	h := newSessionHarness(t, nmrProfile(), seed)
	h.ex.On("SellLimit", mock.Anything, "NMR-BTC", mock.Anything, mock.Anything).
		Return(market.Order{}, exchange.NewError(exchange.DustTrade, "sell_limit", "NMR-BTC", errors.New("min notional"))).Once()

	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))

	require.Eventually(t, func() bool { return h.state() == Buying }, waitFor, tick)
	assert.Equal(t, "resumed", h.session.ID())
	assert.Empty(t, h.finished())
}

func TestSession_UnauthorizedIsFatal(t *testing.T) {
	h := newSessionHarness(t, nmrProfile(), Context{Symbol: "NMR-BTC", Balance: d("100000")})
	h.ex.On("BuyLimit", mock.Anything, "NMR-BTC", mock.Anything, mock.Anything).
		Return(market.Order{}, exchange.NewError(exchange.Unauthorized, "buy_limit", "NMR-BTC", errors.New("bad key"))).Once()

	h.session.Start()
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))

	require.Eventually(t, func() bool { return h.fatalErr.Load() != nil }, waitFor, tick)
	assert.Equal(t, Buying, h.state())
}

func TestSession_ResumedOrderIsTrackedOnStart(t *testing.T) {
	open := &market.Order{ID: "buy-9", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open,
		Limit: d("10000"), Quantity: d("1")}
	seed := Context{SessionID: "s9", Symbol: "NMR-BTC", State: BuyOrderActive, Balance: d("10000"), OpenOrder: open}
	h := newSessionHarness(t, nmrProfile(), seed)

	// The order closed while the engine was down.
	closed := *open
	closed.Status = market.Closed
	h.hub.Orders.Publish("buy-9", closed)

	h.session.Start()

	require.Eventually(t, func() bool { return h.state() == Buying }, waitFor, tick)
	assert.True(t, h.session.Snapshot().Balance.Equal(d("10000")))
}

func TestSession_ResumedFilledBuyIsSold(t *testing.T) {
	open := &market.Order{ID: "buy-9", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open,
		Limit: d("10000"), Quantity: d("1")}
	seed := Context{SessionID: "s9", Symbol: "NMR-BTC", State: BuyOrderActive, Balance: d("10000"), OpenOrder: open}
	h := newSessionHarness(t, nmrProfile(), seed)
	h.ex.On("SellLimit", mock.Anything, "NMR-BTC", decimalEq("1"), mock.Anything).
		Return(market.Order{ID: "sell-9", Symbol: "NMR-BTC", Direction: market.Sell, Status: market.Open,
			Limit: d("10100"), Quantity: d("1")}, nil).Once()

	// The market is known and the buy filled while the engine was down.
	h.hub.Markets.Publish("NMR-BTC", nmrMarket("9999", "10101"))
	filled := *open
	filled.Status = market.Closed
	filled.Filled = d("1")
	filled.Proceeds = d("10000")
	h.hub.Orders.Publish("buy-9", filled)

	h.session.Start()

	require.Eventually(t, func() bool { return h.state() == SellOrderActive }, waitFor, tick)
	c := h.session.Snapshot()
	assert.True(t, c.Held.Equal(d("1")))
	assert.True(t, c.Balance.IsZero())
	assert.Empty(t, h.finished())
	h.ex.AssertNumberOfCalls(t, "SellLimit", 1)
}

func TestSession_ExchangeErrorByState(t *testing.T) {
	openBuy := &market.Order{ID: "buy-1", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open, Limit: d("10000")}
	openSell := &market.Order{ID: "sell-1", Symbol: "NMR-BTC", Direction: market.Sell, Status: market.Open, Limit: d("10100")}

	tests := []struct {
		name     string
		seed     Context
		kind     exchange.Kind
		want     State
		finished bool
	}{
		{"MarketOffline while buying", Context{State: Buying, Balance: d("100")}, exchange.MarketOffline, Finished, true},
		{"MarketOffline while selling", Context{State: Selling, Held: d("1")}, exchange.MarketOffline, Selling, false},
		{"MarketOffline with buy open", Context{State: BuyOrderActive, Balance: d("100"), OpenOrder: openBuy}, exchange.MarketOffline, BuyOrderActive, false},
		{"MarketOffline with sell open", Context{State: SellOrderActive, Held: d("1"), OpenOrder: openSell}, exchange.MarketOffline, SellOrderActive, false},
		{"OrderNotOpen with buy open", Context{State: BuyOrderActive, Balance: d("100"), OpenOrder: openBuy}, exchange.OrderNotOpen, BuyOrderActive, false},
		{"OrderNotOpen with sell open", Context{State: SellOrderActive, Held: d("1"), OpenOrder: openSell}, exchange.OrderNotOpen, SellOrderActive, false},
		{"Throttled while buying", Context{State: Buying, Balance: d("100")}, exchange.Throttled, Buying, false},
		{"Throttled while selling", Context{State: Selling, Held: d("1")}, exchange.Throttled, Selling, false},
		{"DustTrade while buying", Context{State: Buying, Balance: d("100")}, exchange.DustTrade, Buying, false},
		{"Unknown while buying", Context{State: Buying, Balance: d("100")}, exchange.Unknown, Buying, false},
		{"Unknown with sell open", Context{State: SellOrderActive, Held: d("1"), OpenOrder: openSell}, exchange.Unknown, SellOrderActive, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seed := tc.seed
			seed.SessionID = "s1"
			seed.Symbol = "NMR-BTC"
			h := newSessionHarness(t, nmrProfile(), seed)
			h.session.Start()

			// Driven inside a processing turn, the same way a strategy submits.
			done := make(chan struct{})
			h.session.enqueue("test", func() {
				defer close(done)
				h.session.handleExchangeError(zap.NewNop(),
					exchange.NewError(tc.kind, "test", "NMR-BTC", errors.New("rejected")))
			})
			select {
			case <-done:
			case <-time.After(waitFor):
				t.Fatal("turn did not run")
			}

			require.Eventually(t, func() bool { return h.state() == tc.want }, waitFor, tick)
			if tc.finished {
				assert.Len(t, h.finished(), 1)
				assert.Equal(t, 0, h.hub.Markets.Subscribers("NMR-BTC"))
			} else {
				assert.Empty(t, h.finished())
				assert.Equal(t, 1, h.hub.Markets.Subscribers("NMR-BTC"))
			}
			assert.Nil(t, h.fatalErr.Load())
			h.ex.AssertNotCalled(t, "BuyLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestContext_ModelRoundTrip(t *testing.T) {
	boughtAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := Context{
		SessionID:   "s1",
		ProfileID:   "default",
		Symbol:      "NMR-BTC",
		State:       SellOrderActive,
		OpenOrder:   &market.Order{ID: "o1", Symbol: "NMR-BTC", Direction: market.Sell, Status: market.Open, Limit: d("10100")},
		BoughtPrice: d("10000"),
		BoughtAt:    boughtAt,
		Balance:     d("0"),
		Held:        d("10"),
	}

	st, err := contextToModel(c)
	require.NoError(t, err)
	assert.Equal(t, "SellOrderActive", st.State)

	back, err := contextFromModel(st)
	require.NoError(t, err)
	assert.Equal(t, SellOrderActive, back.State)
	require.NotNil(t, back.OpenOrder)
	assert.Equal(t, "o1", back.OpenOrder.ID)
	assert.True(t, back.OpenOrder.Limit.Equal(d("10100")))
	assert.True(t, back.BoughtAt.Equal(boughtAt))
	assert.Equal(t, "NMR-BTC", back.Market.Symbol)

	_, err = ParseState("Sleeping")
	assert.Error(t, err)
}
