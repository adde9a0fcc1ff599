package trader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/exchange/paper"
	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/models"
	"spread-trade-bot-go/internal/store"
)

// memoryStore keeps saved snapshots in memory.
type memoryStore struct {
	mu    sync.Mutex
	saves []store.Snapshot
}

func (m *memoryStore) Save(_ context.Context, snap store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, snap)
	return nil
}

func (m *memoryStore) Load(context.Context) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saves) == 0 {
		return store.Snapshot{}, store.ErrNoSnapshot
	}
	return m.saves[len(m.saves)-1], nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func engineConfig() config.Config {
	return config.Config{
		Exchange: config.Exchange{Name: "paper"},
		Trading: config.Trading{
			MaxSessions:             1,
			BaseMarket:              "BTC",
			MinimumPrice:            0.000001,
			MinimumNegotiableAmount: 0.0001,
			RiskProfiles: []config.RiskProfile{{
				ID:                              "default",
				MaxPercentChangeFromPreviousDay: 100,
				MinimumSpreadPercent:            1,
				AllocatedCapital:                100000,
			}},
		},
		Persistence: config.Persistence{Interval: 10},
	}
}

func TestEngine_PaperRoundTrip(t *testing.T) {
	// Arrange
	ex := paper.New(nil, map[string]decimal.Decimal{"BTC": d("100000")}, decimal.Zero, zap.NewNop())
	ex.PushSummaries([]market.Summary{{
		Symbol: "NMR-BTC", Precision: 0, Online: true, QuoteVolume: d("10"), PercentChange: d("1"),
	}})
	ex.PushTickers([]market.Ticker{{Symbol: "NMR-BTC", Bid: d("9999"), Ask: d("10101")}})

	st := &memoryStore{}
	journal := &memoryJournal{}
	e := NewEngine(zap.NewNop(), engineConfig(), ex, st, journal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	sessionState := func() (State, bool) {
		sessions := e.Allocator().Sessions()
		if len(sessions) != 1 {
			return Finished, false
		}
		return sessions[0].State, true
	}

	// Act & Assert: allocation and buy
	require.Eventually(t, func() bool {
		s, ok := sessionState()
		return ok && s == BuyOrderActive
	}, waitFor, tick)
	assert.True(t, e.Allocator().Available().IsZero())

	// The ask drops to the buy limit and fills it; the session sells one increment below the old ask.
	ex.PushTickers([]market.Ticker{{Symbol: "NMR-BTC", Bid: d("9999"), Ask: d("10000")}})
	require.Eventually(t, func() bool {
		s, ok := sessionState()
		return ok && s == SellOrderActive
	}, waitFor, tick)
	open := e.Allocator().Sessions()[0].OpenOrder
	require.NotNil(t, open)
	assert.True(t, open.Limit.Equal(d("10100")))

	// The bid reaches the sell limit; afterwards the spread is too narrow to buy again.
	ex.PushTickers([]market.Ticker{{Symbol: "NMR-BTC", Bid: d("10100"), Ask: d("10200")}})
	require.Eventually(t, func() bool {
		return len(e.Allocator().Sessions()) == 0 && e.Allocator().Available().Equal(d("101000"))
	}, waitFor, tick)

	trades := journal.all()
	require.Len(t, trades, 2)
	assert.True(t, trades[1].Profit.Equal(d("1000")))
	assert.Empty(t, e.Allocator().Dust())

	cancel()
	require.NoError(t, <-errc)
	assert.Positive(t, st.count())
}

func TestEngine_DropsStaleBatches(t *testing.T) {
	e := NewEngine(zap.NewNop(), engineConfig(), new(MockExchange), &memoryStore{}, nil)

	e.ingestSummaries(exchange.Batch[market.Summary]{Sequence: 1, Items: []market.Summary{
		{Symbol: "NMR-BTC", Precision: 2, Online: true, QuoteVolume: d("5")},
	}})
	e.ingestTickers(exchange.Batch[market.Ticker]{Sequence: 2, Items: []market.Ticker{
		{Symbol: "NMR-BTC", Bid: d("1"), Ask: d("2")},
	}})
	e.ingestTickers(exchange.Batch[market.Ticker]{Sequence: 1, Items: []market.Ticker{
		{Symbol: "NMR-BTC", Bid: d("5"), Ask: d("6")},
	}})

	m, ok := e.Hub().Markets.Get("NMR-BTC")
	require.True(t, ok)
	assert.True(t, m.Bid.Equal(d("1")), "stale batch must not overwrite newer rates")
	assert.Equal(t, int32(2), m.Precision, "ticker merges into the summary")
	assert.True(t, m.QuoteVolume.Equal(d("5")))

	// A gap is accepted.
	e.ingestTickers(exchange.Batch[market.Ticker]{Sequence: 7, Items: []market.Ticker{
		{Symbol: "NMR-BTC", Bid: d("3"), Ask: d("4")},
	}})
	m, _ = e.Hub().Markets.Get("NMR-BTC")
	assert.True(t, m.Bid.Equal(d("3")))

	batch, ok := e.Hub().Batches.Get("*")
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].Ask.Equal(d("4")))
	assert.Len(t, e.Markets(), 1)
}

func TestEngine_UnauthorizedBootstrapStops(t *testing.T) {
	ex := new(MockExchange)
	ex.On("IsReady").Return(true)
	ex.On("OnBalance", mock.Anything).Return()
	ex.On("OnMarketSummaries", mock.Anything).Return()
	ex.On("OnTickers", mock.Anything).Return()
	ex.On("OnOrder", mock.Anything).Return()
	ex.On("GetBalances", mock.Anything).Return(exchange.Batch[market.Balance]{},
		exchange.NewError(exchange.Unauthorized, "get_balances", "", errors.New("invalid api key")))
	ex.On("GetMarketSummaries", mock.Anything).Return(exchange.Batch[market.Summary]{}, nil).Maybe()
	ex.On("GetTickers", mock.Anything).Return(exchange.Batch[market.Ticker]{}, nil).Maybe()

	e := NewEngine(zap.NewNop(), engineConfig(), ex, &memoryStore{}, nil)
	err := e.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, exchange.Unauthorized, exchange.KindOf(err))
	ex.AssertNumberOfCalls(t, "GetBalances", 1)
}

func TestEngine_ResumedOrderUnknownToExchangeIsReleased(t *testing.T) {
	// Arrange: a saved session waits on a buy the simulated exchange never issued.
	ex := paper.New(nil, map[string]decimal.Decimal{"BTC": d("100000")}, decimal.Zero, zap.NewNop())
	ex.PushSummaries([]market.Summary{{
		Symbol: "NMR-BTC", Precision: 0, Online: true, QuoteVolume: d("10"), PercentChange: d("1"),
	}})
	ex.PushTickers([]market.Ticker{{Symbol: "NMR-BTC", Bid: d("9999"), Ask: d("10101")}})

	saved, err := contextToModel(Context{
		SessionID: "resumed",
		ProfileID: "default",
		Symbol:    "NMR-BTC",
		State:     BuyOrderActive,
		Balance:   d("100000"),
		OpenOrder: &market.Order{ID: "lost-1", Symbol: "NMR-BTC", Direction: market.Buy, Status: market.Open,
			Limit: d("10000"), Quantity: d("10")},
	})
	require.NoError(t, err)
	st := &memoryStore{saves: []store.Snapshot{{Sessions: []models.SessionState{saved}}}}
	e := NewEngine(zap.NewNop(), engineConfig(), ex, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	// Act: the bid moves above the stale buy, so the session cancels it.
	require.Eventually(t, func() bool { return len(e.Allocator().Sessions()) == 1 }, waitFor, tick)
	ex.PushTickers([]market.Ticker{{Symbol: "NMR-BTC", Bid: d("10005"), Ask: d("10200")}})

	// Assert: the unknown order closes without fill and the session trades again.
	require.Eventually(t, func() bool {
		sessions := e.Allocator().Sessions()
		if len(sessions) != 1 {
			return false
		}
		c := sessions[0]
		return c.SessionID == "resumed" && (c.OpenOrder == nil || c.OpenOrder.ID != "lost-1")
	}, waitFor, tick)
	assert.True(t, e.Allocator().Sessions()[0].Held.IsZero())

	cancel()
	require.NoError(t, <-errc)
}
