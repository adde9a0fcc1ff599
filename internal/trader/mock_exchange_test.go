package trader

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/models"
)

// MockExchange is a mock implementation of exchange.Adapter.
type MockExchange struct {
	mock.Mock
}

var _ exchange.Adapter = (*MockExchange)(nil)

func (m *MockExchange) IsReady() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockExchange) OnBalance(cb func(exchange.Batch[market.Balance]))        { m.Called(cb) }
func (m *MockExchange) OnMarketSummaries(cb func(exchange.Batch[market.Summary])) { m.Called(cb) }
func (m *MockExchange) OnTickers(cb func(exchange.Batch[market.Ticker]))          { m.Called(cb) }
func (m *MockExchange) OnOrder(cb func(market.Order))                             { m.Called(cb) }

func (m *MockExchange) GetBalances(ctx context.Context) (exchange.Batch[market.Balance], error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.Batch[market.Balance]), args.Error(1)
}

func (m *MockExchange) GetMarketSummaries(ctx context.Context) (exchange.Batch[market.Summary], error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.Batch[market.Summary]), args.Error(1)
}

func (m *MockExchange) GetTickers(ctx context.Context) (exchange.Batch[market.Ticker], error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.Batch[market.Ticker]), args.Error(1)
}

func (m *MockExchange) GetClosedOrders(ctx context.Context, cursor string) (exchange.Batch[market.Order], error) {
	args := m.Called(ctx, cursor)
	return args.Get(0).(exchange.Batch[market.Order]), args.Error(1)
}

func (m *MockExchange) BuyLimit(ctx context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	args := m.Called(ctx, symbol, quantity, price)
	return args.Get(0).(market.Order), args.Error(1)
}

func (m *MockExchange) SellLimit(ctx context.Context, symbol string, quantity, price decimal.Decimal) (market.Order, error) {
	args := m.Called(ctx, symbol, quantity, price)
	return args.Get(0).(market.Order), args.Error(1)
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, id string) (market.Order, error) {
	args := m.Called(ctx, symbol, id)
	return args.Get(0).(market.Order), args.Error(1)
}

func (m *MockExchange) FeeRate() decimal.Decimal {
	args := m.Called()
	return args.Get(0).(decimal.Decimal)
}

// decimalEq matches a decimal argument by value rather than by representation.
func decimalEq(s string) interface{} {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(v decimal.Decimal) bool { return v.Equal(want) })
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memoryJournal records trades in memory.
type memoryJournal struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (j *memoryJournal) RecordTrade(_ context.Context, t *models.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, *t)
	return nil
}

func (j *memoryJournal) all() []models.Trade {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.Trade(nil), j.trades...)
}
