package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/market"
)

// intentAction is the exchange call an orderIntent performs.
type intentAction int

const (
	placeBuy intentAction = iota
	placeSell
	cancelOrder
)

func (a intentAction) String() string {
	switch a {
	case placeBuy:
		return "buy"
	case placeSell:
		return "sell"
	default:
		return "cancel"
	}
}

// orderIntent is a deferred exchange call produced by a strategy and executed by the session.
type orderIntent struct {
	Action   intentAction
	Symbol   string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	OrderID  string // cancel only
}

func buyIntent(symbol string, quantity, price decimal.Decimal) orderIntent {
	return orderIntent{Action: placeBuy, Symbol: symbol, Quantity: quantity, Price: price}
}

func sellIntent(symbol string, quantity, price decimal.Decimal) orderIntent {
	return orderIntent{Action: placeSell, Symbol: symbol, Quantity: quantity, Price: price}
}

func cancelIntent(o market.Order) orderIntent {
	return orderIntent{Action: cancelOrder, Symbol: o.Symbol, OrderID: o.ID}
}

func (i orderIntent) execute(ctx context.Context, ex exchange.Adapter) (market.Order, error) {
	switch i.Action {
	case placeBuy:
		return ex.BuyLimit(ctx, i.Symbol, i.Quantity, i.Price)
	case placeSell:
		return ex.SellLimit(ctx, i.Symbol, i.Quantity, i.Price)
	default:
		return ex.CancelOrder(ctx, i.Symbol, i.OrderID)
	}
}

func (i orderIntent) String() string {
	if i.Action == cancelOrder {
		return fmt.Sprintf("cancel %s on %s", i.OrderID, i.Symbol)
	}
	return fmt.Sprintf("%s %s %s @ %s", i.Action, i.Quantity, i.Symbol, i.Price)
}

// actions is what a strategy may do with its session.
type actions interface {
	SubmitOrder(intent orderIntent)
	Finish(reason string)
}

// StrategyContext is the read-only input of one strategy evaluation.
type StrategyContext struct {
	Profile Profile
	Session Context
	FeeRate decimal.Decimal
	Now     time.Time
}

// strategy reacts to the latest market snapshot in one session state.
type strategy func(sc StrategyContext, act actions)

// strategyFor returns the strategy of a state; Finished has none.
func strategyFor(s State) strategy {
	switch s {
	case Buying:
		return buyingStrategy
	case BuyOrderActive:
		return buyOrderActiveStrategy
	case Selling:
		return sellingStrategy
	case SellOrderActive:
		return sellOrderActiveStrategy
	case Finished:
		return nil
	}
	return nil
}

// buyingStrategy places a limit buy one increment above the best bid while the spread is wide enough.
func buyingStrategy(sc StrategyContext, act actions) {
	m := sc.Session.Market
	if !m.Bid.IsPositive() {
		return
	}
	if m.SpreadPercent().LessThan(sc.Profile.MinSpreadPercent) {
		act.Finish("spread below profile minimum")
		return
	}

	price := market.CeilToPrecision(m.Bid.Add(m.PriceIncrement()), m.Precision)
	quantity := market.CeilToPrecision(sc.Session.Balance.Mul(one.Sub(sc.FeeRate)).Div(price), m.Precision)
	act.SubmitOrder(buyIntent(m.Symbol, quantity, price))
}

// buyOrderActiveStrategy cancels the open buy when the spread collapsed or the bid moved away.
func buyOrderActiveStrategy(sc StrategyContext, act actions) {
	m := sc.Session.Market
	order := sc.Session.OpenOrder
	if order == nil || !m.Bid.IsPositive() {
		return
	}

	spreadTooNarrow := m.SpreadPercent().LessThan(sc.Profile.MinSpreadPercent)
	outbid := m.Bid.Sub(order.Limit).GreaterThanOrEqual(sc.Profile.RepriceThresholdFor(m))
	if spreadTooNarrow || outbid {
		act.SubmitOrder(cancelIntent(*order))
	}
}

// sellingStrategy places a limit sell one increment below the best ask, protecting the profit floor
// until the loss grace period has passed.
func sellingStrategy(sc StrategyContext, act actions) {
	m := sc.Session.Market
	if !m.Ask.IsPositive() || !sc.Session.Held.IsPositive() {
		return
	}

	price := market.FloorToPrecision(m.Ask.Sub(m.PriceIncrement()), m.Precision)
	if !sc.Profile.GraceElapsed(sc.Session.BoughtAt, sc.Now) {
		floor := market.CeilToPrecision(sc.Profile.ProfitFloor(sc.Session.BoughtPrice), m.Precision)
		price = decimal.Max(price, floor)
	}
	act.SubmitOrder(sellIntent(m.Symbol, sc.Session.Held, price))
}

// sellOrderActiveStrategy cancels the open sell when the ask dropped below it, unless that would
// force a loss inside the grace period.
func sellOrderActiveStrategy(sc StrategyContext, act actions) {
	m := sc.Session.Market
	order := sc.Session.OpenOrder
	if order == nil || !m.Ask.IsPositive() {
		return
	}

	undercut := order.Limit.Sub(m.Ask).GreaterThanOrEqual(sc.Profile.RepriceThresholdFor(m))
	if !undercut {
		return
	}
	if sc.Profile.GraceElapsed(sc.Session.BoughtAt, sc.Now) ||
		m.Ask.GreaterThanOrEqual(sc.Profile.ProfitFloor(sc.Session.BoughtPrice)) {
		act.SubmitOrder(cancelIntent(*order))
	}
}
