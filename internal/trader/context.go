package trader

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/models"
)

// State is the trading session state.
type State int

const (
	Buying State = iota
	BuyOrderActive
	Selling
	SellOrderActive
	Finished
)

func (s State) String() string {
	switch s {
	case Buying:
		return "Buying"
	case BuyOrderActive:
		return "BuyOrderActive"
	case Selling:
		return "Selling"
	case SellOrderActive:
		return "SellOrderActive"
	case Finished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := Buying; st <= Finished; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return Buying, fmt.Errorf("unknown session state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Context is the mutable state of one trading session. Only the owning session writes it.
type Context struct {
	SessionID   string          `json:"session_id"`
	ProfileID   string          `json:"profile_id"`
	Symbol      string          `json:"symbol"`
	State       State           `json:"state"`
	Market      market.Snapshot `json:"market"`
	OpenOrder   *market.Order   `json:"open_order,omitempty"`
	BoughtPrice decimal.Decimal `json:"bought_price"`
	BoughtAt    time.Time       `json:"bought_at"`
	Balance     decimal.Decimal `json:"balance"` // base currency: initial capital ± realized profit
	Held        decimal.Decimal `json:"held"`    // quantity of the traded asset
}

// clone returns a copy that shares no pointers with c.
func (c Context) clone() Context {
	if c.OpenOrder != nil {
		o := *c.OpenOrder
		c.OpenOrder = &o
	}
	return c
}

// Result is what a finished session hands back to the allocator.
type Result struct {
	SessionID string
	ProfileID string
	Symbol    string
	Balance   decimal.Decimal
	Held      decimal.Decimal
}

func contextToModel(c Context) (models.SessionState, error) {
	st := models.SessionState{
		ID:          c.SessionID,
		ProfileID:   c.ProfileID,
		Symbol:      c.Symbol,
		State:       c.State.String(),
		Balance:     c.Balance,
		Held:        c.Held,
		BoughtPrice: c.BoughtPrice,
	}
	if !c.BoughtAt.IsZero() {
		boughtAt := c.BoughtAt
		st.BoughtAt = &boughtAt
	}
	if c.OpenOrder != nil {
		data, err := json.Marshal(c.OpenOrder)
		if err != nil {
			return st, fmt.Errorf("failed to encode open order of session %s: %w", c.SessionID, err)
		}
		st.OpenOrder = string(data)
	}
	return st, nil
}

func contextFromModel(st models.SessionState) (Context, error) {
	state, err := ParseState(st.State)
	if err != nil {
		return Context{}, err
	}
	c := Context{
		SessionID:   st.ID,
		ProfileID:   st.ProfileID,
		Symbol:      st.Symbol,
		State:       state,
		Market:      market.Snapshot{Symbol: st.Symbol},
		BoughtPrice: st.BoughtPrice,
		Balance:     st.Balance,
		Held:        st.Held,
	}
	if st.BoughtAt != nil {
		c.BoughtAt = *st.BoughtAt
	}
	if st.OpenOrder != "" {
		var o market.Order
		if err := json.Unmarshal([]byte(st.OpenOrder), &o); err != nil {
			return Context{}, fmt.Errorf("failed to decode open order of session %s: %w", st.ID, err)
		}
		c.OpenOrder = &o
	}
	return c, nil
}
