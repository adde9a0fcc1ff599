package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Snapshot is the latest known state of a single market.
// A new snapshot replaces the cached one for its symbol; snapshots are never mutated after publishing.
type Snapshot struct {
	Symbol        string          `json:"symbol"` // e.g. "NMR-BTC"
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Last          decimal.Decimal `json:"last"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Precision     int32           `json:"precision"` // decimal places for price and amount
	Online        bool            `json:"online"`
	Notice        string          `json:"notice,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SpreadPercent returns (ask-bid)/ask*100, or zero when either side is unknown.
func (s Snapshot) SpreadPercent() decimal.Decimal {
	if !s.Bid.IsPositive() || !s.Ask.IsPositive() {
		return decimal.Zero
	}
	return s.Ask.Sub(s.Bid).Div(s.Ask).Mul(hundred)
}

// PriceIncrement is the smallest price step at the market's precision.
func (s Snapshot) PriceIncrement() decimal.Decimal {
	return decimal.New(1, -s.Precision)
}

// TradablePrice is the last trade rate, falling back to the bid when no trade is known.
func (s Snapshot) TradablePrice() decimal.Decimal {
	if s.Last.IsPositive() {
		return s.Last
	}
	return s.Bid
}

// Asset is the traded currency, the "X" in "X-Y".
func (s Snapshot) Asset() string {
	asset, _ := SplitSymbol(s.Symbol)
	return asset
}

// Quote is the currency prices are expressed in, the "Y" in "X-Y".
func (s Snapshot) Quote() string {
	_, quote := SplitSymbol(s.Symbol)
	return quote
}

// ApplySummary returns a copy of s updated with the 24h statistics from sum.
func (s Snapshot) ApplySummary(sum Summary) Snapshot {
	s.Symbol = sum.Symbol
	s.High = sum.High
	s.Low = sum.Low
	s.Volume = sum.Volume
	s.QuoteVolume = sum.QuoteVolume
	s.PercentChange = sum.PercentChange
	s.Precision = sum.Precision
	s.Online = sum.Online
	s.Notice = sum.Notice
	if sum.Last.IsPositive() {
		s.Last = sum.Last
	}
	if sum.Bid.IsPositive() {
		s.Bid = sum.Bid
	}
	if sum.Ask.IsPositive() {
		s.Ask = sum.Ask
	}
	s.Timestamp = sum.Timestamp
	return s
}

// ApplyTicker returns a copy of s updated with the top-of-book rates from t.
func (s Snapshot) ApplyTicker(t Ticker) Snapshot {
	s.Symbol = t.Symbol
	s.Bid = t.Bid
	s.Ask = t.Ask
	if t.Last.IsPositive() {
		s.Last = t.Last
	}
	s.Timestamp = t.Timestamp
	return s
}

// Summary is the partial market update carrying 24h statistics and market metadata.
type Summary struct {
	Symbol        string
	Bid           decimal.Decimal
	Ask           decimal.Decimal
	Last          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Volume        decimal.Decimal
	QuoteVolume   decimal.Decimal
	PercentChange decimal.Decimal
	Precision     int32
	Online        bool
	Notice        string
	Timestamp     time.Time
}

// Ticker is the partial market update carrying top-of-book rates.
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// Balance is the available amount of one currency.
type Balance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Symbol builds the "ASSET-QUOTE" identifier.
func Symbol(asset, quote string) string {
	return NormalizeCurrency(asset) + "-" + NormalizeCurrency(quote)
}

// SplitSymbol splits "ASSET-QUOTE" into its parts. Malformed symbols yield the whole symbol as asset.
func SplitSymbol(symbol string) (asset, quote string) {
	idx := strings.LastIndex(symbol, "-")
	if idx < 0 {
		return symbol, ""
	}
	return symbol[:idx], symbol[idx+1:]
}

// CeilToPrecision rounds v up to the given number of decimal places.
func CeilToPrecision(v decimal.Decimal, precision int32) decimal.Decimal {
	return v.RoundCeil(precision)
}

// FloorToPrecision rounds v down to the given number of decimal places.
func FloorToPrecision(v decimal.Decimal, precision int32) decimal.Decimal {
	return v.RoundFloor(precision)
}
