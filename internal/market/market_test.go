package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSpreadPercent(t *testing.T) {
	testCases := []struct {
		name     string
		bid, ask string
		expected string
	}{
		{name: "Regular spread", bid: "9999", ask: "10101", expected: "1.0098"},
		{name: "No spread", bid: "10", ask: "10", expected: "0"},
		{name: "Missing bid", bid: "0", ask: "10", expected: "0"},
		{name: "Missing ask", bid: "10", ask: "0", expected: "0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := Snapshot{Bid: d(tc.bid), Ask: d(tc.ask)}
			assert.True(t, d(tc.expected).Equal(s.SpreadPercent().Round(4)), "got %s", s.SpreadPercent())
		})
	}
}

func TestPrecisionRounding(t *testing.T) {
	assert.Equal(t, "10000", CeilToPrecision(d("9999.01"), 0).String())
	assert.Equal(t, "0.00012346", CeilToPrecision(d("0.000123451"), 8).String())
	assert.Equal(t, "10100", FloorToPrecision(d("10100.99"), 0).String())
	assert.Equal(t, "0.00012345", FloorToPrecision(d("0.000123459"), 8).String())

	assert.Equal(t, "1", Snapshot{Precision: 0}.PriceIncrement().String())
	assert.Equal(t, "0.00000001", Snapshot{Precision: 8}.PriceIncrement().String())
}

func TestSymbolHelpers(t *testing.T) {
	assert.Equal(t, "NMR-BTC", Symbol(" nmr", "btc"))

	asset, quote := SplitSymbol("NMR-BTC")
	assert.Equal(t, "NMR", asset)
	assert.Equal(t, "BTC", quote)

	asset, quote = SplitSymbol("BROKEN")
	assert.Equal(t, "BROKEN", asset)
	assert.Empty(t, quote)

	s := Snapshot{Symbol: "ETH-BTC"}
	assert.Equal(t, "ETH", s.Asset())
	assert.Equal(t, "BTC", s.Quote())
}

func TestApplyPartials(t *testing.T) {
	now := time.Now()
	base := Snapshot{Symbol: "NMR-BTC", Bid: d("1"), Ask: d("2"), Last: d("1.5")}

	withSummary := base.ApplySummary(Summary{
		Symbol:        "NMR-BTC",
		QuoteVolume:   d("120"),
		PercentChange: d("3.5"),
		Precision:     8,
		Online:        true,
		Timestamp:     now,
	})
	// Summaries without book rates keep the previous ones.
	assert.True(t, withSummary.Bid.Equal(d("1")))
	assert.True(t, withSummary.Ask.Equal(d("2")))
	assert.True(t, withSummary.QuoteVolume.Equal(d("120")))
	assert.Equal(t, int32(8), withSummary.Precision)
	assert.True(t, withSummary.Online)

	withTicker := withSummary.ApplyTicker(Ticker{Symbol: "NMR-BTC", Bid: d("1.1"), Ask: d("1.9"), Timestamp: now})
	assert.True(t, withTicker.Bid.Equal(d("1.1")))
	assert.True(t, withTicker.Ask.Equal(d("1.9")))
	assert.True(t, withTicker.Last.Equal(d("1.5")))
	assert.True(t, withTicker.QuoteVolume.Equal(d("120")))

	// The original is untouched.
	assert.True(t, base.QuoteVolume.IsZero())
}

func TestOrderFillPrice(t *testing.T) {
	o := Order{Limit: d("10"), Filled: d("4"), Proceeds: d("38")}
	assert.True(t, o.FillPrice().Equal(d("9.5")))

	empty := Order{Limit: d("10")}
	assert.True(t, empty.FillPrice().Equal(d("10")))
}
