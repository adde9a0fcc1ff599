package trader

import (
	"time"

	"github.com/shopspring/decimal"

	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/market"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Profile is a risk profile (spread configuration). It is immutable after load.
type Profile struct {
	ID               string
	MaxPercentChange decimal.Decimal
	MinSpreadPercent decimal.Decimal
	MinQuoteVolume   decimal.Decimal
	AllocatedCapital decimal.Decimal
	RepriceThreshold decimal.Decimal // zero means one price increment of the market
	LossGrace        time.Duration
	MinProfitPercent decimal.Decimal
}

// ProfilesFromConfig converts the configured risk profiles, keeping their declared order.
func ProfilesFromConfig(t config.Trading) []Profile {
	profiles := make([]Profile, 0, len(t.RiskProfiles))
	for _, rp := range t.RiskProfiles {
		profiles = append(profiles, Profile{
			ID:               rp.ID,
			MaxPercentChange: decimal.NewFromFloat(rp.MaxPercentChangeFromPreviousDay),
			MinSpreadPercent: decimal.NewFromFloat(rp.MinimumSpreadPercent),
			MinQuoteVolume:   decimal.NewFromFloat(rp.MinimumQuoteVolume),
			AllocatedCapital: decimal.NewFromFloat(rp.AllocatedCapital),
			RepriceThreshold: decimal.NewFromFloat(rp.RepriceThreshold),
			LossGrace:        rp.LossGrace(),
			MinProfitPercent: decimal.NewFromFloat(rp.MinimumProfitPercent),
		})
	}
	return profiles
}

// Eligible reports whether the market passes the profile's thresholds.
func (p Profile) Eligible(m market.Snapshot) bool {
	return m.PercentChange.LessThanOrEqual(p.MaxPercentChange) &&
		m.QuoteVolume.GreaterThanOrEqual(p.MinQuoteVolume) &&
		m.SpreadPercent().GreaterThanOrEqual(p.MinSpreadPercent)
}

// RepriceThresholdFor returns the minimum price move that justifies replacing an open order.
func (p Profile) RepriceThresholdFor(m market.Snapshot) decimal.Decimal {
	if p.RepriceThreshold.IsPositive() {
		return p.RepriceThreshold
	}
	return m.PriceIncrement()
}

// ProfitFloor is the lowest sell price that still yields the minimum profit over boughtPrice.
func (p Profile) ProfitFloor(boughtPrice decimal.Decimal) decimal.Decimal {
	return boughtPrice.Mul(one.Add(p.MinProfitPercent.Div(hundred)))
}

// GraceElapsed reports whether selling at a loss is allowed for a position bought at boughtAt.
func (p Profile) GraceElapsed(boughtAt, now time.Time) bool {
	if boughtAt.IsZero() {
		return true
	}
	return now.Sub(boughtAt) >= p.LossGrace
}
