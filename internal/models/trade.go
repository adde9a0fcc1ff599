package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade represents a filled order recorded in the trade journal.
type Trade struct {
	gorm.Model
	SessionID     string          `gorm:"index" json:"session_id"`
	ProfileID     string          `gorm:"index" json:"profile_id"`
	OrderID       string          `json:"order_id"`
	Symbol        string          `gorm:"index" json:"symbol"`
	Type          string          `json:"type"` // "BUY" or "SELL"
	Price         decimal.Decimal `gorm:"type:varchar(64)" json:"price"`
	Quantity      decimal.Decimal `gorm:"type:varchar(64)" json:"quantity"`
	QuoteQuantity decimal.Decimal `gorm:"type:varchar(64)" json:"quote_quantity"`
	Commission    decimal.Decimal `gorm:"type:varchar(64)" json:"commission"`
	Timestamp     int64           `gorm:"index" json:"timestamp"` // unix milliseconds
	IsSimulation  bool            `json:"is_simulation"`
	Profit        decimal.Decimal `gorm:"type:varchar(64)" json:"profit,omitempty"`
}
