package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the persisted context of one running trading session.
type SessionState struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	ProfileID   string          `gorm:"not null" json:"profile_id"`
	Symbol      string          `gorm:"not null" json:"symbol"`
	State       string          `gorm:"not null" json:"state"`
	Balance     decimal.Decimal `gorm:"type:varchar(64)" json:"balance"`
	Held        decimal.Decimal `gorm:"type:varchar(64)" json:"held"`
	BoughtPrice decimal.Decimal `gorm:"type:varchar(64)" json:"bought_price"`
	BoughtAt    *time.Time      `json:"bought_at,omitempty"`
	OpenOrder   string          `json:"open_order,omitempty"` // JSON encoded market.Order
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DustBalance is an unsellable residual quantity carried to the next session on a market.
type DustBalance struct {
	Symbol    string          `gorm:"primaryKey" json:"symbol"`
	Quantity  decimal.Decimal `gorm:"type:varchar(64)" json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}
