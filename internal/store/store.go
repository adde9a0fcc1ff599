// Package store persists session snapshots and the trade journal.
// The database store is the default backend; Redis can hold the snapshot instead when
// several restarts should share a single remote copy.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spread-trade-bot-go/internal/models"
)

// ErrNoSnapshot is returned by Load when nothing was saved yet.
var ErrNoSnapshot = errors.New("store: no snapshot saved")

// Snapshot is everything needed to resume trading after a restart.
type Snapshot struct {
	Sessions []models.SessionState     `json:"sessions"`
	Dust     map[string]decimal.Decimal `json:"dust"`
	SavedAt  time.Time                  `json:"saved_at"`
}

// Store is the persistence interface for session snapshots.
type Store interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap Snapshot) error

	// Load returns the last saved snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) (Snapshot, error)
}

// TradeJournal records filled orders.
type TradeJournal interface {
	RecordTrade(ctx context.Context, trade *models.Trade) error
}
