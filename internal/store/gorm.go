package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"spread-trade-bot-go/internal/models"
)

// GormStore keeps the snapshot and the trade journal in the SQL database.
type GormStore struct {
	db *gorm.DB
}

var (
	_ Store        = (*GormStore)(nil)
	_ TradeJournal = (*GormStore)(nil)
)

// NewGormStore creates a store on an already migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Save replaces all session and dust rows in one transaction.
func (s *GormStore) Save(ctx context.Context, snap Snapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.SessionState{}).Error; err != nil {
			return fmt.Errorf("failed to clear session states: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&models.DustBalance{}).Error; err != nil {
			return fmt.Errorf("failed to clear dust balances: %w", err)
		}

		if len(snap.Sessions) > 0 {
			if err := tx.Create(&snap.Sessions).Error; err != nil {
				return fmt.Errorf("failed to save session states: %w", err)
			}
		}

		if len(snap.Dust) > 0 {
			dust := make([]models.DustBalance, 0, len(snap.Dust))
			for symbol, qty := range snap.Dust {
				dust = append(dust, models.DustBalance{Symbol: symbol, Quantity: qty, UpdatedAt: snap.SavedAt})
			}
			if err := tx.Create(&dust).Error; err != nil {
				return fmt.Errorf("failed to save dust balances: %w", err)
			}
		}
		return nil
	})
}

// Load reads the saved sessions and dust. An empty database yields ErrNoSnapshot.
func (s *GormStore) Load(ctx context.Context) (Snapshot, error) {
	db := s.db.WithContext(ctx)

	var sessions []models.SessionState
	if err := db.Order("id").Find(&sessions).Error; err != nil {
		return Snapshot{}, fmt.Errorf("failed to load session states: %w", err)
	}
	var dust []models.DustBalance
	if err := db.Find(&dust).Error; err != nil {
		return Snapshot{}, fmt.Errorf("failed to load dust balances: %w", err)
	}
	if len(sessions) == 0 && len(dust) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}

	snap := Snapshot{Sessions: sessions, Dust: make(map[string]decimal.Decimal, len(dust))}
	for _, d := range dust {
		snap.Dust[d.Symbol] = d.Quantity
		if d.UpdatedAt.After(snap.SavedAt) {
			snap.SavedAt = d.UpdatedAt
		}
	}
	for _, st := range sessions {
		if st.UpdatedAt.After(snap.SavedAt) {
			snap.SavedAt = st.UpdatedAt
		}
	}
	return snap, nil
}

// RecordTrade appends a filled order to the journal.
func (s *GormStore) RecordTrade(ctx context.Context, trade *models.Trade) error {
	if trade.Timestamp == 0 {
		trade.Timestamp = time.Now().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to save trade record: %w", err)
	}
	return nil
}
