package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spread-trade-bot-go/internal/queue"
)

// Saver coalesces change notifications into at most one snapshot write per interval.
type Saver struct {
	store    Store
	collect  func() Snapshot
	interval time.Duration
	logger   *zap.Logger

	writes *queue.Mutex
	dirty  atomic.Bool
}

// NewSaver creates a Saver. collect is called for every write and must return a consistent copy.
func NewSaver(store Store, collect func() Snapshot, interval time.Duration, logger *zap.Logger) *Saver {
	if interval <= 0 {
		interval = time.Second
	}
	return &Saver{
		store:    store,
		collect:  collect,
		interval: interval,
		logger:   logger.Named("saver"),
		writes:   queue.NewMutex(1),
	}
}

// Notify marks the snapshot as changed. It never blocks.
func (s *Saver) Notify() {
	s.dirty.Store(true)
}

// Pending reports whether a change is waiting to be written.
func (s *Saver) Pending() bool {
	return s.dirty.Load()
}

// Run writes pending changes every interval until ctx is done, then flushes once more.
func (s *Saver) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("Final snapshot flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("Failed to save snapshot", zap.Error(err))
			}
		}
	}
}

// Flush writes the snapshot now if anything changed since the last write.
func (s *Saver) Flush(ctx context.Context) error {
	if err := s.writes.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire snapshot writer: %w", err)
	}
	defer s.writes.Unlock()

	if !s.dirty.Swap(false) {
		return nil
	}

	snap := s.collect()
	snap.SavedAt = time.Now().UTC()
	if err := s.store.Save(ctx, snap); err != nil {
		s.dirty.Store(true)
		return err
	}
	s.logger.Debug("Snapshot saved", zap.Int("sessions", len(snap.Sessions)), zap.Int("dust", len(snap.Dust)))
	return nil
}
