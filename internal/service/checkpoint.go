package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"orderbook_go/internal/domain"
)

// CheckpointStore persists the latest view of each symbol.
type CheckpointStore interface {
	SaveCheckpoint(cp *domain.Checkpoint) error
	LoadCheckpoint(symbol string) (*domain.Checkpoint, error)
}

// Checkpointer writes hub views to the store on an interval and restores
// them into the hub at boot.
type Checkpointer struct {
	hub      *Hub
	store    CheckpointStore
	interval time.Duration
	logger   *slog.Logger

	// saved holds the last persisted view per symbol; touched only by Run.
	saved map[string]*domain.View
}

// NewCheckpointer creates a checkpointer over hub and store.
func NewCheckpointer(hub *Hub, store CheckpointStore, interval time.Duration, logger *slog.Logger) *Checkpointer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		hub:      hub,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("module", "checkpoint")),
		saved:    make(map[string]*domain.View),
	}
}

// Restore seeds the hub with stored views marked as reconnecting. Loads run
// concurrently with a small limit. It returns the number of restored symbols.
func (c *Checkpointer) Restore(ctx context.Context) int {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		restored int
	)
	semaphore := make(chan struct{}, 5) // Limit concurrent loads

	for _, symbol := range c.hub.Symbols() {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			cp, err := c.store.LoadCheckpoint(sym)
			if err != nil {
				c.logger.Warn("Failed to load checkpoint", slog.String("symbol", sym), slog.Any("error", err))
				return
			}
			if cp == nil {
				return
			}
			v, err := cp.View(domain.StatusReconnecting)
			if err != nil {
				c.logger.Warn("Discarding corrupt checkpoint", slog.String("symbol", sym), slog.Any("error", err))
				return
			}
			if c.hub.Seed(v) {
				mu.Lock()
				restored++
				mu.Unlock()
				c.logger.Info("Checkpoint restored",
					slog.String("symbol", sym),
					slog.Uint64("cursor", v.Cursor),
					slog.Time("view_at", v.UpdatedAt),
				)
			}
		}(symbol)
	}

	wg.Wait()
	return restored
}

// Run saves changed views every interval and once more when ctx ends.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.SaveAll()
			return
		case <-ticker.C:
			c.SaveAll()
		}
	}
}

// SaveAll persists every view that changed since the previous save and
// carries a ladder. It returns the number of saved checkpoints.
func (c *Checkpointer) SaveAll() int {
	n := 0
	for _, v := range c.hub.Views() {
		if v.Cursor == 0 || c.saved[v.Symbol] == v {
			continue
		}
		cp, err := domain.NewCheckpoint(v)
		if err != nil {
			c.logger.Error("Failed to encode checkpoint", slog.String("symbol", v.Symbol), slog.Any("error", err))
			continue
		}
		if err := c.store.SaveCheckpoint(cp); err != nil {
			c.logger.Error("Failed to save checkpoint", slog.String("symbol", v.Symbol), slog.Any("error", err))
			continue
		}
		c.saved[v.Symbol] = v
		n++
	}
	return n
}
