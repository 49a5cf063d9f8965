package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra/storage"
)

type memStore struct {
	mu    sync.Mutex
	cps   map[string]*domain.Checkpoint
	saves int
	err   error
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[string]*domain.Checkpoint)}
}

func (s *memStore) SaveCheckpoint(cp *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cps[cp.Symbol] = cp
	s.saves++
	return nil
}

func (s *memStore) LoadCheckpoint(symbol string) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cps[symbol], nil
}

func TestCheckpointer_SaveAll(t *testing.T) {
	hub := NewHub([]string{"BTCUSDT", "ETHUSDT"})
	store := newMemStore()
	c := NewCheckpointer(hub, store, 0, nil)

	hub.Publisher("BTCUSDT").Publish(hubView("BTCUSDT", 1001))
	hub.Publisher("ETHUSDT").PublishStatus(domain.StatusReconnecting)

	if n := c.SaveAll(); n != 1 {
		t.Fatalf("expected 1 checkpoint (placeholder views skipped), got %d", n)
	}
	if n := c.SaveAll(); n != 0 {
		t.Errorf("unchanged view saved again: %d", n)
	}

	hub.Publisher("BTCUSDT").Publish(hubView("BTCUSDT", 1002))
	c.SaveAll()
	if cp, _ := store.LoadCheckpoint("BTCUSDT"); cp.Cursor != 1002 {
		t.Errorf("expected cursor 1002, got %d", cp.Cursor)
	}

	t.Run("store errors are retried next round", func(t *testing.T) {
		hub.Publisher("BTCUSDT").Publish(hubView("BTCUSDT", 1003))
		store.err = errors.New("disk full")
		if n := c.SaveAll(); n != 0 {
			t.Errorf("expected no saves, got %d", n)
		}
		store.err = nil
		if n := c.SaveAll(); n != 1 {
			t.Errorf("expected retry to save, got %d", n)
		}
	})
}

func TestCheckpointer_RestoreFromSQLite(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	defer store.Close()

	first := NewHub([]string{"BTCUSDT", "ETHUSDT"})
	first.Publisher("BTCUSDT").Publish(hubView("BTCUSDT", 4242))
	if n := NewCheckpointer(first, store, 0, nil).SaveAll(); n != 1 {
		t.Fatalf("expected 1 saved checkpoint, got %d", n)
	}

	second := NewHub([]string{"BTCUSDT", "ETHUSDT"})
	if n := NewCheckpointer(second, store, 0, nil).Restore(context.Background()); n != 1 {
		t.Fatalf("expected 1 restored symbol, got %d", n)
	}

	v, _ := second.View("BTCUSDT")
	if v == nil || v.Cursor != 4242 || v.Status != domain.StatusReconnecting {
		t.Fatalf("unexpected restored view %+v", v)
	}
	if bid, ok := v.BestBid(); !ok || bid.Price.IntPart() != 100 {
		t.Errorf("unexpected restored bid %+v", bid)
	}
	if v, _ := second.View("ETHUSDT"); v != nil {
		t.Errorf("expected no view for ETHUSDT, got %+v", v)
	}
}

func TestCheckpointer_RunSavesOnShutdown(t *testing.T) {
	hub := NewHub([]string{"BTCUSDT"})
	store := newMemStore()
	c := NewCheckpointer(hub, store, 0, nil)
	hub.Publisher("BTCUSDT").Publish(hubView("BTCUSDT", 7))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if cp, _ := store.LoadCheckpoint("BTCUSDT"); cp == nil || cp.Cursor != 7 {
		t.Errorf("expected final checkpoint, got %+v", cp)
	}
}
