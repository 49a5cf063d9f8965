package service

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"orderbook_go/internal/domain"
)

// Hub holds the latest view of every configured symbol and fans updates out
// to subscribers. A view survives feed restarts, so readers always see the
// last known good ladder together with the current status.
type Hub struct {
	books map[string]*bookSlot
	now   func() time.Time
}

type bookSlot struct {
	view atomic.Pointer[domain.View]

	mu     sync.Mutex
	subs   map[int]chan *domain.View
	nextID int
}

// NewHub creates a hub for a fixed symbol set.
func NewHub(symbols []string) *Hub {
	h := &Hub{books: make(map[string]*bookSlot, len(symbols)), now: time.Now}
	for _, s := range symbols {
		h.books[s] = &bookSlot{subs: make(map[int]chan *domain.View)}
	}
	return h
}

// Symbols returns the configured symbols in sorted order.
func (h *Hub) Symbols() []string {
	out := make([]string, 0, len(h.books))
	for s := range h.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// View returns the latest view of symbol. The view may be nil before the
// first publish; ErrUnknownSymbol is returned for symbols the hub does not serve.
func (h *Hub) View(symbol string) (*domain.View, error) {
	slot, ok := h.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrUnknownSymbol)
	}
	return slot.view.Load(), nil
}

// Views returns the latest non-nil view of every symbol, sorted by symbol.
func (h *Hub) Views() []*domain.View {
	var out []*domain.View
	for _, s := range h.Symbols() {
		if v := h.books[s].view.Load(); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Publisher returns the ViewPublisher an engine for symbol writes to.
func (h *Hub) Publisher(symbol string) domain.ViewPublisher {
	return &symbolPublisher{hub: h, symbol: symbol}
}

// Seed installs a restored view when nothing has been published yet.
func (h *Hub) Seed(v *domain.View) bool {
	slot, ok := h.books[v.Symbol]
	if !ok {
		return false
	}
	if !slot.view.CompareAndSwap(nil, v) {
		return false
	}
	slot.broadcast(v)
	return true
}

// Subscribe returns a channel carrying the newest view of symbol. Slow
// readers only ever see the latest value; intermediate views are skipped.
func (h *Hub) Subscribe(symbol string) (<-chan *domain.View, func(), error) {
	slot, ok := h.books[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", symbol, domain.ErrUnknownSymbol)
	}
	ch := make(chan *domain.View, 1)

	slot.mu.Lock()
	id := slot.nextID
	slot.nextID++
	slot.subs[id] = ch
	slot.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			slot.mu.Lock()
			delete(slot.subs, id)
			slot.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (h *Hub) publish(symbol string, v *domain.View) {
	slot, ok := h.books[symbol]
	if !ok {
		return
	}
	slot.view.Store(v)
	slot.broadcast(v)
}

func (h *Hub) publishStatus(symbol string, status domain.FeedStatus) {
	slot, ok := h.books[symbol]
	if !ok {
		return
	}
	var next *domain.View
	if cur := slot.view.Load(); cur != nil {
		if cur.Status == status {
			return
		}
		next = cur.WithStatus(status, h.now())
	} else {
		next = &domain.View{Symbol: symbol, Status: status, UpdatedAt: h.now()}
	}
	slot.view.Store(next)
	slot.broadcast(next)
}

// broadcast delivers v to every subscriber, replacing any undelivered view.
func (s *bookSlot) broadcast(v *domain.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

type symbolPublisher struct {
	hub    *Hub
	symbol string
}

func (p *symbolPublisher) Publish(v *domain.View) { p.hub.publish(p.symbol, v) }

func (p *symbolPublisher) PublishStatus(status domain.FeedStatus) {
	p.hub.publishStatus(p.symbol, status)
}
