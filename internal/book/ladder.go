// Package book holds the two-sided price ladder maintained by the engine.
//
// A Ladder is owned by exactly one goroutine and takes no locks.
package book

import (
	"fmt"

	"orderbook_go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

const treeDegree = 32

// halfBook is one ordered side. Items are ordered best-first, so Min() is the
// best level for both bids (descending) and asks (ascending).
type halfBook struct {
	less   func(a, b domain.Level) bool
	tree   *btree.BTreeG[domain.Level]
	best   domain.Level
	cached bool
}

func newHalf(side domain.Side) *halfBook {
	h := &halfBook{less: askLess}
	if side == domain.SideBid {
		h.less = bidLess
	}
	h.tree = h.newTree()
	return h
}

func bidLess(a, b domain.Level) bool { return a.Price.GreaterThan(b.Price) }
func askLess(a, b domain.Level) bool { return a.Price.LessThan(b.Price) }

func (h *halfBook) newTree() *btree.BTreeG[domain.Level] {
	return btree.NewBTreeGOptions(h.less, btree.Options{Degree: treeDegree, NoLocks: true})
}

func (h *halfBook) apply(price, size decimal.Decimal) {
	key := domain.Level{Price: price}
	if size.IsZero() {
		if _, ok := h.tree.Delete(key); ok && h.cached && h.best.Price.Equal(price) {
			h.cached = false
		}
		return
	}
	lv := domain.Level{Price: price, Size: size}
	h.tree.Set(lv)
	if h.cached && (price.Equal(h.best.Price) || h.less(lv, h.best)) {
		h.best = lv
	}
}

func (h *halfBook) top() (domain.Level, bool) {
	if h.cached {
		return h.best, true
	}
	lv, ok := h.tree.Min()
	if !ok {
		return domain.Level{}, false
	}
	h.best, h.cached = lv, true
	return lv, true
}

func (h *halfBook) topN(n int) []domain.Level {
	if n <= 0 {
		return nil
	}
	if l := h.tree.Len(); n > l {
		n = l
	}
	out := make([]domain.Level, 0, n)
	h.tree.Scan(func(lv domain.Level) bool {
		out = append(out, lv)
		return len(out) < n
	})
	return out
}

// Ladder is a two-sided price -> size map.
type Ladder struct {
	bids *halfBook
	asks *halfBook
}

// NewLadder returns an empty ladder.
func NewLadder() *Ladder {
	return &Ladder{bids: newHalf(domain.SideBid), asks: newHalf(domain.SideAsk)}
}

func (l *Ladder) half(side domain.Side) *halfBook {
	if side == domain.SideBid {
		return l.bids
	}
	return l.asks
}

// Apply sets the size at price. Size zero removes the level; a negative size
// is rejected and leaves the ladder untouched.
func (l *Ladder) Apply(side domain.Side, price, size decimal.Decimal) error {
	if size.IsNegative() {
		return fmt.Errorf("%s %s: %w", side, price, domain.ErrNegativeSize)
	}
	l.half(side).apply(price, size)
	return nil
}

// ApplyLevels applies a batch of levels to one side. Levels are validated
// first, so a bad batch changes nothing.
func (l *Ladder) ApplyLevels(side domain.Side, levels []domain.Level) error {
	for _, lv := range levels {
		if lv.Size.IsNegative() {
			return fmt.Errorf("%s %s: %w", side, lv.Price, domain.ErrNegativeSize)
		}
	}
	for _, lv := range levels {
		if err := l.Apply(side, lv.Price, lv.Size); err != nil {
			return err
		}
	}
	return nil
}

// BestBid returns the highest bid.
func (l *Ladder) BestBid() (domain.Level, bool) { return l.bids.top() }

// BestAsk returns the lowest ask.
func (l *Ladder) BestAsk() (domain.Level, bool) { return l.asks.top() }

// TopN returns the n best levels of a side, best first.
func (l *Ladder) TopN(side domain.Side, n int) []domain.Level {
	return l.half(side).topN(n)
}

// Len returns the number of levels on a side.
func (l *Ladder) Len(side domain.Side) int {
	return l.half(side).tree.Len()
}

// Crossed reports bestBid >= bestAsk with both sides present.
func (l *Ladder) Crossed() bool {
	bid, okBid := l.BestBid()
	ask, okAsk := l.BestAsk()
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

// ReplaceAll swaps in a new ladder built from the given levels. Zero sizes are
// skipped; a negative size aborts and keeps the current contents.
func (l *Ladder) ReplaceAll(bids, asks []domain.Level) error {
	nb, err := build(domain.SideBid, bids)
	if err != nil {
		return err
	}
	na, err := build(domain.SideAsk, asks)
	if err != nil {
		return err
	}
	l.bids, l.asks = nb, na
	return nil
}

func build(side domain.Side, levels []domain.Level) (*halfBook, error) {
	h := newHalf(side)
	for _, lv := range levels {
		if lv.Size.IsNegative() {
			return nil, fmt.Errorf("%s %s: %w", side, lv.Price, domain.ErrNegativeSize)
		}
		h.apply(lv.Price, lv.Size)
	}
	return h, nil
}

// Clear empties both sides.
func (l *Ladder) Clear() {
	l.bids = newHalf(domain.SideBid)
	l.asks = newHalf(domain.SideAsk)
}
