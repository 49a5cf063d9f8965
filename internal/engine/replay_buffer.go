package engine

import (
	"sort"

	"orderbook_go/internal/domain"
)

// ReplayBuffer holds diffs received while the ladder is unseeded or resyncing.
// Diffs are kept ordered by FirstUpdateID; equal starts keep arrival order.
type ReplayBuffer struct {
	items []domain.DiffMessage
	limit int
}

// NewReplayBuffer creates a buffer holding at most limit diffs.
func NewReplayBuffer(limit int) *ReplayBuffer {
	return &ReplayBuffer{limit: limit}
}

// Push inserts d in range order. It returns false, leaving the buffer
// unchanged, when the buffer is full.
func (b *ReplayBuffer) Push(d domain.DiffMessage) bool {
	if len(b.items) >= b.limit {
		return false
	}
	n := len(b.items)
	if n == 0 || b.items[n-1].FirstUpdateID <= d.FirstUpdateID {
		b.items = append(b.items, d)
		return true
	}
	i := sort.Search(n, func(i int) bool { return b.items[i].FirstUpdateID > d.FirstUpdateID })
	b.items = append(b.items, domain.DiffMessage{})
	copy(b.items[i+1:], b.items[i:])
	b.items[i] = d
	return true
}

// Len returns the number of buffered diffs.
func (b *ReplayBuffer) Len() int { return len(b.items) }

// Drain returns the buffered diffs in range order and empties the buffer.
func (b *ReplayBuffer) Drain() []domain.DiffMessage {
	out := b.items
	b.items = nil
	return out
}

// Reset drops everything.
func (b *ReplayBuffer) Reset() { b.items = nil }

// Ranges lists the buffered update ranges, used in state dumps.
func (b *ReplayBuffer) Ranges() [][2]uint64 {
	out := make([][2]uint64, len(b.items))
	for i, d := range b.items {
		out[i] = [2]uint64{d.FirstUpdateID, d.LastUpdateID}
	}
	return out
}
