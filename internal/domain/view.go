package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// View is the immutable, derived ladder handed to readers.
// A published View is never modified; producers build a new one instead.
type View struct {
	Symbol     string     `json:"symbol"`
	Status     FeedStatus `json:"status"`
	Cursor     uint64     `json:"cursor"`
	Bids       []Level    `json:"bids"`
	Asks       []Level    `json:"asks"`
	Generation string     `json:"generation,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BestBid returns the highest bid, if any.
func (v *View) BestBid() (Level, bool) {
	if v == nil || len(v.Bids) == 0 {
		return Level{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (v *View) BestAsk() (Level, bool) {
	if v == nil || len(v.Asks) == 0 {
		return Level{}, false
	}
	return v.Asks[0], true
}

// Spread is bestAsk - bestBid; ok is false when either side is empty.
func (v *View) Spread() (decimal.Decimal, bool) {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// TopN returns up to n best levels of one side. The result aliases the view,
// so callers must treat it as read-only.
func (v *View) TopN(side Side, n int) []Level {
	if v == nil || n <= 0 {
		return nil
	}
	levels := v.Bids
	if side == SideAsk {
		levels = v.Asks
	}
	if n > len(levels) {
		n = len(levels)
	}
	return levels[:n:n]
}

// WithStatus returns a copy of v carrying a new status. Level slices are shared.
func (v *View) WithStatus(status FeedStatus, at time.Time) *View {
	cp := *v
	cp.Status = status
	cp.UpdatedAt = at
	return &cp
}
