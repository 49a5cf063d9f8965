package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of the ladder.
type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// Level is a single price level. Size is the remaining quantity at Price.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// DiffMessage is one incremental depth update covering the inclusive
// sequence range [FirstUpdateID, LastUpdateID]. It is never mutated after parse.
type DiffMessage struct {
	Symbol        string
	FirstUpdateID uint64
	LastUpdateID  uint64
	EventTime     time.Time // server-side event timestamp
	Bids          []Level
	Asks          []Level
}

// Abuts reports whether the diff continues a ladder that reflects updates
// through cursor: FirstUpdateID <= cursor+1 <= LastUpdateID.
func (d *DiffMessage) Abuts(cursor uint64) bool {
	return d.FirstUpdateID <= cursor+1 && cursor+1 <= d.LastUpdateID
}

// Stale reports whether every update in the diff is already reflected at cursor.
func (d *DiffMessage) Stale(cursor uint64) bool {
	return d.LastUpdateID <= cursor
}

// Snapshot is a full point-in-time ladder and the cursor it corresponds to.
type Snapshot struct {
	Symbol       string
	LastUpdateID uint64
	Bids         []Level
	Asks         []Level
	FetchedAt    time.Time
}

// ParseLevels converts [["price","size"], ...] into levels.
// Prices must be positive and sizes non-negative; the whole batch fails on the first bad entry.
func ParseLevels(raw [][]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level %d: expected [price, size], got %d fields", i, len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("level %d: non-positive price %s", i, price)
		}
		if size.IsNegative() {
			return nil, fmt.Errorf("level %d: %w", i, ErrNegativeSize)
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels, nil
}
