package infra

import (
	"math/rand/v2"
	"time"
)

// Backoff produces reconnect delays: exponential from Base, capped at Max,
// with up to ±Jitter of uniform noise. Delays never decrease between Resets
// and always stay within [Base, Max].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	attempt int
	last    time.Duration
	rand    func(n int64) int64 // returns [0, n)
}

// NewBackoff creates a backoff with the given bounds.
func NewBackoff(base, max, jitter time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: jitter, rand: rand.Int64N}
}

// Next returns the delay before the next attempt and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.nominal(b.attempt)
	if b.Jitter > 0 && b.rand != nil {
		d += time.Duration(b.rand(int64(2*b.Jitter)+1)) - b.Jitter
	}

	floor := b.Base
	if b.last > floor {
		floor = b.last
	}
	if d < floor {
		d = floor
	}
	if d > b.Max {
		d = b.Max
	}

	b.attempt++
	b.last = d
	return d
}

func (b *Backoff) nominal(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return d
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset starts the sequence over from Base.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}
