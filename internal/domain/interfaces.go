package domain

import (
	"context"
	"time"
)

// SnapshotSource loads a full ladder plus its cursor, all-or-nothing.
type SnapshotSource interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// ConnectionStateReader exposes the stream connection state read-only.
type ConnectionStateReader interface {
	State() ConnectionState
}

// ViewPublisher receives throttled views from an engine.
type ViewPublisher interface {
	Publish(v *View)
	PublishStatus(status FeedStatus)
}

// Escalator accepts restart requests that a component cannot resolve itself.
type Escalator interface {
	Escalate(symbol, reason string)
}

// HealthReport is a point-in-time health reading of one feed instance.
type HealthReport struct {
	Symbol            string
	Generation        string
	Conn              ConnectionState
	Engine            EngineState
	LastApplied       time.Time // zero until the first diff is applied
	StartedAt         time.Time
	ConsecutiveErrors uint64
	Restarts          uint64
}
