package event

import (
	"time"

	"orderbook_go/internal/domain"
)

// Type identifies the kind of event in an engine inbox.
type Type uint8

const (
	TypeDiff Type = iota + 1
	TypeSnapshot
)

func (t Type) String() string {
	switch t {
	case TypeDiff:
		return "diff"
	case TypeSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Event is anything the engine consumes from its inbox.
type Event interface {
	GetType() Type
}

// DiffEvent carries one parsed diff from the stream connection.
type DiffEvent struct {
	Diff       domain.DiffMessage
	ReceivedAt time.Time
}

func (e *DiffEvent) GetType() Type { return TypeDiff }

// SnapshotEvent carries the result of a snapshot request. Gen is the request
// generation; results from an older generation than the latest request are stale.
type SnapshotEvent struct {
	Gen      uint64
	Snapshot *domain.Snapshot
	Err      error
}

func (e *SnapshotEvent) GetType() Type { return TypeSnapshot }
