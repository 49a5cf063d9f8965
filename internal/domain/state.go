package domain

// ConnectionState is owned by the stream connection; other components only read it.
type ConnectionState int32

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnResyncing
	ConnDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnResyncing:
		return "resyncing"
	case ConnDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Transport reports whether a data-carrying socket is open in this state.
func (s ConnectionState) Transport() bool {
	return s == ConnConnected || s == ConnResyncing
}

// EngineState is the reconciliation state machine position.
type EngineState int32

const (
	EngineSeeding EngineState = iota
	EngineLive
	EngineResyncing
	EngineFailed
)

func (s EngineState) String() string {
	switch s {
	case EngineSeeding:
		return "seeding"
	case EngineLive:
		return "live"
	case EngineResyncing:
		return "resyncing"
	case EngineFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FeedStatus is the only status Presentation ever observes.
type FeedStatus string

const (
	StatusConnected    FeedStatus = "connected"
	StatusReconnecting FeedStatus = "reconnecting"
	StatusDegraded     FeedStatus = "degraded"
)

// DeriveStatus folds connection and engine state into the three-valued feed status.
func DeriveStatus(conn ConnectionState, engine EngineState) FeedStatus {
	switch {
	case conn == ConnDegraded || engine == EngineFailed:
		return StatusDegraded
	case conn == ConnConnected && engine == EngineLive:
		return StatusConnected
	default:
		return StatusReconnecting
	}
}
