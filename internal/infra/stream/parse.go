package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"orderbook_go/internal/domain"
)

const depthUpdateEvent = "depthUpdate"

// depthUpdate is the wire shape of one diff.
// Field tags differ only by case; encoding/json prefers the exact match.
type depthUpdate struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	First     uint64     `json:"U"`
	Last      uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// ParseMessage decodes one websocket frame for symbol.
// It returns (nil, nil) for control frames such as subscription acks, a
// *domain.ParseError for anything it does not recognize, and a diff otherwise.
func ParseMessage(data []byte, symbol string) (*domain.DiffMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &domain.ParseError{Reason: "invalid json", Err: err}
	}

	// Combined-stream wrapper: {"stream":"...","data":{...}}
	if inner, ok := fields["data"]; ok {
		if _, named := fields["stream"]; !named {
			return nil, &domain.ParseError{Reason: "data without stream name"}
		}
		fields = nil
		if err := json.Unmarshal(inner, &fields); err != nil {
			return nil, &domain.ParseError{Reason: "invalid wrapped payload", Err: err}
		}
		data = inner
	}

	if _, ok := fields["result"]; ok {
		if _, hasID := fields["id"]; hasID {
			return nil, nil
		}
	}

	var kind string
	if raw, ok := fields["e"]; !ok || json.Unmarshal(raw, &kind) != nil {
		return nil, &domain.ParseError{Reason: "missing event type"}
	}
	if kind != depthUpdateEvent {
		return nil, &domain.ParseError{Reason: fmt.Sprintf("unexpected event type %q", kind)}
	}

	var msg depthUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &domain.ParseError{Reason: "invalid depth update", Err: err}
	}
	return msg.toDiff(symbol)
}

func (m *depthUpdate) toDiff(symbol string) (*domain.DiffMessage, error) {
	if !strings.EqualFold(m.Symbol, symbol) {
		return nil, &domain.ParseError{Reason: fmt.Sprintf("symbol %q does not match %q", m.Symbol, symbol)}
	}
	if m.First == 0 || m.Last < m.First {
		return nil, &domain.ParseError{Reason: fmt.Sprintf("invalid update range [%d,%d]", m.First, m.Last)}
	}

	bids, err := domain.ParseLevels(m.Bids)
	if err != nil {
		return nil, &domain.ParseError{Reason: "bids", Err: err}
	}
	asks, err := domain.ParseLevels(m.Asks)
	if err != nil {
		return nil, &domain.ParseError{Reason: "asks", Err: err}
	}

	return &domain.DiffMessage{
		Symbol:        symbol,
		FirstUpdateID: m.First,
		LastUpdateID:  m.Last,
		EventTime:     time.UnixMilli(m.EventTime),
		Bids:          bids,
		Asks:          asks,
	}, nil
}
