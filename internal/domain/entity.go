package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is the last published view of a symbol, persisted so a restarted
// process can serve a last-known-good ladder before its first snapshot.
type Checkpoint struct {
	Symbol     string    `gorm:"primaryKey" json:"symbol"`
	Generation string    `json:"generation"`
	Cursor     uint64    `json:"cursor"`
	Status     string    `json:"status"`
	BidsJSON   string    `json:"bids"`
	AsksJSON   string    `json:"asks"`
	ViewAt     time.Time `json:"view_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Incident records a health decision (restart, escalation) for operators.
type Incident struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Generation string    `json:"generation"`
	Severity   string    `json:"severity"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// NewCheckpoint captures a view for persistence.
func NewCheckpoint(v *View) (*Checkpoint, error) {
	bids, err := json.Marshal(v.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := json.Marshal(v.Asks)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Symbol:     v.Symbol,
		Generation: v.Generation,
		Cursor:     v.Cursor,
		Status:     string(v.Status),
		BidsJSON:   string(bids),
		AsksJSON:   string(asks),
		ViewAt:     v.UpdatedAt,
	}, nil
}

// View rebuilds the checkpointed view with the given status.
func (c *Checkpoint) View(status FeedStatus) (*View, error) {
	v := &View{
		Symbol:     c.Symbol,
		Status:     status,
		Cursor:     c.Cursor,
		Generation: c.Generation,
		UpdatedAt:  c.ViewAt,
	}
	if err := json.Unmarshal([]byte(c.BidsJSON), &v.Bids); err != nil {
		return nil, fmt.Errorf("checkpoint %s bids: %w", c.Symbol, err)
	}
	if err := json.Unmarshal([]byte(c.AsksJSON), &v.Asks); err != nil {
		return nil, fmt.Errorf("checkpoint %s asks: %w", c.Symbol, err)
	}
	return v, nil
}
