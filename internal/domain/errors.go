package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "snapshot")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ParseError is a malformed inbound message. It is counted and dropped, never delivered.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse: " + e.Reason
	}
	return "parse: " + e.Reason + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SequenceGapError reports a diff that does not abut the cursor.
type SequenceGapError struct {
	Cursor uint64
	First  uint64
	Last   uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: cursor=%d expected=%d got=[%d,%d]", e.Cursor, e.Cursor+1, e.First, e.Last)
}

// SnapshotError is returned when the snapshot loader gives up.
type SnapshotError struct {
	Symbol   string
	Attempts int
	Err      error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s failed after %d attempt(s): %v", e.Symbol, e.Attempts, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

var (
	// ErrCrossedBook means bestBid >= bestAsk after an apply; handled like a gap.
	ErrCrossedBook = errors.New("crossed book")

	// ErrNegativeSize is returned when a level carries a negative size.
	ErrNegativeSize = errors.New("negative size")

	// ErrResyncExhausted is fatal to an engine instance.
	ErrResyncExhausted = errors.New("resync attempts exhausted")

	// ErrReconnectExhausted is reported once the connection stops retrying.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrEnginePanic is returned by Run after a recovered panic.
	ErrEnginePanic = errors.New("engine panic")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrUnknownSymbol is returned when a feed for the symbol is not configured.
	ErrUnknownSymbol = errors.New("unknown symbol")
)
