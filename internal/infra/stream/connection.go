// Package stream maintains the persistent websocket carrying depth diffs for one symbol.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/event"
	"orderbook_go/internal/infra"

	"github.com/gorilla/websocket"
)

// Options configures one Connection.
type Options struct {
	Symbol           string
	URL              string
	Subscribe        bool // send a SUBSCRIBE frame after the handshake
	HeartbeatWindow  time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           time.Duration
	MaxAttempts      int
}

// OptionsFromConfig builds Options for symbol from the service config.
func OptionsFromConfig(cfg *infra.Config, symbol string) Options {
	return Options{
		Symbol:           symbol,
		URL:              cfg.StreamURL(symbol),
		Subscribe:        cfg.Feed.Subscribe,
		HeartbeatWindow:  cfg.Stream.HeartbeatWindow,
		PingInterval:     cfg.Stream.PingInterval,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		BaseDelay:        cfg.Stream.BaseReconnectDelay,
		MaxDelay:         cfg.Stream.MaxReconnectDelay,
		Jitter:           cfg.Stream.ReconnectJitter,
		MaxAttempts:      cfg.Stream.MaxReconnectAttempts,
	}
}

// Connection handles the websocket for one symbol: dial, heartbeat, reconnect
// with backoff, and in-order delivery of parsed diffs to out.
type Connection struct {
	opts    Options
	out     chan<- event.Event
	metrics *infra.Metrics
	logger  *slog.Logger

	// Hooks, set before Connect
	OnStateChange func(prev, next domain.ConnectionState)
	OnReconnect   func(attempt int, delay time.Duration)
	Escalator     domain.Escalator

	state    atomic.Int32
	lastRecv atomic.Int64
	running  atomic.Bool
	failure  atomic.Pointer[error]

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	backoff *infra.Backoff
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnection creates a disconnected Connection. Diffs are sent to out.
func NewConnection(opts Options, out chan<- event.Event, metrics *infra.Metrics, logger *slog.Logger) *Connection {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		opts:    opts,
		out:     out,
		metrics: metrics,
		logger:  logger.With(slog.String("module", "stream"), slog.String("symbol", opts.Symbol)),
		backoff: infra.NewBackoff(opts.BaseDelay, opts.MaxDelay, opts.Jitter),
	}
}

// State returns the current connection state.
func (c *Connection) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

// Err returns the hard failure that moved the connection to Degraded, if any.
// It is kept across Disconnect and cleared by the next Connect.
func (c *Connection) Err() error {
	if p := c.failure.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Connection) setState(next domain.ConnectionState) {
	prev := domain.ConnectionState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Debug("Connection state changed", slog.String("from", prev.String()), slog.String("to", next.String()))
	if c.OnStateChange != nil {
		c.OnStateChange(prev, next)
	}
}

// MarkResyncing flags an open connection as resyncing. No-op unless Connected.
func (c *Connection) MarkResyncing() {
	if c.state.CompareAndSwap(int32(domain.ConnConnected), int32(domain.ConnResyncing)) && c.OnStateChange != nil {
		c.OnStateChange(domain.ConnConnected, domain.ConnResyncing)
	}
}

// MarkSynced clears the resyncing flag. No-op unless Resyncing.
func (c *Connection) MarkSynced() {
	if c.state.CompareAndSwap(int32(domain.ConnResyncing), int32(domain.ConnConnected)) && c.OnStateChange != nil {
		c.OnStateChange(domain.ConnResyncing, domain.ConnConnected)
	}
}

// Connect starts the connection loop. Calling Connect on a running connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	c.failure.Store(nil)
	c.backoff.Reset()

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.connectionLoop(ctx)

	return nil
}

// Disconnect stops the loop and closes the socket. The connection stays
// Disconnected until Connect is called again.
func (c *Connection) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
	c.wg.Wait()
	c.setState(domain.ConnDisconnected)
	c.running.Store(false)
	c.logger.Info("Stream disconnected")
}

// connectionLoop handles connection and reconnection with exponential backoff
func (c *Connection) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Stream panic recovered", slog.Any("panic", r))
			c.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			c.setState(domain.ConnDisconnected)
			return
		}

		c.setState(domain.ConnConnecting)
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				c.setState(domain.ConnDisconnected)
				return
			}
			c.metrics.RecordTransportError()
			failures++
			c.logger.Warn("Stream connection failed",
				slog.Any("error", err),
				slog.Int("failures", failures),
			)
		} else {
			c.setState(domain.ConnConnected)
			if c.readLoop(ctx) {
				failures = 0
			} else {
				failures++
			}
		}

		c.setState(domain.ConnDisconnected)
		if ctx.Err() != nil {
			return
		}

		if c.opts.MaxAttempts > 0 && failures >= c.opts.MaxAttempts {
			c.fail(fmt.Errorf("%d consecutive failures: %w", failures, domain.ErrReconnectExhausted))
			return
		}

		delay := c.backoff.Next()
		c.metrics.RecordReconnect()
		if c.OnReconnect != nil {
			c.OnReconnect(c.backoff.Attempt(), delay)
		}
		c.logger.Info("Stream reconnecting", slog.Duration("delay", delay), slog.Int("attempt", c.backoff.Attempt()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(domain.ConnDisconnected)
			return
		case <-timer.C:
		}
	}
}

// fail moves the connection to Degraded and reports the hard failure.
func (c *Connection) fail(err error) {
	c.failure.Store(&err)
	c.setState(domain.ConnDegraded)
	c.logger.Error("Stream degraded", slog.Any("error", err))
	if c.Escalator != nil {
		c.Escalator.Escalate(c.opts.Symbol, err.Error())
	}
}

// connect establishes the websocket and subscribes when configured to.
func (c *Connection) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return domain.NewNetworkError("dial", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.opts.Subscribe {
		if err := c.subscribe(); err != nil {
			c.closeConnection()
			return domain.NewNetworkError("subscribe", err)
		}
	}

	c.logger.Info("Stream connected", slog.String("url", c.opts.URL))
	return nil
}

// subscribe sends the depth subscription for the symbol.
func (c *Connection) subscribe() error {
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(c.opts.Symbol) + "@depth"},
		"id":     1,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.threadSafeWrite(websocket.TextMessage, b)
}

// threadSafeWrite sends a message to the WebSocket connection in a thread-safe manner
func (c *Connection) threadSafeWrite(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	return conn.WriteMessage(messageType, data)
}

// readLoop reads frames until the socket fails, the heartbeat expires or ctx
// ends. It reports whether at least one frame arrived.
func (c *Connection) readLoop(ctx context.Context) bool {
	sessCtx, stop := context.WithCancel(ctx)
	var sess sync.WaitGroup
	defer func() {
		stop()
		c.closeConnection()
		sess.Wait()
	}()

	c.lastRecv.Store(time.Now().UnixNano())
	sess.Add(2)
	go func() {
		defer sess.Done()
		c.heartbeatLoop(sessCtx)
	}()
	go func() {
		defer sess.Done()
		c.pingLoop(sessCtx)
	}()

	received := false
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return received
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.metrics.RecordTransportError()
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("Stream read error", slog.Any("error", err))
				} else {
					c.logger.Info("Stream closed", slog.Any("error", err))
				}
			}
			return received
		}

		c.lastRecv.Store(time.Now().UnixNano())
		if !received {
			received = true
			c.backoff.Reset()
		}

		if !c.handleMessage(ctx, message) {
			return received
		}
	}
}

// handleMessage parses one frame and delivers it. It returns false only when
// ctx ended while waiting on the inbox.
func (c *Connection) handleMessage(ctx context.Context, message []byte) bool {
	diff, err := ParseMessage(message, c.opts.Symbol)
	if err != nil {
		c.metrics.RecordParseError()
		c.logger.Debug("Stream message dropped", slog.Any("error", err))
		return true
	}
	if diff == nil {
		return true
	}

	select {
	case c.out <- &event.DiffEvent{Diff: *diff, ReceivedAt: time.Now()}:
		return true
	case <-ctx.Done():
		return false
	}
}

// heartbeatLoop force-closes the socket when no frame arrives within the window.
func (c *Connection) heartbeatLoop(ctx context.Context) {
	window := c.opts.HeartbeatWindow
	if window <= 0 {
		return
	}
	tick := window / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			silent := now.Sub(time.Unix(0, c.lastRecv.Load()))
			if silent > window {
				c.logger.Warn("Stream heartbeat expired", slog.Duration("silent", silent), slog.Duration("window", window))
				c.closeConnection()
				return
			}
		}
	}
}

// pingLoop keeps the server side of the connection alive.
func (c *Connection) pingLoop(ctx context.Context) {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Stream ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection
func (c *Connection) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
