package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/engine"
	"orderbook_go/internal/infra"
	"orderbook_go/internal/infra/snapshot"
	"orderbook_go/internal/infra/stream"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Feed supervises the pipeline of one symbol. Every start or restart builds
// a fresh instance: new generation id, reset metrics, new engine and
// connection. Only the hub slot outlives an instance.
type Feed struct {
	symbol    string
	cfg       *infra.Config
	hub       *Hub
	limiter   *rate.Limiter
	escalator InstanceEscalator
	logger    *slog.Logger

	mu     sync.Mutex
	parent context.Context
	cur    *instance

	metrics  *infra.Metrics
	restarts atomic.Uint64

	// newSource builds the snapshot source of an instance.
	newSource func(logger *slog.Logger) domain.SnapshotSource
}

type instance struct {
	generation string
	startedAt  time.Time
	engine     *engine.Engine
	conn       *stream.Connection
	metrics    *infra.Metrics
	cancel     context.CancelFunc
	done       chan struct{}
	stopped    atomic.Bool
	escalated  atomic.Bool
}

// NewFeed creates a stopped feed for symbol.
func NewFeed(symbol string, cfg *infra.Config, hub *Hub, limiter *rate.Limiter, escalator InstanceEscalator, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		symbol:    symbol,
		cfg:       cfg,
		hub:       hub,
		limiter:   limiter,
		escalator: escalator,
		logger:    logger.With(slog.String("module", "feed"), slog.String("symbol", symbol)),
	}
	f.newSource = func(l *slog.Logger) domain.SnapshotSource {
		return snapshot.NewLoader(snapshot.OptionsFromConfig(cfg, symbol), limiter, l)
	}
	f.metrics = &infra.Metrics{}
	return f
}

// Symbol returns the symbol served by the feed.
func (f *Feed) Symbol() string { return f.symbol }

// Metrics returns the counters of the running instance. They are reset on
// every restart.
func (f *Feed) Metrics() *infra.Metrics { return f.metrics }

// Restarts returns how many times the feed was restarted.
func (f *Feed) Restarts() uint64 { return f.restarts.Load() }

// Start builds and runs the first instance. The feed stops when ctx ends.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur != nil {
		return nil
	}
	f.parent = ctx
	return f.startLocked()
}

// Restart tears down the running instance and starts a new one.
func (f *Feed) Restart(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parent == nil || f.parent.Err() != nil {
		return nil
	}

	old := f.cur
	f.stopLocked()
	f.restarts.Add(1)

	attrs := []any{slog.String("reason", reason)}
	if old != nil {
		attrs = append(attrs, slog.String("previous_generation", old.generation))
	}
	f.logger.Warn("Restarting feed", attrs...)

	return f.startLocked()
}

// Stop tears down the running instance.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

// Generation returns the id of the running instance, or "" when stopped.
func (f *Feed) Generation() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur == nil {
		return ""
	}
	return f.cur.generation
}

// Health returns a point-in-time reading of the running instance.
func (f *Feed) Health() domain.HealthReport {
	f.mu.Lock()
	inst := f.cur
	f.mu.Unlock()

	r := domain.HealthReport{
		Symbol:   f.symbol,
		Conn:     domain.ConnDisconnected,
		Engine:   domain.EngineFailed,
		Restarts: f.Restarts(),
	}
	if inst == nil {
		return r
	}
	r.Generation = inst.generation
	r.StartedAt = inst.startedAt
	r.Conn = inst.conn.State()
	r.Engine = inst.engine.State()
	r.LastApplied = inst.metrics.LastApplied()
	r.ConsecutiveErrors = inst.metrics.ConsecutiveErrors()
	return r
}

func (f *Feed) startLocked() error {
	gen := uuid.NewString()
	m := f.metrics
	m.Reset()
	logger := f.logger.With(slog.String("generation", gen))

	eng := engine.New(
		engine.OptionsFromConfig(f.cfg, f.symbol, gen),
		f.newSource(logger),
		nil,
		f.hub.Publisher(f.symbol),
		m,
		logger,
	)
	conn := stream.NewConnection(stream.OptionsFromConfig(f.cfg, f.symbol), eng.Inbox(), m, logger)
	eng.AttachStream(conn)

	ctx, cancel := context.WithCancel(f.parent)
	inst := &instance{
		generation: gen,
		startedAt:  time.Now(),
		engine:     eng,
		conn:       conn,
		metrics:    m,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	conn.Escalator = escalatorFunc(func(symbol, reason string) {
		f.escalate(inst, reason)
	})

	f.cur = inst

	go func() {
		defer close(inst.done)
		err := eng.Run(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("Engine failed", slog.Any("error", err))
			f.escalate(inst, "engine failed: "+err.Error())
		}
	}()

	if err := conn.Connect(ctx); err != nil {
		cancel()
		<-inst.done
		f.cur = nil
		return err
	}

	logger.Info("Feed instance started")
	return nil
}

func (f *Feed) stopLocked() {
	inst := f.cur
	if inst == nil {
		return
	}
	inst.stopped.Store(true)
	inst.cancel()
	inst.conn.Disconnect()
	<-inst.done
	f.cur = nil
}

// escalate forwards the first hard failure of an instance unless it was
// already replaced.
func (f *Feed) escalate(inst *instance, reason string) {
	if inst.stopped.Load() || f.escalator == nil {
		return
	}
	if !inst.escalated.CompareAndSwap(false, true) {
		return
	}
	f.escalator.EscalateInstance(f.symbol, inst.generation, reason)
}

type escalatorFunc func(symbol, reason string)

func (fn escalatorFunc) Escalate(symbol, reason string) { fn(symbol, reason) }

// Feeds is the set of supervised feeds of the process.
type Feeds []*Feed

// Reports returns the health of every feed in configuration order.
func (fs Feeds) Reports() []domain.HealthReport {
	out := make([]domain.HealthReport, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Health())
	}
	return out
}

// StopAll tears down every feed.
func (fs Feeds) StopAll() {
	for _, f := range fs {
		f.Stop()
	}
}
