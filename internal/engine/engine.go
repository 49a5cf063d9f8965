package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"orderbook_go/internal/book"
	"orderbook_go/internal/domain"
	"orderbook_go/internal/event"
	"orderbook_go/internal/infra"
)

// Stream is the part of the stream connection the engine drives.
type Stream interface {
	domain.ConnectionStateReader
	MarkResyncing()
	MarkSynced()
}

// Options configures one Engine.
type Options struct {
	Symbol            string
	Generation        string
	PublishInterval   time.Duration
	ViewDepth         int
	ReplayBufferSize  int
	MaxResyncAttempts int
	InboxSize         int
	DumpDir           string
}

// OptionsFromConfig builds Options for symbol from the service config.
func OptionsFromConfig(cfg *infra.Config, symbol, generation string) Options {
	return Options{
		Symbol:            symbol,
		Generation:        generation,
		PublishInterval:   cfg.Engine.PublishInterval,
		ViewDepth:         cfg.Engine.ViewDepth,
		ReplayBufferSize:  cfg.Engine.ReplayBufferSize,
		MaxResyncAttempts: cfg.Engine.MaxResyncAttempts,
		InboxSize:         cfg.Engine.InboxSize,
		DumpDir:           cfg.Engine.DumpDir,
	}
}

// Engine reconciles a snapshot with the diff stream for one symbol.
// All ladder, cursor and buffer state is owned by the Run goroutine.
type Engine struct {
	opts      Options
	inbox     chan event.Event
	ladder    *book.Ladder
	buffer    *ReplayBuffer
	source    domain.SnapshotSource
	stream    Stream
	publisher domain.ViewPublisher
	metrics   *infra.Metrics
	logger    *slog.Logger

	state      atomic.Int32
	cursorSeen atomic.Uint64

	cursor         uint64
	resyncAttempts int
	snapshotGen    uint64
	dirty          bool
	lastStatus     domain.FeedStatus

	// requestSnapshot starts a snapshot fetch tagged with gen.
	requestSnapshot func(gen uint64)
	now             func() time.Time

	runCtx context.Context
	wg     sync.WaitGroup
}

// New creates an engine in the Seeding state.
func New(opts Options, source domain.SnapshotSource, stream Stream, publisher domain.ViewPublisher, metrics *infra.Metrics, logger *slog.Logger) *Engine {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.MaxResyncAttempts <= 0 {
		opts.MaxResyncAttempts = 1
	}
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = 1000
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 100 * time.Millisecond
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		opts:      opts,
		inbox:     make(chan event.Event, opts.InboxSize),
		ladder:    book.NewLadder(),
		buffer:    NewReplayBuffer(opts.ReplayBufferSize),
		source:    source,
		stream:    stream,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("module", "engine"), slog.String("symbol", opts.Symbol)),
		now:       time.Now,
	}
	e.requestSnapshot = e.fetchAsync
	return e
}

// Inbox returns the event channel. The stream connection sends diffs here.
func (e *Engine) Inbox() chan<- event.Event {
	return e.inbox
}

// AttachStream sets the connection the engine marks during resyncs.
// It must be called before Run.
func (e *Engine) AttachStream(s Stream) {
	e.stream = s
}

// State returns the engine state. Safe from any goroutine.
func (e *Engine) State() domain.EngineState {
	return domain.EngineState(e.state.Load())
}

// Cursor returns the last update id reflected in the ladder. Safe from any goroutine.
func (e *Engine) Cursor() uint64 {
	return e.cursorSeen.Load()
}

func (e *Engine) setState(s domain.EngineState) {
	prev := domain.EngineState(e.state.Swap(int32(s)))
	if prev != s {
		e.logger.Info("Engine state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

func (e *Engine) setCursor(c uint64) {
	e.cursor = c
	e.cursorSeen.Store(c)
}

// Run starts the main event loop. This MUST be run in a single goroutine.
// The ladder is cleared when Run returns.
// It returns nil when ctx ends, ErrResyncExhausted or a snapshot error when
// the instance fails, and ErrEnginePanic after a recovered panic.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer e.ladder.Clear()
	ctx, cancel := context.WithCancel(ctx)
	defer e.wg.Wait()
	defer cancel()
	e.runCtx = ctx

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Engine panic recovered", slog.Any("panic", r))
			e.setState(domain.EngineFailed)
			e.DumpState(e.dumpPath())
			err = fmt.Errorf("%w: %v", domain.ErrEnginePanic, r)
		}
	}()

	e.logger.Info("Engine started", slog.String("generation", e.opts.Generation))
	e.setState(domain.EngineSeeding)
	e.newSnapshotRequest()

	ticker := time.NewTicker(e.opts.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopping...")
			return nil
		case ev := <-e.inbox:
			if err := e.processEvent(ev); err != nil {
				e.flush()
				return err
			}
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *Engine) processEvent(ev event.Event) error {
	switch ev := ev.(type) {
	case *event.DiffEvent:
		return e.handleDiff(&ev.Diff)
	case *event.SnapshotEvent:
		return e.handleSnapshot(ev)
	default:
		e.logger.Warn("Unknown event type", slog.Any("type", ev.GetType()))
		return nil
	}
}

func (e *Engine) handleDiff(d *domain.DiffMessage) error {
	switch e.State() {
	case domain.EngineFailed:
		return nil
	case domain.EngineSeeding, domain.EngineResyncing:
		return e.hold(d)
	}

	if d.Stale(e.cursor) {
		e.metrics.RecordStale()
		return nil
	}
	if !d.Abuts(e.cursor) {
		gap := &domain.SequenceGapError{Cursor: e.cursor, First: d.FirstUpdateID, Last: d.LastUpdateID}
		e.metrics.RecordGap()
		e.logger.Warn("Sequence gap, resyncing", slog.Any("error", gap))
		e.startResync(d)
		return nil
	}

	if err := e.apply(d); err != nil {
		e.logger.Warn("Diff rejected, resyncing", slog.Any("error", err), slog.Uint64("cursor", e.cursor))
		e.startResync(nil)
		return nil
	}
	e.dirty = true
	return nil
}

// hold buffers a diff until the next snapshot lands.
func (e *Engine) hold(d *domain.DiffMessage) error {
	if e.buffer.Push(*d) {
		e.metrics.SetBuffered(e.buffer.Len())
		return nil
	}
	e.logger.Warn("Replay buffer overflow", slog.Int("limit", e.opts.ReplayBufferSize))
	e.buffer.Reset()
	e.buffer.Push(*d)
	e.metrics.SetBuffered(e.buffer.Len())
	return e.failCycle(fmt.Errorf("replay buffer overflow at %d diffs", e.opts.ReplayBufferSize))
}

// apply mutates the ladder with an abutting diff and advances the cursor.
// A crossed result is reported as ErrCrossedBook; the caller resyncs.
func (e *Engine) apply(d *domain.DiffMessage) error {
	if err := e.ladder.ApplyLevels(domain.SideBid, d.Bids); err != nil {
		return err
	}
	if err := e.ladder.ApplyLevels(domain.SideAsk, d.Asks); err != nil {
		return err
	}
	if e.ladder.Crossed() {
		e.metrics.RecordCrossed()
		return fmt.Errorf("diff [%d,%d]: %w", d.FirstUpdateID, d.LastUpdateID, domain.ErrCrossedBook)
	}

	e.setCursor(d.LastUpdateID)
	now := e.now()
	var latency time.Duration
	if !d.EventTime.IsZero() {
		latency = now.Sub(d.EventTime)
	}
	e.metrics.RecordApplied(e.cursor, latency, now)
	return nil
}

// startResync leaves Live for Resyncing. The ladder is kept until the next
// snapshot replaces it; keep, if non-nil, seeds the re-armed buffer.
func (e *Engine) startResync(keep *domain.DiffMessage) {
	e.dirty = false
	e.buffer.Reset()
	if keep != nil {
		e.buffer.Push(*keep)
	}
	e.metrics.SetBuffered(e.buffer.Len())
	e.enterResync()
}

func (e *Engine) enterResync() {
	e.setState(domain.EngineResyncing)
	if e.stream != nil {
		e.stream.MarkResyncing()
	}
	e.metrics.RecordResync()
	e.newSnapshotRequest()
}

// failCycle consumes one resync attempt. It returns ErrResyncExhausted once
// the budget is spent.
func (e *Engine) failCycle(cause error) error {
	e.resyncAttempts++
	if e.resyncAttempts >= e.opts.MaxResyncAttempts {
		e.setState(domain.EngineFailed)
		e.logger.Error("Resync budget exhausted",
			slog.Int("attempts", e.resyncAttempts),
			slog.Any("error", cause),
		)
		return fmt.Errorf("%w after %d attempt(s): %v", domain.ErrResyncExhausted, e.resyncAttempts, cause)
	}
	e.logger.Warn("Resync cycle failed",
		slog.Int("attempt", e.resyncAttempts),
		slog.Int("max", e.opts.MaxResyncAttempts),
		slog.Any("error", cause),
	)
	e.enterResync()
	return nil
}

func (e *Engine) newSnapshotRequest() {
	e.snapshotGen++
	e.requestSnapshot(e.snapshotGen)
}

// fetchAsync loads a snapshot in its own goroutine and delivers the result
// through the inbox.
func (e *Engine) fetchAsync(gen uint64) {
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		snap, err := e.source.Load(ctx)
		select {
		case e.inbox <- &event.SnapshotEvent{Gen: gen, Snapshot: snap, Err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleSnapshot(ev *event.SnapshotEvent) error {
	if ev.Gen != e.snapshotGen {
		e.logger.Debug("Ignoring stale snapshot result", slog.Uint64("gen", ev.Gen), slog.Uint64("latest", e.snapshotGen))
		return nil
	}
	if e.State() == domain.EngineFailed || e.State() == domain.EngineLive {
		return nil
	}

	if ev.Err != nil {
		if e.State() == domain.EngineSeeding {
			e.setState(domain.EngineFailed)
			e.logger.Error("Initial snapshot failed", slog.Any("error", ev.Err))
			return fmt.Errorf("initial snapshot: %w", ev.Err)
		}
		return e.failCycle(ev.Err)
	}
	if ev.Snapshot == nil {
		return e.failCycle(errors.New("empty snapshot result"))
	}
	return e.seed(ev.Snapshot)
}

// seed replaces the ladder with snap and replays the buffer on top of it.
func (e *Engine) seed(snap *domain.Snapshot) error {
	if err := e.ladder.ReplaceAll(snap.Bids, snap.Asks); err != nil {
		return e.failCycle(fmt.Errorf("snapshot %d: %w", snap.LastUpdateID, err))
	}
	e.setCursor(snap.LastUpdateID)
	e.metrics.RecordSnapshot(snap.LastUpdateID)
	if e.ladder.Crossed() {
		e.metrics.RecordCrossed()
		return e.failCycle(fmt.Errorf("snapshot %d: %w", snap.LastUpdateID, domain.ErrCrossedBook))
	}

	pending := e.buffer.Drain()
	for i := range pending {
		d := &pending[i]
		if d.Stale(e.cursor) {
			e.metrics.RecordStale()
			continue
		}
		if d.FirstUpdateID > e.cursor+1 {
			gap := &domain.SequenceGapError{Cursor: e.cursor, First: d.FirstUpdateID, Last: d.LastUpdateID}
			e.metrics.RecordGap()
			for _, rest := range pending[i:] {
				e.buffer.Push(rest)
			}
			e.metrics.SetBuffered(e.buffer.Len())
			return e.failCycle(gap)
		}
		if err := e.apply(d); err != nil {
			for _, rest := range pending[i+1:] {
				e.buffer.Push(rest)
			}
			e.metrics.SetBuffered(e.buffer.Len())
			return e.failCycle(err)
		}
	}
	e.metrics.SetBuffered(0)

	e.setState(domain.EngineLive)
	e.resyncAttempts = 0
	e.dirty = true
	if e.stream != nil {
		e.stream.MarkSynced()
	}
	e.logger.Info("Engine live",
		slog.Uint64("snapshot", snap.LastUpdateID),
		slog.Uint64("cursor", e.cursor),
		slog.Int("replayed", len(pending)),
	)
	return nil
}

// flush publishes the view when Live and changed, or a status-only update
// when the derived feed status moved.
func (e *Engine) flush() {
	if e.publisher == nil {
		return
	}
	conn := domain.ConnDisconnected
	if e.stream != nil {
		conn = e.stream.State()
	}
	status := domain.DeriveStatus(conn, e.State())

	if e.State() == domain.EngineLive && e.dirty {
		e.publisher.Publish(e.buildView(status))
		e.metrics.RecordPublish()
		e.dirty = false
		e.lastStatus = status
		return
	}
	if status != e.lastStatus {
		e.publisher.PublishStatus(status)
		e.lastStatus = status
	}
}

func (e *Engine) buildView(status domain.FeedStatus) *domain.View {
	return &domain.View{
		Symbol:     e.opts.Symbol,
		Status:     status,
		Cursor:     e.cursor,
		Bids:       e.ladder.TopN(domain.SideBid, e.opts.ViewDepth),
		Asks:       e.ladder.TopN(domain.SideAsk, e.opts.ViewDepth),
		Generation: e.opts.Generation,
		UpdatedAt:  e.now(),
	}
}

func (e *Engine) dumpPath() string {
	name := fmt.Sprintf("%s_%s_panic_dump.json", e.opts.Symbol, e.now().UTC().Format("20060102T150405"))
	return filepath.Join(e.opts.DumpDir, name)
}

// DumpState writes the engine's internal state to a file (for post-mortem).
// Only the Run goroutine may call it.
func (e *Engine) DumpState(filename string) {
	e.logger.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		Symbol         string         `json:"symbol"`
		Generation     string         `json:"generation"`
		State          string         `json:"state"`
		Cursor         uint64         `json:"cursor"`
		SnapshotGen    uint64         `json:"snapshot_gen"`
		ResyncAttempts int            `json:"resync_attempts"`
		Buffered       [][2]uint64    `json:"buffered"`
		Bids           []domain.Level `json:"bids"`
		Asks           []domain.Level `json:"asks"`
	}{
		Symbol:         e.opts.Symbol,
		Generation:     e.opts.Generation,
		State:          e.State().String(),
		Cursor:         e.cursor,
		SnapshotGen:    e.snapshotGen,
		ResyncAttempts: e.resyncAttempts,
		Buffered:       e.buffer.Ranges(),
		Bids:           e.ladder.TopN(domain.SideBid, 50),
		Asks:           e.ladder.TopN(domain.SideAsk, 50),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		e.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			e.logger.Error("Failed to create dump directory", slog.Any("error", err))
			return
		}
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		e.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
