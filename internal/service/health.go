package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"
)

// Supervised is a feed the monitor can inspect and restart.
type Supervised interface {
	Symbol() string
	Health() domain.HealthReport
	Restart(reason string) error
}

// InstanceEscalator accepts restart requests tied to one feed instance.
type InstanceEscalator interface {
	EscalateInstance(symbol, generation, reason string)
}

// IncidentRecorder persists health decisions.
type IncidentRecorder interface {
	RecordIncident(inc *domain.Incident) error
}

// Severity grades a health status.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// HealthStatus is the status text of one evaluation.
type HealthStatus string

const (
	HealthOK        HealthStatus = "healthy"
	HealthImpaired  HealthStatus = "impaired"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Evaluation is the outcome of checking one HealthReport.
type Evaluation struct {
	Symbol     string       `json:"symbol"`
	Generation string       `json:"generation"`
	Status     HealthStatus `json:"status"`
	Severity   Severity     `json:"severity"`
	Failed     []string     `json:"failed,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
}

// NeedsRestart reports whether enough conditions failed to force a restart.
func (e Evaluation) NeedsRestart() bool {
	return len(e.Failed) >= 2
}

const (
	condLive      = "not connected and live"
	condStale     = "stale"
	condErrorRate = "consecutive errors"
)

// Evaluate checks the three health conditions of a feed. Staleness is
// measured from the instance start until the first diff is applied.
func Evaluate(r domain.HealthReport, now time.Time, staleness time.Duration, errorThreshold uint64) Evaluation {
	ev := Evaluation{Symbol: r.Symbol, Generation: r.Generation, CheckedAt: now}

	if r.Conn != domain.ConnConnected || r.Engine != domain.EngineLive {
		ev.Failed = append(ev.Failed, condLive)
	}

	ref := r.LastApplied
	if ref.IsZero() {
		ref = r.StartedAt
	}
	if ref.IsZero() || now.Sub(ref) >= staleness {
		ev.Failed = append(ev.Failed, condStale)
	}

	if r.ConsecutiveErrors >= errorThreshold {
		ev.Failed = append(ev.Failed, condErrorRate)
	}

	switch len(ev.Failed) {
	case 0:
		ev.Status, ev.Severity = HealthOK, SeverityInfo
	case 1:
		ev.Status, ev.Severity = HealthImpaired, SeverityWarn
	default:
		ev.Status, ev.Severity = HealthUnhealthy, SeverityError
	}
	return ev
}

// MonitorOptions configures a HealthMonitor.
type MonitorOptions struct {
	CheckInterval      time.Duration
	StalenessThreshold time.Duration
	ErrorThreshold     uint64
}

// MonitorOptionsFromConfig builds MonitorOptions from the service config.
func MonitorOptionsFromConfig(cfg *infra.Config) MonitorOptions {
	return MonitorOptions{
		CheckInterval:      cfg.Health.CheckInterval,
		StalenessThreshold: cfg.Health.StalenessThreshold,
		ErrorThreshold:     cfg.Health.ErrorThreshold,
	}
}

type escalation struct {
	symbol     string
	generation string
	reason     string
}

// HealthMonitor periodically evaluates every feed and restarts the ones that
// fail two or more conditions. Escalations restart a feed immediately.
type HealthMonitor struct {
	opts      MonitorOptions
	incidents IncidentRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	feeds map[string]Supervised
	last  map[string]Evaluation

	escalations chan escalation
}

// NewHealthMonitor creates a monitor. incidents may be nil.
func NewHealthMonitor(opts MonitorOptions, incidents IncidentRecorder, logger *slog.Logger) *HealthMonitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		opts:        opts,
		incidents:   incidents,
		logger:      logger.With(slog.String("module", "health")),
		now:         time.Now,
		feeds:       make(map[string]Supervised),
		last:        make(map[string]Evaluation),
		escalations: make(chan escalation, 64),
	}
}

// Add registers a feed.
func (m *HealthMonitor) Add(f Supervised) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[f.Symbol()] = f
}

// EscalateInstance requests an immediate restart of the instance identified
// by generation. The request is dropped if that instance was already replaced
// when it is handled. It never blocks.
func (m *HealthMonitor) EscalateInstance(symbol, generation, reason string) {
	select {
	case m.escalations <- escalation{symbol: symbol, generation: generation, reason: reason}:
	default:
		m.logger.Warn("Escalation dropped, queue full", slog.String("symbol", symbol), slog.String("reason", reason))
	}
}

// Last returns the most recent evaluation of every feed, sorted by symbol.
func (m *HealthMonitor) Last() []Evaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Evaluation, 0, len(m.last))
	for _, ev := range m.last {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Run evaluates feeds every CheckInterval and handles escalations until ctx ends.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started", slog.Duration("interval", m.opts.CheckInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case esc := <-m.escalations:
			m.handleEscalation(esc)
		case <-ticker.C:
			m.CheckAll()
		}
	}
}

// CheckAll evaluates every feed once.
func (m *HealthMonitor) CheckAll() {
	m.mu.RLock()
	feeds := make([]Supervised, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	m.mu.RUnlock()
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Symbol() < feeds[j].Symbol() })

	for _, f := range feeds {
		m.check(f)
	}
}

func (m *HealthMonitor) check(f Supervised) {
	ev := Evaluate(f.Health(), m.now(), m.opts.StalenessThreshold, m.opts.ErrorThreshold)

	m.mu.Lock()
	prev, seen := m.last[ev.Symbol]
	m.last[ev.Symbol] = ev
	m.mu.Unlock()

	if !seen || prev.Status != ev.Status || prev.Generation != ev.Generation {
		m.report(ev.Symbol, ev.Generation, ev.Severity, fmt.Sprintf("%s: %s", ev.Status, describe(ev.Failed)))
	}

	if ev.NeedsRestart() {
		m.restart(f, ev.Generation, SeverityError, "health check failed: "+strings.Join(ev.Failed, ", "))
	}
}

func (m *HealthMonitor) handleEscalation(esc escalation) {
	m.mu.RLock()
	f, ok := m.feeds[esc.symbol]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("Escalation for unknown feed", slog.String("symbol", esc.symbol))
		return
	}
	current := f.Health().Generation
	if esc.generation != current {
		m.logger.Info("Escalation for replaced instance ignored",
			slog.String("symbol", esc.symbol),
			slog.String("generation", esc.generation),
			slog.String("current_generation", current),
			slog.String("reason", esc.reason),
		)
		return
	}
	m.restart(f, current, SeverityCritical, "escalated: "+esc.reason)
}

func (m *HealthMonitor) restart(f Supervised, generation string, sev Severity, reason string) {
	m.report(f.Symbol(), generation, sev, "restart: "+reason)

	if err := f.Restart(reason); err != nil {
		m.report(f.Symbol(), generation, SeverityCritical, "restart failed: "+err.Error())
		return
	}

	m.mu.Lock()
	delete(m.last, f.Symbol())
	m.mu.Unlock()
}

// report logs a status line at the level matching sev and stores it as an incident.
func (m *HealthMonitor) report(symbol, generation string, sev Severity, text string) {
	attrs := []any{
		slog.String("symbol", symbol),
		slog.String("generation", generation),
		slog.String("severity", string(sev)),
		slog.String("status", text),
	}
	switch sev {
	case SeverityInfo:
		m.logger.Info("Feed health", attrs...)
	case SeverityWarn:
		m.logger.Warn("Feed health", attrs...)
	default:
		m.logger.Error("Feed health", attrs...)
	}

	if m.incidents == nil {
		return
	}
	inc := &domain.Incident{
		Symbol:     symbol,
		Generation: generation,
		Severity:   string(sev),
		Reason:     text,
		CreatedAt:  m.now(),
	}
	if err := m.incidents.RecordIncident(inc); err != nil {
		m.logger.Error("Failed to record incident", slog.String("symbol", symbol), slog.Any("error", err))
	}
}

func describe(failed []string) string {
	if len(failed) == 0 {
		return "all checks passed"
	}
	return strings.Join(failed, ", ")
}
