package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderbook_go/internal/domain"
)

func TestEvaluate(t *testing.T) {
	now := time.Unix(1700000100, 0)
	healthy := domain.HealthReport{
		Symbol:      "BTCUSDT",
		Generation:  "g1",
		Conn:        domain.ConnConnected,
		Engine:      domain.EngineLive,
		StartedAt:   now.Add(-time.Hour),
		LastApplied: now.Add(-time.Second),
	}

	tests := []struct {
		name     string
		mutate   func(r *domain.HealthReport)
		failed   int
		status   HealthStatus
		severity Severity
		restart  bool
	}{
		{"healthy", func(r *domain.HealthReport) {}, 0, HealthOK, SeverityInfo, false},
		{"resyncing only", func(r *domain.HealthReport) { r.Conn = domain.ConnResyncing }, 1, HealthImpaired, SeverityWarn, false},
		{"stale only", func(r *domain.HealthReport) { r.LastApplied = now.Add(-31 * time.Second) }, 1, HealthImpaired, SeverityWarn, false},
		{"errors only", func(r *domain.HealthReport) { r.ConsecutiveErrors = 10 }, 1, HealthImpaired, SeverityWarn, false},
		{"degraded and stale", func(r *domain.HealthReport) {
			r.Conn = domain.ConnDegraded
			r.LastApplied = now.Add(-time.Minute)
		}, 2, HealthUnhealthy, SeverityError, true},
		{"all three", func(r *domain.HealthReport) {
			r.Engine = domain.EngineResyncing
			r.LastApplied = now.Add(-time.Minute)
			r.ConsecutiveErrors = 99
		}, 3, HealthUnhealthy, SeverityError, true},
		{"never applied within grace", func(r *domain.HealthReport) {
			r.Engine = domain.EngineSeeding
			r.LastApplied = time.Time{}
			r.StartedAt = now.Add(-5 * time.Second)
		}, 1, HealthImpaired, SeverityWarn, false},
		{"never applied past grace", func(r *domain.HealthReport) {
			r.Engine = domain.EngineSeeding
			r.LastApplied = time.Time{}
			r.StartedAt = now.Add(-time.Minute)
		}, 2, HealthUnhealthy, SeverityError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := healthy
			tt.mutate(&r)
			ev := Evaluate(r, now, 30*time.Second, 10)
			if len(ev.Failed) != tt.failed {
				t.Errorf("expected %d failed conditions, got %v", tt.failed, ev.Failed)
			}
			if ev.Status != tt.status || ev.Severity != tt.severity {
				t.Errorf("expected %s/%s, got %s/%s", tt.status, tt.severity, ev.Status, ev.Severity)
			}
			if ev.NeedsRestart() != tt.restart {
				t.Errorf("expected NeedsRestart=%v", tt.restart)
			}
		})
	}
}

type fakeFeed struct {
	symbol string

	mu       sync.Mutex
	report   domain.HealthReport
	restarts []string
	err      error
	// nextGen becomes the report generation after a successful restart.
	nextGen string
}

func (f *fakeFeed) Symbol() string { return f.symbol }

func (f *fakeFeed) Health() domain.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeFeed) Restart(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, reason)
	if f.err == nil && f.nextGen != "" {
		f.report.Generation = f.nextGen
		f.report.Conn = domain.ConnConnected
		f.report.Engine = domain.EngineLive
	}
	return f.err
}

func (f *fakeFeed) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

type incidentLog struct {
	mu   sync.Mutex
	list []*domain.Incident
}

func (l *incidentLog) RecordIncident(inc *domain.Incident) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, inc)
	return nil
}

func (l *incidentLog) severities() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.list))
	for i, inc := range l.list {
		out[i] = inc.Severity
	}
	return out
}

func newTestMonitor(incidents IncidentRecorder, now time.Time) *HealthMonitor {
	m := NewHealthMonitor(MonitorOptions{
		CheckInterval:      20 * time.Millisecond,
		StalenessThreshold: 30 * time.Second,
		ErrorThreshold:     10,
	}, incidents, nil)
	m.now = func() time.Time { return now }
	return m
}

func TestHealthMonitor_CheckAll(t *testing.T) {
	now := time.Unix(1700000100, 0)
	good := &fakeFeed{symbol: "BTCUSDT", report: domain.HealthReport{
		Symbol: "BTCUSDT", Generation: "g1", Conn: domain.ConnConnected, Engine: domain.EngineLive,
		LastApplied: now.Add(-time.Second),
	}}
	bad := &fakeFeed{symbol: "ETHUSDT", report: domain.HealthReport{
		Symbol: "ETHUSDT", Generation: "g2", Conn: domain.ConnDegraded, Engine: domain.EngineResyncing,
		LastApplied: now.Add(-time.Minute),
	}}
	incidents := &incidentLog{}
	m := newTestMonitor(incidents, now)
	m.Add(good)
	m.Add(bad)

	m.CheckAll()

	if good.restartCount() != 0 {
		t.Error("healthy feed must not restart")
	}
	if bad.restartCount() != 1 {
		t.Fatalf("expected one restart, got %d", bad.restartCount())
	}

	// healthy status, unhealthy status, restart decision
	if got := incidents.severities(); len(got) != 3 || got[0] != "info" || got[1] != "error" || got[2] != "error" {
		t.Errorf("unexpected incidents %v", got)
	}

	last := m.Last()
	if len(last) != 1 || last[0].Symbol != "BTCUSDT" {
		t.Errorf("expected restarted feed evaluation cleared, got %+v", last)
	}

	t.Run("unchanged status is not reported again", func(t *testing.T) {
		before := len(incidents.severities())
		m.mu.Lock()
		delete(m.feeds, "ETHUSDT")
		m.mu.Unlock()
		m.CheckAll()
		if after := len(incidents.severities()); after != before {
			t.Errorf("expected no new incidents, got %d", after-before)
		}
	})
}

func TestHealthMonitor_RestartFailureIsReported(t *testing.T) {
	now := time.Unix(1700000100, 0)
	bad := &fakeFeed{symbol: "BTCUSDT", err: errors.New("dial refused"), report: domain.HealthReport{
		Symbol: "BTCUSDT", Conn: domain.ConnDisconnected, Engine: domain.EngineFailed,
	}}
	incidents := &incidentLog{}
	m := newTestMonitor(incidents, now)
	m.Add(bad)

	m.CheckAll()

	got := incidents.severities()
	if len(got) == 0 || got[len(got)-1] != "critical" {
		t.Errorf("expected a critical restart failure incident, got %v", got)
	}
}

func TestHealthMonitor_EscalationRestartsImmediately(t *testing.T) {
	now := time.Unix(1700000100, 0)
	f := &fakeFeed{symbol: "BTCUSDT", report: domain.HealthReport{
		Symbol: "BTCUSDT", Generation: "g1", Conn: domain.ConnConnected, Engine: domain.EngineLive,
		LastApplied: now,
	}}
	m := NewHealthMonitor(MonitorOptions{
		CheckInterval:      time.Hour,
		StalenessThreshold: 30 * time.Second,
		ErrorThreshold:     10,
	}, nil, nil)
	m.Add(f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.EscalateInstance("BTCUSDT", "g1", "reconnect attempts exhausted")
	m.EscalateInstance("DOGEUSDT", "g9", "unknown")

	deadline := time.Now().Add(2 * time.Second)
	for f.restartCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("escalation did not restart the feed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	reason := f.restarts[0]
	f.mu.Unlock()
	if reason != "escalated: reconnect attempts exhausted" {
		t.Errorf("unexpected restart reason %q", reason)
	}
}

func TestHealthMonitor_EscalateInstanceNeverBlocks(t *testing.T) {
	m := NewHealthMonitor(MonitorOptions{}, nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			m.EscalateInstance("BTCUSDT", "g1", "flood")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EscalateInstance blocked without a running monitor")
	}
}

func TestHealthMonitor_EscalationForReplacedInstanceIsIgnored(t *testing.T) {
	now := time.Unix(1700000100, 0)
	f := &fakeFeed{symbol: "BTCUSDT", nextGen: "b", report: domain.HealthReport{
		Symbol: "BTCUSDT", Generation: "a", Conn: domain.ConnDegraded, Engine: domain.EngineResyncing,
		LastApplied: now.Add(-time.Minute),
	}}
	incidents := &incidentLog{}
	m := newTestMonitor(incidents, now)
	m.Add(f)

	m.EscalateInstance("BTCUSDT", "a", "engine failed")
	m.CheckAll()
	if f.restartCount() != 1 {
		t.Fatalf("expected the health check to restart once, got %d", f.restartCount())
	}
	if g := f.Health().Generation; g != "b" {
		t.Fatalf("expected generation b after restart, got %q", g)
	}

	m.handleEscalation(<-m.escalations)
	if n := f.restartCount(); n != 1 {
		t.Errorf("stale escalation restarted the new instance, restarts=%d", n)
	}

	t.Run("current instance is restarted", func(t *testing.T) {
		f.nextGen = "c"
		m.EscalateInstance("BTCUSDT", "b", "engine failed")
		m.handleEscalation(<-m.escalations)
		if n := f.restartCount(); n != 2 {
			t.Errorf("expected a second restart, got %d", n)
		}
		if sev := incidents.severities(); sev[len(sev)-1] != "critical" {
			t.Errorf("expected a critical restart incident, got %v", sev)
		}
	})
}
