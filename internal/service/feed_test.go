package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"

	"github.com/gorilla/websocket"
)

// fakeExchange serves a REST snapshot and a websocket diff stream sharing
// one sequence counter, so every snapshot lines up with the live stream.
type fakeExchange struct {
	seq        atomic.Uint64
	restStatus atomic.Int32
	wsURL      string
	restURL    string
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	ex := &fakeExchange{}
	ex.seq.Store(1000)
	ex.restStatus.Store(http.StatusOK)

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(ex.restStatus.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		fmt.Fprintf(w, `{"lastUpdateId":%d,"bids":[["100.0","5"]],"asks":[["101.0","3"]]}`, ex.seq.Load())
	}))
	t.Cleanup(rest.Close)

	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			id := ex.seq.Add(1)
			msg := fmt.Sprintf(`{"e":"depthUpdate","E":%d,"s":"BTCUSDT","U":%d,"u":%d,"b":[["99.5","%d"]],"a":[["101.5","1"]]}`,
				time.Now().UnixMilli(), id, id, id%7)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(ws.Close)

	ex.restURL = rest.URL
	ex.wsURL = "ws" + strings.TrimPrefix(ws.URL, "http")
	return ex
}

func feedConfig(t *testing.T, ex *fakeExchange) *infra.Config {
	cfg := infra.DefaultConfig()
	cfg.Feed.Symbols = []string{"BTCUSDT"}
	cfg.Feed.WSURL = ex.wsURL
	cfg.Feed.RestURL = ex.restURL
	cfg.Feed.SnapshotRetries = 1
	cfg.Stream.HeartbeatWindow = 2 * time.Second
	cfg.Stream.BaseReconnectDelay = 20 * time.Millisecond
	cfg.Stream.MaxReconnectDelay = 200 * time.Millisecond
	cfg.Stream.ReconnectJitter = 0
	cfg.Engine.PublishInterval = 10 * time.Millisecond
	cfg.Engine.DumpDir = t.TempDir()
	return cfg
}

type escalationLog struct {
	mu          sync.Mutex
	reasons     []string
	generations []string
}

func (l *escalationLog) EscalateInstance(symbol, generation, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons = append(l.reasons, symbol+": "+reason)
	l.generations = append(l.generations, generation)
}

func (l *escalationLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reasons...)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func connectedView(hub *Hub, minCursor uint64) func() bool {
	return func() bool {
		v, _ := hub.View("BTCUSDT")
		return v != nil && v.Status == domain.StatusConnected && v.Cursor > minCursor
	}
}

func TestFeed_StartReachesLive(t *testing.T) {
	ex := newFakeExchange(t)
	hub := NewHub([]string{"BTCUSDT"})
	f := NewFeed("BTCUSDT", feedConfig(t, ex), hub, nil, &escalationLog{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.Stop()
	})

	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	eventually(t, 3*time.Second, connectedView(hub, 1000))

	r := f.Health()
	if r.Conn != domain.ConnConnected || r.Engine != domain.EngineLive {
		t.Errorf("unexpected health %+v", r)
	}
	if r.Generation == "" || r.Generation != f.Generation() {
		t.Errorf("unexpected generation %q", r.Generation)
	}
	if r.LastApplied.IsZero() {
		t.Error("expected LastApplied to be set")
	}
	if f.Metrics().Snapshot().DiffsApplied == 0 {
		t.Error("expected applied diffs in metrics")
	}

	v, _ := hub.View("BTCUSDT")
	if bid, ok := v.BestBid(); !ok || bid.Price.String() != "100" {
		t.Errorf("expected best bid 100 from snapshot, got %+v", bid)
	}
}

func TestFeed_RestartBuildsNewInstance(t *testing.T) {
	ex := newFakeExchange(t)
	hub := NewHub([]string{"BTCUSDT"})
	f := NewFeed("BTCUSDT", feedConfig(t, ex), hub, nil, &escalationLog{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.Stop()
	})

	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	eventually(t, 3*time.Second, connectedView(hub, 1000))

	eventually(t, 5*time.Second, func() bool { return f.Metrics().Snapshot().DiffsApplied >= 100 })
	firstGen := f.Generation()
	before, _ := hub.View("BTCUSDT")

	if err := f.Restart("test"); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	if f.Generation() == firstGen {
		t.Error("expected a new generation after restart")
	}
	if n := f.Metrics().Snapshot().DiffsApplied; n >= 100 {
		t.Errorf("expected metrics reset after restart, got %d diffs applied", n)
	}
	if f.Restarts() != 1 || f.Health().Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", f.Restarts())
	}
	if v, _ := hub.View("BTCUSDT"); v == nil || len(v.Bids) == 0 {
		t.Error("hub must keep the last view across a restart")
	}

	eventually(t, 3*time.Second, func() bool {
		v, _ := hub.View("BTCUSDT")
		return v != nil && v.Status == domain.StatusConnected && v.Generation == f.Generation() && v.Cursor > before.Cursor
	})
}

func TestFeed_EngineFailureEscalatesOnce(t *testing.T) {
	ex := newFakeExchange(t)
	ex.restStatus.Store(http.StatusBadRequest)
	hub := NewHub([]string{"BTCUSDT"})
	esc := &escalationLog{}
	f := NewFeed("BTCUSDT", feedConfig(t, ex), hub, nil, esc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.Stop()
	})

	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eventually(t, 3*time.Second, func() bool { return len(esc.all()) > 0 })
	got := esc.all()
	if !strings.HasPrefix(got[0], "BTCUSDT: engine failed") {
		t.Errorf("unexpected escalation %q", got[0])
	}
	esc.mu.Lock()
	escalatedGen := esc.generations[0]
	esc.mu.Unlock()
	if escalatedGen == "" || escalatedGen != f.Generation() {
		t.Errorf("escalation generation %q does not match instance %q", escalatedGen, f.Generation())
	}

	eventually(t, time.Second, func() bool { return f.Health().Engine == domain.EngineFailed })
	eventually(t, time.Second, func() bool {
		v, _ := hub.View("BTCUSDT")
		return v != nil && v.Status == domain.StatusDegraded
	})

	time.Sleep(50 * time.Millisecond)
	if n := len(esc.all()); n != 1 {
		t.Errorf("expected exactly one escalation, got %d", n)
	}
}

func TestFeed_StopAndHealth(t *testing.T) {
	hub := NewHub([]string{"BTCUSDT"})
	f := NewFeed("BTCUSDT", infra.DefaultConfig(), hub, nil, nil, nil)

	r := f.Health()
	if r.Engine != domain.EngineFailed || r.Conn != domain.ConnDisconnected || r.Generation != "" {
		t.Errorf("unexpected health of a stopped feed %+v", r)
	}
	if err := f.Restart("never started"); err != nil {
		t.Errorf("Restart before Start should be a no-op, got %v", err)
	}
	f.Stop()
}
