package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orderbook_go/internal/domain"
)

const sampleConfig = `
app:
  name: orderbook-go
  version: 1.2.0
feed:
  symbols: [BTCUSDT, ETHUSDT]
  ws_url: "wss://fstream.binance.com/ws/{symbol}@depth@100ms"
  rest_url: "https://fapi.binance.com/fapi/v1/depth"
  snapshot_depth: 500
stream:
  heartbeat_window: 30s
  base_reconnect_delay: 2s
  max_reconnect_delay: 1m
engine:
  publish_interval: 250ms
health:
  staleness_threshold: 45s
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.SnapshotDepth != 500 {
		t.Errorf("Unexpected feed section: %+v", cfg.Feed)
	}
	if cfg.Stream.BaseReconnectDelay != 2*time.Second || cfg.Stream.MaxReconnectDelay != time.Minute {
		t.Errorf("Unexpected reconnect delays: %v / %v", cfg.Stream.BaseReconnectDelay, cfg.Stream.MaxReconnectDelay)
	}
	if cfg.Engine.PublishInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms publish interval, got %v", cfg.Engine.PublishInterval)
	}

	t.Run("defaults fill the gaps", func(t *testing.T) {
		if cfg.Stream.MaxReconnectAttempts != 10 {
			t.Errorf("Expected default 10 attempts, got %d", cfg.Stream.MaxReconnectAttempts)
		}
		if cfg.Stream.ReconnectJitter != time.Second {
			t.Errorf("Expected default 1s jitter, got %v", cfg.Stream.ReconnectJitter)
		}
		if cfg.Health.CheckInterval != time.Minute {
			t.Errorf("Expected default 60s check interval, got %v", cfg.Health.CheckInterval)
		}
	})

	t.Run("stream url template", func(t *testing.T) {
		want := "wss://fstream.binance.com/ws/btcusdt@depth@100ms"
		if got := cfg.StreamURL("BTCUSDT"); got != want {
			t.Errorf("StreamURL = %q, want %q", got, want)
		}
	})
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"no symbols", `feed: {ws_url: "wss://x", rest_url: "https://x"}`, "feed.symbols"},
		{"duplicate symbol", `feed: {symbols: [A, A], ws_url: "wss://x", rest_url: "https://x"}`, "feed.symbols"},
		{"bad ws url", `feed: {symbols: [A], ws_url: "http://x", rest_url: "https://x"}`, "feed.ws_url"},
		{"bad rest url", `feed: {symbols: [A], ws_url: "wss://x", rest_url: "x"}`, "feed.rest_url"},
		{"inverted delays", "feed: {symbols: [A], ws_url: \"wss://x\", rest_url: \"https://x\"}\nstream: {base_reconnect_delay: 10s, max_reconnect_delay: 1s}", "stream.max_reconnect_delay"},
		{"kafka without brokers", "feed: {symbols: [A], ws_url: \"wss://x\", rest_url: \"https://x\"}\nkafka: {enabled: true}", "kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestParseConfig_EnvOverride(t *testing.T) {
	t.Setenv("ORDERBOOK_SYMBOLS", "SOLUSDT, XRPUSDT")
	t.Setenv("ORDERBOOK_WS_URL", "ws://localhost:9000/{symbol}")

	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[1] != "XRPUSDT" {
		t.Errorf("Symbols not overridden: %v", cfg.Feed.Symbols)
	}
	if cfg.StreamURL("SOLUSDT") != "ws://localhost:9000/solusdt" {
		t.Errorf("WS URL not overridden: %s", cfg.Feed.WSURL)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Version != "1.2.0" {
		t.Errorf("Expected version 1.2.0, got %s", cfg.App.Version)
	}
}
