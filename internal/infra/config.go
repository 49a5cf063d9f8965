package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"orderbook_go/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on snapshot requests and websocket handshakes
	DefaultUserAgent = "orderbook-go/1.0"
)

// Config holds every recognized option of the service.
// LoadConfig applies defaults, then environment overrides, then validates.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		Symbols            []string      `yaml:"symbols"`
		WSURL              string        `yaml:"ws_url"`   // "{symbol}" is replaced by the lower-cased symbol
		RestURL            string        `yaml:"rest_url"` // queried with ?symbol=&limit=
		Subscribe          bool          `yaml:"subscribe"`
		SnapshotDepth      int           `yaml:"snapshot_depth"`
		SnapshotTimeout    time.Duration `yaml:"snapshot_timeout"`
		SnapshotRetries    int           `yaml:"snapshot_retries"`
		SnapshotBackoff    time.Duration `yaml:"snapshot_backoff"`
		SnapshotRatePerSec float64       `yaml:"snapshot_rate_per_sec"`
	} `yaml:"feed"`

	Stream struct {
		HeartbeatWindow      time.Duration `yaml:"heartbeat_window"`
		PingInterval         time.Duration `yaml:"ping_interval"`
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
		BaseReconnectDelay   time.Duration `yaml:"base_reconnect_delay"`
		MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
		ReconnectJitter      time.Duration `yaml:"reconnect_jitter"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	} `yaml:"stream"`

	Engine struct {
		PublishInterval   time.Duration `yaml:"publish_interval"`
		ViewDepth         int           `yaml:"view_depth"`
		ReplayBufferSize  int           `yaml:"replay_buffer_size"`
		MaxResyncAttempts int           `yaml:"max_resync_attempts"`
		InboxSize         int           `yaml:"inbox_size"`
		DumpDir           string        `yaml:"dump_dir"`
	} `yaml:"engine"`

	Health struct {
		CheckInterval      time.Duration `yaml:"check_interval"`
		StalenessThreshold time.Duration `yaml:"staleness_threshold"`
		ErrorThreshold     uint64        `yaml:"error_threshold"`
	} `yaml:"health"`

	Storage struct {
		Enabled            bool          `yaml:"enabled"`
		Path               string        `yaml:"path"`
		CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	} `yaml:"storage"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Debug struct {
		PprofAddr string `yaml:"pprof_addr"`
	} `yaml:"debug"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes into a validated Config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "orderbook-go"
	}
	if c.Feed.SnapshotDepth == 0 {
		c.Feed.SnapshotDepth = 1000
	}
	if c.Feed.SnapshotTimeout == 0 {
		c.Feed.SnapshotTimeout = 10 * time.Second
	}
	if c.Feed.SnapshotRetries == 0 {
		c.Feed.SnapshotRetries = 3
	}
	if c.Feed.SnapshotBackoff == 0 {
		c.Feed.SnapshotBackoff = 500 * time.Millisecond
	}
	if c.Feed.SnapshotRatePerSec == 0 {
		c.Feed.SnapshotRatePerSec = 2
	}
	if c.Stream.HeartbeatWindow == 0 {
		c.Stream.HeartbeatWindow = 30 * time.Second
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 15 * time.Second
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = 10 * time.Second
	}
	if c.Stream.BaseReconnectDelay == 0 {
		c.Stream.BaseReconnectDelay = time.Second
	}
	if c.Stream.MaxReconnectDelay == 0 {
		c.Stream.MaxReconnectDelay = 60 * time.Second
	}
	if c.Stream.ReconnectJitter == 0 {
		c.Stream.ReconnectJitter = time.Second
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = 10
	}
	if c.Engine.PublishInterval == 0 {
		c.Engine.PublishInterval = 100 * time.Millisecond
	}
	if c.Engine.ViewDepth == 0 {
		c.Engine.ViewDepth = 20
	}
	if c.Engine.ReplayBufferSize == 0 {
		c.Engine.ReplayBufferSize = 10000
	}
	if c.Engine.MaxResyncAttempts == 0 {
		c.Engine.MaxResyncAttempts = 5
	}
	if c.Engine.InboxSize == 0 {
		c.Engine.InboxSize = 4096
	}
	if c.Engine.DumpDir == "" {
		c.Engine.DumpDir = "dumps"
	}
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = 60 * time.Second
	}
	if c.Health.StalenessThreshold == 0 {
		c.Health.StalenessThreshold = 30 * time.Second
	}
	if c.Health.ErrorThreshold == 0 {
		c.Health.ErrorThreshold = 50
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/orderbook.db"
	}
	if c.Storage.CheckpointInterval == 0 {
		c.Storage.CheckpointInterval = 5 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "orderbook.views"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if len(c.Feed.Symbols) == 0 {
		return &domain.ConfigError{Field: "feed.symbols", Err: errors.New("at least one symbol is required")}
	}
	seen := make(map[string]bool, len(c.Feed.Symbols))
	for _, s := range c.Feed.Symbols {
		if s == "" || seen[s] {
			return &domain.ConfigError{Field: "feed.symbols", Err: fmt.Errorf("empty or duplicate symbol %q", s)}
		}
		seen[s] = true
	}
	if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return &domain.ConfigError{Field: "feed.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.Feed.WSURL)}
	}
	if !strings.HasPrefix(c.Feed.RestURL, "http://") && !strings.HasPrefix(c.Feed.RestURL, "https://") {
		return &domain.ConfigError{Field: "feed.rest_url", Err: fmt.Errorf("invalid REST URL %q", c.Feed.RestURL)}
	}
	if c.Feed.SnapshotDepth < 0 || c.Feed.SnapshotRetries < 0 {
		return &domain.ConfigError{Field: "feed", Err: errors.New("snapshot depth and retries must be positive")}
	}
	if c.Stream.MaxReconnectDelay < c.Stream.BaseReconnectDelay {
		return &domain.ConfigError{Field: "stream.max_reconnect_delay", Err: errors.New("must be >= base_reconnect_delay")}
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return &domain.ConfigError{Field: "stream.max_reconnect_attempts", Err: errors.New("must be positive")}
	}
	if c.Engine.PublishInterval <= 0 || c.Engine.ViewDepth <= 0 {
		return &domain.ConfigError{Field: "engine", Err: errors.New("publish interval and view depth must be positive")}
	}
	if c.Engine.ReplayBufferSize <= 0 || c.Engine.MaxResyncAttempts <= 0 {
		return &domain.ConfigError{Field: "engine", Err: errors.New("replay buffer size and resync attempts must be positive")}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return &domain.ConfigError{Field: "kafka.brokers", Err: errors.New("required when kafka is enabled")}
	}
	return nil
}

// StreamURL expands the websocket URL template for one symbol.
func (c *Config) StreamURL(symbol string) string {
	return strings.ReplaceAll(c.Feed.WSURL, "{symbol}", strings.ToLower(symbol))
}

// overrideWithEnv replaces values with ORDERBOOK_* environment variables when present.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("ORDERBOOK_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("ORDERBOOK_REST_URL"); v != "" {
		cfg.Feed.RestURL = v
	}
	if v := os.Getenv("ORDERBOOK_SYMBOLS"); v != "" {
		cfg.Feed.Symbols = splitList(v)
	}
	if v := os.Getenv("ORDERBOOK_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("ORDERBOOK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORDERBOOK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
