package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"orderbook_go/internal/api"
	"orderbook_go/internal/infra"
	"orderbook_go/internal/infra/kafka"
	"orderbook_go/internal/infra/snapshot"
	"orderbook_go/internal/infra/storage"
	"orderbook_go/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Logger   *slog.Logger
	Storage  *storage.Storage // nil when storage is disabled
	Registry *prometheus.Registry

	Hub          *service.Hub
	Monitor      *service.HealthMonitor
	Feeds        service.Feeds
	Checkpointer *service.Checkpointer
	Kafka        *kafka.ViewPublisher
	API          *api.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the config at path and wires every component. Nothing
// connects to the network until Run.
func (b *Bootstrap) Initialize(path string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err // Let main handle the error
	}
	return b.InitializeWith(cfg)
}

// InitializeWith wires every component from an already loaded config.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Info("🚀 Bootstrapping order book service...", slog.Any("symbols", cfg.Feed.Symbols))

	// 3. Initialize Storage (DB)
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Storage = store
		slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))
	}

	// 4. Metrics registry
	b.Registry = prometheus.NewRegistry()
	b.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	feedCollector := infra.NewFeedCollector()
	b.Registry.MustRegister(feedCollector)

	// 5. Hub, health monitor and feeds
	b.Hub = service.NewHub(cfg.Feed.Symbols)

	var incidents service.IncidentRecorder
	if b.Storage != nil {
		incidents = b.Storage
	}
	b.Monitor = service.NewHealthMonitor(service.MonitorOptionsFromConfig(cfg), incidents, b.Logger)

	limiter := snapshot.NewLimiter(cfg.Feed.SnapshotRatePerSec)
	for _, symbol := range cfg.Feed.Symbols {
		feed := service.NewFeed(symbol, cfg, b.Hub, limiter, b.Monitor, b.Logger)
		b.Monitor.Add(feed)
		feedCollector.Add(symbol, feed.Metrics)
		b.Feeds = append(b.Feeds, feed)
	}

	// 6. Optional sinks
	if b.Storage != nil {
		b.Checkpointer = service.NewCheckpointer(b.Hub, b.Storage, cfg.Storage.CheckpointInterval, b.Logger)
	}
	if cfg.Kafka.Enabled {
		b.Kafka = kafka.NewViewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, b.Logger)
		sink := b.Kafka
		b.Registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "orderbook_kafka_messages_written_total",
				Help: "Views written to the Kafka sink.",
			}, func() float64 {
				written, _ := sink.Stats()
				return float64(written)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "orderbook_kafka_messages_failed_total",
				Help: "Views the Kafka sink failed to write.",
			}, func() float64 {
				_, failed := sink.Stats()
				return float64(failed)
			}),
		)
		slog.Info("✅ Kafka sink ready", slog.String("topic", cfg.Kafka.Topic))
	}

	// 7. HTTP API
	var incidentList api.IncidentLister
	if b.Storage != nil {
		incidentList = b.Storage
	}
	b.API = api.NewServer(b.Hub, b.Feeds, incidentList, b.Registry, b.Logger)

	return nil
}

// Run restores checkpoints, starts every feed and background component, and
// blocks until ctx ends. It returns the first fatal error.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Checkpointer != nil {
		n := b.Checkpointer.Restore(ctx)
		slog.Info("✅ Checkpoints restored", slog.Int("symbols", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	for _, feed := range b.Feeds {
		if err := feed.Start(ctx); err != nil {
			b.Feeds.StopAll()
			return err
		}
	}
	slog.Info("✅ Feeds started", slog.Int("count", len(b.Feeds)))

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Monitor.Run(ctx)
	}()

	if b.Checkpointer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Checkpointer.Run(ctx)
		}()
	}

	if b.Kafka != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Kafka.Run(ctx, b.Hub, b.Hub.Symbols()); err != nil {
				errCh <- err
			}
		}()
	}

	if b.Config.HTTP.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.API.ListenAndServe(ctx, b.Config.HTTP.Addr); err != nil {
				errCh <- err
			}
		}()
	}

	slog.Info("✨ Order book service fully operational")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("❌ Component failed", slog.Any("error", runErr))
	}

	cancel()
	b.Feeds.StopAll()
	wg.Wait()
	return runErr
}

// Close releases storage and sink resources.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Kafka != nil {
		errs = append(errs, b.Kafka.Close())
	}
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	return errors.Join(errs...)
}
