package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"orderbook_go/internal/domain"

	kafkago "github.com/segmentio/kafka-go"
)

// ViewSource is the subscription side of the view hub.
type ViewSource interface {
	Subscribe(symbol string) (<-chan *domain.View, func(), error)
}

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ViewPublisher forwards published views to a Kafka topic, one message per
// view keyed by symbol.
type ViewPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	written uint64
	failed  uint64
}

// NewViewPublisher creates a publisher writing to topic on brokers.
func NewViewPublisher(brokers []string, topic string, logger *slog.Logger) *ViewPublisher {
	w := kafkago.NewWriter(kafkago.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafkago.Hash{},
	})
	return newWithWriter(w, logger)
}

func newWithWriter(w messageWriter, logger *slog.Logger) *ViewPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewPublisher{
		writer:       w,
		writeTimeout: 5 * time.Second,
		logger:       logger.With(slog.String("module", "kafka")),
	}
}

// Run subscribes to every symbol and forwards views until ctx is done.
func (p *ViewPublisher) Run(ctx context.Context, src ViewSource, symbols []string) error {
	type sub struct {
		ch     <-chan *domain.View
		cancel func()
	}
	subs := make([]sub, 0, len(symbols))
	for _, symbol := range symbols {
		ch, cancel, err := src.Subscribe(symbol)
		if err != nil {
			for _, s := range subs {
				s.cancel()
			}
			return err
		}
		subs = append(subs, sub{ch: ch, cancel: cancel})
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.cancel()
			p.forward(ctx, s.ch)
		}()
	}
	wg.Wait()
	return nil
}

func (p *ViewPublisher) forward(ctx context.Context, ch <-chan *domain.View) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-ch:
			if v == nil {
				continue
			}
			p.write(ctx, v)
		}
	}
}

func (p *ViewPublisher) write(ctx context.Context, v *domain.View) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to encode view", slog.String("symbol", v.Symbol), slog.Any("error", err))
		return
	}

	wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(wctx, kafkago.Message{
		Key:   []byte(v.Symbol),
		Value: payload,
		Time:  v.UpdatedAt,
	})

	p.mu.Lock()
	if err != nil {
		p.failed++
	} else {
		p.written++
	}
	p.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		p.logger.Warn("Kafka publish error",
			slog.String("symbol", v.Symbol),
			slog.Uint64("cursor", v.Cursor),
			slog.Any("error", err),
		)
	}
}

// Stats returns the number of written and failed messages.
func (p *ViewPublisher) Stats() (written, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.failed
}

// Close shuts down the Kafka writer
func (p *ViewPublisher) Close() error {
	return p.writer.Close()
}
