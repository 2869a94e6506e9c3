// Package kafka publishes operational alerts to a Kafka topic so on-call
// tooling can consume them independently of the service's logs.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/config"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
)

// Dispatcher produces alert events synchronously; the caller decides whether
// a failed send matters.
type Dispatcher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

var _ ports.AlertDispatcher = (*Dispatcher)(nil)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New connects to the brokers and ensures the alert topic exists, using the
// cluster defaults for partitions and replication.
func New(ctx context.Context, cfg config.Kafka, opts ...Option) (*Dispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.AlertTopic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, -1, -1, nil, cfg.AlertTopic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure alert topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure alert topic %s: %w", cfg.AlertTopic, resp.Err)
	}

	d := &Dispatcher{
		client: client,
		topic:  cfg.AlertTopic,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type event struct {
	ID        string         `json:"id"`
	Severity  string         `json:"severity"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Send publishes one alert event. Events are keyed by severity so consumers
// see each severity stream in order.
func (d *Dispatcher) Send(ctx context.Context, severity ports.Severity, summary string, details map[string]any) error {
	payload, err := json.Marshal(event{
		ID:        uuid.NewString(),
		Severity:  string(severity),
		Summary:   summary,
		Details:   details,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	record := &kgo.Record{
		Topic: d.topic,
		Key:   []byte(severity),
		Value: payload,
	}
	if err := d.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}

	d.logger.DebugContext(ctx, "alert published", "topic", d.topic, "severity", severity)
	return nil
}

// Close flushes and releases the producer.
func (d *Dispatcher) Close() {
	d.client.Close()
}
