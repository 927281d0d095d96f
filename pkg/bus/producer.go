package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher is the write side of the bus gateway. The outbox dispatcher and
// every stage worker publish through this interface; tests substitute an
// in-memory recorder.
type Publisher interface {
	// Publish sends one enveloped event to topic and waits for the broker
	// acknowledgement. key selects the partition; callers key by run id so
	// events of one run stay ordered.
	Publish(ctx context.Context, topic, key, event string, data interface{}) error
}

// Producer publishes events to Redpanda/Kafka with durable acks.
type Producer struct {
	client *kgo.Client
	logger hclog.Logger
}

// ProducerConfig holds producer construction options.
type ProducerConfig struct {
	Brokers []string
	Logger  hclog.Logger
}

// NewProducer creates the process-wide bus producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),

		// Wait for all in-sync replicas; stage events must not be lost.
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),

		kgo.RetryBackoffFn(func(tries int) time.Duration {
			backoff := time.Duration(tries) * 100 * time.Millisecond
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			return backoff
		}),
		kgo.RequestRetries(10),

		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus producer: %w", err)
	}

	return &Producer{
		client: client,
		logger: cfg.Logger.Named("bus-producer"),
	}, nil
}

// Publish implements Publisher with a synchronous produce.
func (p *Producer) Publish(ctx context.Context, topic, key, event string, data interface{}) error {
	value, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(event)},
		},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event, topic, err)
	}

	p.logger.Debug("published event",
		"topic", topic,
		"event", event,
		"partition_key", key,
	)
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() {
	if err := p.client.Flush(context.Background()); err != nil {
		p.logger.Warn("failed to flush producer on close", "error", err)
	}
	p.client.Close()
}
