package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Handler processes one consumed message. A nil return commits the offset;
// an error leaves it uncommitted so the message is redelivered
// (at-least-once). Handlers must therefore be idempotent.
type Handler func(ctx context.Context, record *kgo.Record) error

// Consumer is a single-topic consumer-group loop. Records of one partition
// are handled strictly in order: the next record is not touched until the
// current handler returns.
type Consumer struct {
	client  *kgo.Client
	topic   string
	handler Handler
	logger  hclog.Logger
	stopCh  chan struct{}
}

// ConsumerConfig holds consumer construction options.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// ConsumeFromStart begins at the earliest offset instead of the latest.
	// Used by tests so messages published before the group joined are seen.
	ConsumeFromStart bool

	Handler Handler
	Logger  hclog.Logger
}

// NewConsumer creates a consumer-group subscriber for one topic.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = DefaultConsumerGroup
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.ConsumeFromStart {
		offset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),

		kgo.ConsumeResetOffset(offset),
		kgo.SessionTimeout(10*time.Second),
		kgo.RebalanceTimeout(30*time.Second),

		// Offsets are committed manually after successful handling.
		kgo.DisableAutoCommit(),

		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(5<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus consumer: %w", err)
	}

	return &Consumer{
		client:  client,
		topic:   cfg.Topic,
		handler: cfg.Handler,
		logger:  cfg.Logger.Named("bus-consumer").With("topic", cfg.Topic),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start runs the poll loop until the context is cancelled or Stop is
// called. The in-flight record is always fully handled before returning.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped by context")
			return ctx.Err()

		case <-c.stopCh:
			c.logger.Info("consumer stopped")
			return nil

		default:
			fetches := c.client.PollFetches(ctx)

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					if ctx.Err() != nil {
						continue
					}
					c.logger.Error("fetch error", "error", err.Err)
				}
				continue
			}

			fetches.EachPartition(func(p kgo.FetchTopicPartition) {
				for _, record := range p.Records {
					if err := c.handler(ctx, record); err != nil {
						c.logger.Error("failed to process record",
							"partition", record.Partition,
							"offset", record.Offset,
							"error", err,
						)
						// No commit: the record is redelivered after
						// restart or rebalance.
						continue
					}

					if err := c.client.CommitRecords(ctx, record); err != nil {
						c.logger.Warn("failed to commit offset",
							"partition", record.Partition,
							"offset", record.Offset,
							"error", err,
						)
					}
				}
			})
		}
	}
}

// Stop drains the current poll and shuts the consumer down.
func (c *Consumer) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
		c.client.Close()
	}
}
