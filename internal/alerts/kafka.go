package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka alert channel.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel produces alerts to a Kafka topic keyed by agent ID, so one
// agent's alerts stay ordered within a partition.
type KafkaChannel struct {
	writer      messageWriter
	maxAttempts int
	backoff     time.Duration
}

// NewKafkaChannel creates a channel backed by a kafka-go Writer.
func NewKafkaChannel(cfg KafkaConfig) (*KafkaChannel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaChannel(w, cfg.MaxAttempts), nil
}

func newKafkaChannel(w messageWriter, maxAttempts int) *KafkaChannel {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &KafkaChannel{writer: w, maxAttempts: maxAttempts, backoff: 100 * time.Millisecond}
}

func (c *KafkaChannel) Name() string { return "kafka" }

// Send writes ev, retrying transient errors with capped exponential backoff.
func (c *KafkaChannel) Send(ctx context.Context, ev *CloudEvent) error {
	value, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Subject),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "ce-type", Value: []byte(ev.Type)},
			{Key: "ce-id", Value: []byte(ev.ID)},
		},
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.writer.WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka produce cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *KafkaChannel) Close() error {
	if c == nil || c.writer == nil {
		return nil
	}
	return c.writer.Close()
}
