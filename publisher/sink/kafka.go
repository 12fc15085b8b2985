package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/labeler/cfg"
	"github.com/maxpert/labeler/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaWriteTimeout = 10 * time.Second

	// kafkaMaxTopicLength is the broker's limit on topic names.
	kafkaMaxTopicLength = 249
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kafkaConfig.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Max messages per produce request
	BatchBytes       int64              // Max batch bytes
	RequiredAcks     kafka.RequiredAcks // Ack requirement
	AutoCreateTopics bool               // One topic per label value, created on first use
	WriteTimeout     time.Duration
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
		WriteTimeout:     DefaultKafkaWriteTimeout,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr: kafka.TCP(config.Brokers...),
		// Labels for the same subject land on one partition, in log order.
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		WriteTimeout:           config.WriteTimeout,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish sends a label to Kafka. The key is the label uri.
// Retries and backoff are the worker's job; errors the broker will repeat
// for this message wrap publisher.ErrUnpublishable.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: sanitizeTopic(topic),
		Key:   []byte(key),
		Value: value,
	}

	err := k.writer.WriteMessages(context.Background(), msg)
	if err != nil && isPermanentKafkaError(err) {
		return fmt.Errorf("%w: %w", publisher.ErrUnpublishable, err)
	}
	return err
}

// sanitizeTopic maps a topic onto the characters Kafka accepts in topic
// names, [a-zA-Z0-9._-], and truncates it to the broker's length limit.
func sanitizeTopic(topic string) string {
	b := []byte(topic)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			b[i] = '_'
		}
	}
	if len(b) > kafkaMaxTopicLength {
		b = b[:kafkaMaxTopicLength]
	}
	return string(b)
}

// isPermanentKafkaError reports whether the broker rejected the message
// itself rather than failing to take it right now.
func isPermanentKafkaError(err error) bool {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !isPermanentKafkaError(e) {
				return false
			}
		}
		return werrs.Count() > 0
	}

	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr {
	case kafka.InvalidTopic, kafka.MessageSizeTooLarge, kafka.InvalidRecord:
		return true
	}
	return false
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
