package sink

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/maxpert/labeler/cfg"
	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/publisher"
	_ "github.com/maxpert/labeler/publisher/transformer"
	"github.com/maxpert/labeler/store"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyLog struct{}

func (emptyLog) QueryLabels(context.Context, store.LabelQuery) ([]label.Entry, error) {
	return nil, nil
}

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, config.Brokers)
	assert.Equal(t, DefaultKafkaBatchSize, config.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.Equal(t, DefaultKafkaWriteTimeout, config.WriteTimeout)
	assert.True(t, config.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, 50, sink.writer.BatchSize)
	assert.Equal(t, int64(2048), sink.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.Equal(t, DefaultKafkaWriteTimeout, sink.writer.WriteTimeout)
	assert.False(t, sink.writer.Async, "writes must be synchronous")
	assert.IsType(t, &kafka.Hash{}, sink.writer.Balancer)
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)
}

func TestSinkFactoriesAreRegistered(t *testing.T) {
	newRegistry := func(sc cfg.SinkConfiguration) (*publisher.Registry, error) {
		return publisher.NewRegistry(publisher.RegistryConfig{
			CursorPath:  filepath.Join(t.TempDir(), "sink_cursors"),
			Log:         emptyLog{},
			SinkConfigs: []cfg.SinkConfiguration{sc},
		})
	}

	_, err := newRegistry(cfg.SinkConfiguration{Name: "n", Type: "nats", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url")

	_, err = newRegistry(cfg.SinkConfiguration{Name: "k", Type: "kafka", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")

	// Kafka writers connect lazily, so construction succeeds offline.
	registry, err := newRegistry(cfg.SinkConfiguration{
		Name:    "k",
		Type:    "kafka",
		Format:  "json",
		Brokers: []string{"localhost:9092"},
	})
	require.NoError(t, err)
	require.Len(t, registry.Workers(), 1)
	registry.Stop()
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "labels_github", sanitizeStreamName("labels.github"))
	assert.Equal(t, "a_b_c", sanitizeStreamName("a.b c"))
	assert.Equal(t, "plain", sanitizeStreamName("plain"))
}

func TestSanitizeTopic(t *testing.T) {
	assert.Equal(t, "labels._hide", sanitizeTopic("labels.!hide"))
	assert.Equal(t, "labels.porn", sanitizeTopic("labels.porn"))
	assert.Equal(t, "labels.a_b-c", sanitizeTopic("labels.a/b-c"))
	assert.Len(t, sanitizeTopic("labels."+strings.Repeat("x", 300)), kafkaMaxTopicLength)
}

func TestSanitizeSubject(t *testing.T) {
	assert.Equal(t, "labels.!hide", sanitizeSubject("labels.!hide"))
	assert.Equal(t, "labels.a_b", sanitizeSubject("labels.a b"))
	assert.Equal(t, "labels._._", sanitizeSubject("labels.*.>"))
	assert.Equal(t, "labels._._", sanitizeSubject("labels.."))
}

func TestIsPermanentKafkaError(t *testing.T) {
	assert.True(t, isPermanentKafkaError(kafka.InvalidTopic))
	assert.True(t, isPermanentKafkaError(kafka.WriteErrors{kafka.MessageSizeTooLarge}))
	assert.True(t, isPermanentKafkaError(fmt.Errorf("produce: %w", kafka.InvalidRecord)))

	assert.False(t, isPermanentKafkaError(kafka.LeaderNotAvailable))
	assert.False(t, isPermanentKafkaError(kafka.WriteErrors{kafka.InvalidTopic, kafka.RequestTimedOut}))
	assert.False(t, isPermanentKafkaError(kafka.WriteErrors{nil}))
	assert.False(t, isPermanentKafkaError(errors.New("dial tcp: connection refused")))
}

func TestMockSink_Publish(t *testing.T) {
	mock := &MockSink{}

	require.NoError(t, mock.Publish("labels.github", "did:plc:alice", []byte("payload")))

	msgs := mock.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, MockMessage{Topic: "labels.github", Key: "did:plc:alice", Value: []byte("payload")}, msgs[0])
}

func TestMockSink_PublishError(t *testing.T) {
	expected := errors.New("publish failed")
	mock := &MockSink{PublishErr: expected}

	assert.ErrorIs(t, mock.Publish("t", "k", []byte("v")), expected)
	assert.Empty(t, mock.Snapshot())
}

func TestMockSink_FailFirst(t *testing.T) {
	mock := &MockSink{PublishErr: errors.New("broker down"), FailFirst: 2}

	assert.Error(t, mock.Publish("t", "k", []byte("v")))
	assert.Error(t, mock.Publish("t", "k", []byte("v")))
	assert.NoError(t, mock.Publish("t", "k", []byte("v")))

	assert.Len(t, mock.Snapshot(), 1)
	assert.Equal(t, 3, mock.Calls)
}

func TestMockSink_ResetAndClose(t *testing.T) {
	mock := &MockSink{}
	mock.Publish("t1", "k1", []byte("v1"))
	mock.Publish("t2", "k2", []byte("v2"))
	require.Len(t, mock.Snapshot(), 2)

	mock.Reset()
	assert.Empty(t, mock.Snapshot())

	require.NoError(t, mock.Close())
	assert.True(t, mock.Closed)
}

func TestMockSink_Concurrent(t *testing.T) {
	mock := &MockSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	assert.Len(t, mock.Snapshot(), 10)
}
