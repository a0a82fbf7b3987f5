package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/pkg/inventory"
)

// fakeWriter records messages instead of sending them to a broker
type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_PublishStockChanged(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newKafkaPublisher(writer, KafkaConfig{Topic: "pharmaledger.stock"}, zap.NewNop())

	at := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	err := publisher.PublishStockChanged(context.Background(), inventory.StockChangedEvent{
		ProductID:       "p1",
		TransactionID:   "tx-1",
		TransactionType: inventory.TransactionTypeSale,
		Quantity:        4,
		OldOnHand:       10,
		NewOnHand:       6,
		Timestamp:       at,
		UserID:          "pharmacist-01",
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "p1", string(msg.Key))
	assert.Equal(t, EventTypeStockChanged, header(msg, "event-type"))
	assert.Equal(t, "application/json", header(msg, "content-type"))
	assert.NotEmpty(t, header(msg, "event-id"))

	var envelope Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &envelope))
	assert.Equal(t, EventTypeStockChanged, envelope.Type)
	assert.Equal(t, "p1", envelope.Subject)
	assert.Equal(t, header(msg, "event-id"), envelope.ID)
	assert.True(t, at.Equal(envelope.Time))

	var event inventory.StockChangedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	assert.Equal(t, int64(6), event.NewOnHand)
	assert.Equal(t, inventory.TransactionTypeSale, event.TransactionType)
}

func TestKafkaPublisher_PublishLowStock(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newKafkaPublisher(writer, KafkaConfig{Topic: "pharmaledger.stock"}, zap.NewNop())

	err := publisher.PublishLowStock(context.Background(), inventory.LowStockEvent{
		ProductID:    "p2",
		SKU:          "AMOX-250",
		OnHand:       24,
		ReorderLevel: 100,
		Level:        inventory.LowStockLevelCritical,
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)
	assert.Equal(t, EventTypeLowStock, header(writer.messages[0], "event-type"))
}

func TestKafkaPublisher_CircuitBreaker(t *testing.T) {
	writer := &fakeWriter{err: errors.New("leader not available")}
	publisher := newKafkaPublisher(writer, KafkaConfig{
		Topic:            "pharmaledger.stock",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}, zap.NewNop())

	event := inventory.StockChangedEvent{ProductID: "p1"}

	for i := 0; i < 2; i++ {
		err := publisher.PublishStockChanged(context.Background(), event)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPublisherUnavailable)
	}

	// 連続失敗でブレーカーが開き、書き込みは試行されない
	err := publisher.PublishStockChanged(context.Background(), event)
	assert.ErrorIs(t, err, ErrPublisherUnavailable)
	assert.Equal(t, 2, writer.calls)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)

	publisher, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, publisher.Close())
}

func TestKafkaPublisher_Close(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newKafkaPublisher(writer, KafkaConfig{Topic: "t"}, zap.NewNop())

	require.NoError(t, publisher.Close())
	assert.True(t, writer.closed)
}
