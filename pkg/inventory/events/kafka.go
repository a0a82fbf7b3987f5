// Package events publishes ledger events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/pkg/inventory"
)

// Event types written to the "event-type" header
const (
	EventTypeStockChanged = "pharmaledger.stock.changed"
	EventTypeLowStock     = "pharmaledger.stock.low"
)

// ErrPublisherUnavailable is returned while the circuit breaker is open
var ErrPublisherUnavailable = errors.New("イベント発行先が利用できません")

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds publisher settings
// Kafka発行設定
type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	RequiredAcks     int           `yaml:"required_acks"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// Envelope wraps every payload written to the topic
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Subject string          `json:"subject"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// KafkaPublisher implements inventory.EventPublisher on a Kafka topic.
// Messages are keyed by product ID so one product's events stay ordered.
// Kafkaへの台帳イベント発行
type KafkaPublisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	source  string
}

var _ inventory.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to cfg.Topic
// 新しいKafka発行者を作成
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("Kafkaブローカーが指定されていません")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafkaトピックが指定されていません")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        false,
	}

	return newKafkaPublisher(writer, cfg, logger), nil
}

func newKafkaPublisher(writer messageWriter, cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "kafka-" + cfg.Topic,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &KafkaPublisher{
		writer:  writer,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		source:  "pharmaledger",
	}
}

// PublishStockChanged publishes an applied movement
// 在庫数変更イベントを発行
func (p *KafkaPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	return p.publish(ctx, EventTypeStockChanged, event.ProductID, event.Timestamp, event)
}

// PublishLowStock publishes a low-stock alert
// 低在庫イベントを発行
func (p *KafkaPublisher) PublishLowStock(ctx context.Context, event inventory.LowStockEvent) error {
	return p.publish(ctx, EventTypeLowStock, event.ProductID, event.Timestamp, event)
}

func (p *KafkaPublisher) publish(ctx context.Context, eventType, productID string, at time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	envelope := Envelope{
		ID:      inventory.NewID(),
		Type:    eventType,
		Source:  p.source,
		Subject: productID,
		Time:    at,
		Data:    data,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(productID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(envelope.ID)},
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: at,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrPublisherUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("イベント発行に失敗しました: %w", err)
	}

	p.logger.Debug("イベント発行完了",
		zap.String("event_id", envelope.ID),
		zap.String("event_type", eventType),
		zap.String("product_id", productID),
	)
	return nil
}

// Close flushes and closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
