package quotes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"brokerlink/pkg/models"
)

// Publisher mirrors persisted quote snapshots onto a message bus for
// downstream analytics consumers.
type Publisher interface {
	Publish(ctx context.Context, snaps []models.QuoteSnapshot)
	Close() error
}

// KafkaPublisher produces one message per snapshot, keyed by ticker so
// a symbol's updates stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, snaps []models.QuoteSnapshot) {
	msgs := make([]kafka.Message, 0, len(snaps))
	for _, snap := range snaps {
		payload, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(snap.Ticker), Value: payload})
	}
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Warn("kafka publish failed", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
