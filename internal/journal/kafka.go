package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"huddle/internal/logger"
)

const DefaultTopic = "huddle.messages"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaJournal writes events to a topic, keyed by message id so every
// transition of one message lands on the same partition in order.
type KafkaJournal struct {
	writer messageWriter
	log    *zap.Logger
}

// NewKafkaJournal builds an async writer: WriteMessages returns once the
// event is buffered and delivery errors are logged.
func NewKafkaJournal(brokers []string, topic string, log *zap.Logger) (*KafkaJournal, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka journal needs at least one broker")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	l := logger.Or(log).Named("journal")

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				l.Warn("journal_delivery_failed", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}

	l.Info("kafka_journal_started", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newKafkaJournal(w, l), nil
}

func newKafkaJournal(w messageWriter, log *zap.Logger) *KafkaJournal {
	return &KafkaJournal{writer: w, log: log}
}

func (j *KafkaJournal) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal journal event: %w", err)
	}

	var key []byte
	if event.Message != nil {
		key = []byte(event.Message.ID)
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}
	if err := j.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish journal event: %w", err)
	}
	return nil
}

// Close flushes buffered events.
func (j *KafkaJournal) Close() error {
	return j.writer.Close()
}
