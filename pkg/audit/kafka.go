package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/config"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events to a topic, keyed by owner so one owner's
// events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaSink creates a sink for cfg. The writer is asynchronous: Publish
// never blocks a request and delivery errors are logged.
func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) *KafkaSink {
	logger = logger.Named("audit_kafka")
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.AuditTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("Failed to deliver audit events", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (s *KafkaSink) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to encode audit event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.OwnerID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	// Detached from the request so a finished request does not drop the event.
	if err := s.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn("Failed to publish audit event", zap.String("event_type", string(event.EventType)), zap.Error(err))
	}
}

// Close flushes pending events.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
