package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"quota-service/internal/config"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event to the usage topic, keyed by
// entity so an entity's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	brokers []string
	topic   string
	logger  *zap.Logger
}

// NewKafkaPublisher returns a publisher backed by an async kafka.Writer.
// Delivery failures are reported through the logger only.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.UsageTopic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1048576, // 1MB
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write usage events",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	logger.Info("Kafka usage publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.UsageTopic),
	)
	return newKafkaPublisher(writer, cfg.Brokers, cfg.UsageTopic, logger)
}

func newKafkaPublisher(w messageWriter, brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, brokers: brokers, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		e := &events[i]
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode usage event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.EntityID),
			Value: value,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("usage")},
				{Key: "resource", Value: []byte(e.Resource)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write usage events: %w", err)
	}

	p.logger.Debug("Published usage events",
		zap.String("topic", p.topic),
		zap.Int("count", len(msgs)),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close Kafka usage publisher", zap.Error(err))
		return err
	}
	p.logger.Info("Kafka usage publisher closed")
	return nil
}

// HealthCheck dials the first broker and reads the usage topic's partitions.
func (p *KafkaPublisher) HealthCheck(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(p.topic); err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}
