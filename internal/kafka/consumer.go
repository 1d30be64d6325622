package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader MessageReader
	logger *logger.Logger
}

// NewConsumer creates a new Kafka consumer for the given topics and group
func NewConsumer(brokers, topics []string, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
	})
	return NewConsumerWithReader(reader, log)
}

func NewConsumerWithReader(reader MessageReader, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Discard()
	}
	return &Consumer{reader: reader, logger: log}
}

// Start consumes payment events until ctx is cancelled
func (c *Consumer) Start(ctx context.Context, handler func(event models.PaymentEvent)) error {
	c.logger.LogKafka("CONSUMER_START", "payment-events", "consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.LogKafka("READ_FAILED", msg.Topic, err.Error())
			return fmt.Errorf("read message: %w", err)
		}

		var event models.PaymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.LogKafka("DECODE_FAILED", msg.Topic, err.Error())
			continue
		}

		c.logger.LogKafka("RECEIVED", msg.Topic, fmt.Sprintf("%s for notification %d", event.Type, event.NotificationID))
		handler(event)
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
