package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"ms-mpesa/internal/config"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	CallbackWriter  MessageWriter
	ReconcileWriter MessageWriter
	Logger          *logger.Logger
}

func NewProducer(cfg config.KafkaConfig, log *logger.Logger) *Producer {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Producer{
		CallbackWriter:  newWriter(cfg.Topics.CallbackReceived),
		ReconcileWriter: newWriter(cfg.Topics.PaymentReconciled),
		Logger:          log,
	}
}

// PublishCallbackReceived streams a stored callback to Kafka
func (p *Producer) PublishCallbackReceived(ctx context.Context, event models.PaymentEvent) error {
	event.Type = models.EventCallbackReceived
	return p.publish(ctx, p.CallbackWriter, event)
}

// PublishPaymentReconciled streams a callback-to-order link to Kafka
func (p *Producer) PublishPaymentReconciled(ctx context.Context, event models.PaymentEvent) error {
	event.Type = models.EventPaymentReconciled
	return p.publish(ctx, p.ReconcileWriter, event)
}

func (p *Producer) publish(ctx context.Context, w MessageWriter, event models.PaymentEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Events for one push stay on one partition.
	key := event.CheckoutRequestID
	if key == "" {
		key = strconv.FormatInt(event.NotificationID, 10)
	}

	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: msgBytes}); err != nil {
		p.Logger.LogKafka("PUBLISH_FAILED", event.Type, err.Error())
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	p.Logger.LogKafka("PUBLISH", event.Type, fmt.Sprintf("notification %d (%s)", event.NotificationID, event.Status))
	return nil
}

func (p *Producer) Close() error {
	var firstErr error
	for _, w := range []MessageWriter{p.CallbackWriter, p.ReconcileWriter} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
