package sse

import (
	"context"
	"sync"

	"ms-mpesa/internal/models"
)

// AllPayments subscribes to every payment event, e.g. an operator dashboard.
const AllPayments = "*"

// PaymentEventEmitter fans payment events out to SSE clients keyed by
// checkout request ID.
type PaymentEventEmitter struct {
	clients map[string][]chan models.PaymentEvent
	mu      sync.RWMutex
}

func NewPaymentEventEmitter() *PaymentEventEmitter {
	return &PaymentEventEmitter{clients: make(map[string][]chan models.PaymentEvent)}
}

// Subscribe registers a client until ctx is done
func (e *PaymentEventEmitter) Subscribe(ctx context.Context, checkoutRequestID string) chan models.PaymentEvent {
	clientChan := make(chan models.PaymentEvent, 10)

	e.mu.Lock()
	e.clients[checkoutRequestID] = append(e.clients[checkoutRequestID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(checkoutRequestID, clientChan)
	}()

	return clientChan
}

// Emit broadcasts an event to the push's subscribers and to AllPayments
func (e *PaymentEventEmitter) Emit(event models.PaymentEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	targets := e.clients[AllPayments]
	if event.CheckoutRequestID != "" {
		targets = append(append([]chan models.PaymentEvent(nil), targets...), e.clients[event.CheckoutRequestID]...)
	}
	for _, clientChan := range targets {
		// Non-blocking send so a slow client can't stall the emitter
		select {
		case clientChan <- event:
		default:
		}
	}
}

func (e *PaymentEventEmitter) remove(key string, clientChan chan models.PaymentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[key]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[key] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}
	if len(e.clients[key]) == 0 {
		delete(e.clients, key)
	}
}

// ClientCount returns the number of clients subscribed under key
func (e *PaymentEventEmitter) ClientCount(key string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[key])
}

// PublishCallbackReceived emits directly when Kafka is disabled.
func (e *PaymentEventEmitter) PublishCallbackReceived(ctx context.Context, event models.PaymentEvent) error {
	event.Type = models.EventCallbackReceived
	e.Emit(event)
	return nil
}

// PublishPaymentReconciled emits directly when Kafka is disabled.
func (e *PaymentEventEmitter) PublishPaymentReconciled(ctx context.Context, event models.PaymentEvent) error {
	event.Type = models.EventPaymentReconciled
	e.Emit(event)
	return nil
}
