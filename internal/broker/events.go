package broker

import (
	"context"

	"settlement-service/internal/models"
)

// EventQueue buffers raw provider events for the settlement worker.
// Messages are keyed by payment reference so redeliveries of the same
// charge land on the same partition in order.
type EventQueue struct {
	producer *Producer
}

// NewEventQueue creates a provider event queue
func NewEventQueue(producer *Producer) *EventQueue {
	return &EventQueue{producer: producer}
}

// EnqueueProviderEvent publishes a verbatim provider payload for settlement
func (eq *EventQueue) EnqueueProviderEvent(ctx context.Context, reference string, payload []byte) error {
	return eq.producer.PublishRaw(ctx, reference, payload)
}

// EmailPublisher hands rendered email jobs to the outbound mail topic.
type EmailPublisher struct {
	producer *Producer
}

// NewEmailPublisher creates an email publisher
func NewEmailPublisher(producer *Producer) *EmailPublisher {
	return &EmailPublisher{producer: producer}
}

// EnqueueEmail publishes an email job keyed by recipient
func (ep *EmailPublisher) EnqueueEmail(ctx context.Context, msg *models.EmailMessage) error {
	return ep.producer.PublishEvent(ctx, msg.To, msg)
}
