package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProviderEventType names a payment provider webhook event.
type ProviderEventType string

// Provider event types. The set is closed: anything outside it falls to the
// processor's explicit unknown branch and is recorded as ignored.
const (
	EventChargeSuccess   ProviderEventType = "charge.success"
	EventChargeFailed    ProviderEventType = "charge.failed"
	EventRefundProcessed ProviderEventType = "refund.processed"
	EventRefundFailed    ProviderEventType = "refund.failed"
)

var knownEventTypes = map[ProviderEventType]bool{
	EventChargeSuccess:   true,
	EventChargeFailed:    true,
	EventRefundProcessed: true,
	EventRefundFailed:    true,
}

// Known reports whether t is a recognized provider event type.
func (t ProviderEventType) Known() bool {
	return knownEventTypes[t]
}

// ErrMalformedEvent marks payloads that can never become processable.
var ErrMalformedEvent = errors.New("malformed provider event")

// ProviderEvent is the webhook envelope delivered by the payment provider.
// Raw carries the undecoded payload for the idempotency record.
type ProviderEvent struct {
	Event ProviderEventType `json:"event"`
	Data  ProviderEventData `json:"data"`
	Raw   []byte            `json:"-"`
}

// ProviderEventData is the transaction detail inside a provider event
type ProviderEventData struct {
	Reference string           `json:"reference"`
	Amount    int64            `json:"amount"`
	Status    string           `json:"status"`
	PaidAt    string           `json:"paid_at"`
	Channel   string           `json:"channel"`
	Customer  ProviderCustomer `json:"customer"`
}

// ProviderCustomer identifies the paying customer
type ProviderCustomer struct {
	Email string `json:"email"`
}

// ParseProviderEvent decodes and validates a raw webhook payload. A payload
// without an event name or reference cannot be keyed and is rejected for good.
func ParseProviderEvent(raw []byte) (*ProviderEvent, error) {
	var evt ProviderEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Event == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	if evt.Data.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrMalformedEvent)
	}
	evt.Raw = raw
	return &evt, nil
}

// Encode fills Raw with the event's JSON form. Used when an event is
// synthesized in process instead of arriving over the wire.
func (e *ProviderEvent) Encode() error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode provider event: %w", err)
	}
	e.Raw = raw
	return nil
}

// SettledAt returns the provider's settlement time, falling back to now when
// the event carries none.
func (e *ProviderEvent) SettledAt() time.Time {
	if t, err := time.Parse(time.RFC3339, e.Data.PaidAt); err == nil {
		return t
	}
	return time.Now()
}

// Push message types
const (
	PushOrderPaid      = "order_paid"
	PushOrderCancelled = "order_cancelled"
	PushLowStock       = "low_stock"
	PushAdminAlert     = "admin_alert"
)

// PushMessage is the payload published to a user's realtime channel
type PushMessage struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	SentAt  time.Time              `json:"sent_at"`
}

// Email templates
const (
	EmailTemplateOrderConfirmation = "order_confirmation"
	EmailTemplateOrderCancelled    = "order_cancelled_refund"
	EmailTemplateAdminRefundAlert  = "admin_refund_alert"
)

// EmailMessage is the payload enqueued for the email sender
type EmailMessage struct {
	ID        string            `json:"id"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
	QueuedAt  time.Time         `json:"queued_at"`
}
