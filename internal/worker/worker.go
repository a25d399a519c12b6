package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"settlement-service/internal/broker"
	"settlement-service/internal/models"
	"settlement-service/internal/settlement"
	"settlement-service/internal/util"

	"github.com/segmentio/kafka-go"
)

// Processor settles a parsed provider event.
type Processor interface {
	Process(ctx context.Context, evt *models.ProviderEvent) (*settlement.Outcome, error)
}

const maxAttempts = 3

var retryBackoff = 500 * time.Millisecond

// SettlementWorker drains the provider event topic and feeds each payload
// through the payment confirmation processor.
type SettlementWorker struct {
	consumer  *broker.Consumer
	processor Processor
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(consumer *broker.Consumer, processor Processor) *SettlementWorker {
	return &SettlementWorker{
		consumer:  consumer,
		processor: processor,
	}
}

// Start starts the worker
func (w *SettlementWorker) Start(ctx context.Context) error {
	log.Println("Starting settlement worker...")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *SettlementWorker) Stop() error {
	log.Println("Stopping settlement worker...")
	return w.consumer.Close()
}

// handleMessage processes one queued provider event. A nil return commits
// the offset. Malformed payloads are dropped, transient settlement errors
// are retried with backoff, and an exhausted message is left uncommitted
// so the broker redelivers it.
func (w *SettlementWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	evt, err := models.ParseProviderEvent(msg.Value)
	if err != nil {
		util.EventsProcessedTotal.WithLabelValues("malformed").Inc()
		log.Printf("Dropping malformed provider event: offset=%d err=%v", msg.Offset, err)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, lastErr = w.processor.Process(ctx, evt)
		if lastErr == nil {
			return nil
		}

		log.Printf("Settlement attempt %d/%d failed for %s: %v",
			attempt, maxAttempts, evt.Data.Reference, lastErr)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}
	}

	return fmt.Errorf("settlement retries exhausted for %s: %w", evt.Data.Reference, lastErr)
}
