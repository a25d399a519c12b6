package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrEventProcessed means the reference already reached a terminal state.
	ErrEventProcessed = errors.New("event already processed")

	// ErrEventInFlight means another delivery of the same reference holds the
	// processing state right now.
	ErrEventInFlight = errors.New("event processing in flight")
)

// BeginEvent claims a reference for processing. The unique insert is the
// serialization point: of N concurrent deliveries exactly one obtains the
// processing state. Failed records re-arm for retry, as do processing
// records older than reclaimAfter so a crashed handler cannot wedge its
// reference. Terminal records return the existing row with ErrEventProcessed;
// in-flight ones return it with ErrEventInFlight.
func (s *Store) BeginEvent(ctx context.Context, reference, eventType string, payload []byte, reclaimAfter time.Duration) (*models.WebhookEvent, error) {
	var evt models.WebhookEvent
	err := s.db.GetContext(ctx, &evt, `
		INSERT INTO webhook_events (reference, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (reference) DO NOTHING
		RETURNING *`, reference, eventType, payload)
	if err == nil {
		return &evt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	// The reference is already recorded. Try to re-arm a retryable row; the
	// status guard is re-evaluated under the row lock, so of N concurrent
	// re-arms exactly one wins.
	err = s.db.GetContext(ctx, &evt, `
		UPDATE webhook_events
		   SET status = $2, error = '', updated_at = NOW()
		 WHERE reference = $1
		   AND (status = $3 OR (status = $2 AND updated_at < NOW() - make_interval(secs => $4)))
		RETURNING *`,
		reference, models.EventStatusProcessing, models.EventStatusFailed, reclaimAfter.Seconds())
	if err == nil {
		return &evt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to reclaim webhook event: %w", err)
	}

	existing, err := s.GetEventByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing.Status.Terminal() {
		return existing, ErrEventProcessed
	}
	return existing, ErrEventInFlight
}

// GetEventByReference retrieves the idempotency record for a reference
func (s *Store) GetEventByReference(ctx context.Context, reference string) (*models.WebhookEvent, error) {
	var evt models.WebhookEvent
	err := s.db.GetContext(ctx, &evt,
		"SELECT * FROM webhook_events WHERE reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook event not found: %s", reference)
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// CompleteEvent moves a processing record to a terminal status, inside the
// caller's transaction when q is one. Repeating the same terminal status is
// a no-op; any other transition is refused.
func (s *Store) CompleteEvent(ctx context.Context, q sqlx.ExtContext, reference string, status models.EventStatus, orderID *int64) error {
	if !status.Terminal() {
		return fmt.Errorf("event status %s is not terminal", status)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE webhook_events
		   SET status = $2, order_id = COALESCE($3, order_id), updated_at = NOW()
		 WHERE reference = $1 AND status IN ($4, $2)`,
		reference, status, orderID, models.EventStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete webhook event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("webhook event %s is not in a completable state", reference)
	}
	return nil
}

// IgnoreEvent closes the record for an event type this service does not act on.
func (s *Store) IgnoreEvent(ctx context.Context, reference string) error {
	return s.CompleteEvent(ctx, s.db, reference, models.EventStatusIgnored, nil)
}

// FailEvent records a processing failure so the next delivery retries the
// full flow. Called after the settlement transaction rolled back.
func (s *Store) FailEvent(ctx context.Context, reference, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		   SET status = $2, error = $3, updated_at = NOW()
		 WHERE reference = $1 AND status = $4`,
		reference, models.EventStatusFailed, errMsg, models.EventStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}
	return nil
}
