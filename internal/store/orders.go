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

// ErrOrderNotFound is returned when no order matches the lookup. A webhook
// can outrun the checkout commit, so callers treat this as retryable.
var ErrOrderNotFound = errors.New("order not found")

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByReference retrieves an order by its payment reference.
func (s *Store) GetOrderByReference(ctx context.Context, q sqlx.ExtContext, reference string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, "SELECT * FROM orders WHERE reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: reference %s", ErrOrderNotFound, reference)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all line items for an order
func (s *Store) GetOrderItems(ctx context.Context, q sqlx.ExtContext, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetOrderWithItems retrieves an order and its line items together.
func (s *Store) GetOrderWithItems(ctx context.Context, id int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.GetOrderByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.GetOrderItems(ctx, s.db, id)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// MarkOrderPaid records a settled payment: the order moves to processing and
// the settlement timestamp is kept.
func (s *Store) MarkOrderPaid(ctx context.Context, q sqlx.ExtContext, orderID int64, paidAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE orders
		   SET status = $2, payment_status = $3, paid_at = $4, updated_at = NOW()
		 WHERE id = $1`,
		orderID, models.OrderStatusProcessing, models.PaymentStatusPaid, paidAt)
	if err != nil {
		return fmt.Errorf("failed to mark order %d paid: %w", orderID, err)
	}
	return nil
}

// CancelOrderForRefund cancels an order whose payment settled but whose stock
// ran out, parking it until the compensating refund resolves. The note lands
// on the order's append-only audit trail.
func (s *Store) CancelOrderForRefund(ctx context.Context, q sqlx.ExtContext, orderID int64, note string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE orders
		   SET status = $2,
		       payment_status = $3,
		       notes = CASE WHEN notes = '' THEN $4 ELSE notes || E'\n' || $4 END,
		       updated_at = NOW()
		 WHERE id = $1`,
		orderID, models.OrderStatusCancelled, models.PaymentStatusRefundPending, note)
	if err != nil {
		return fmt.Errorf("failed to cancel order %d for refund: %w", orderID, err)
	}
	return nil
}

// SetOrderRefundOutcome records the terminal refund state plus an audit note.
// Only orders still awaiting their refund are touched, so replays are no-ops.
func (s *Store) SetOrderRefundOutcome(ctx context.Context, orderID int64, status models.PaymentStatus, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		   SET payment_status = $2,
		       notes = CASE WHEN notes = '' THEN $3 ELSE notes || E'\n' || $3 END,
		       updated_at = NOW()
		 WHERE id = $1 AND payment_status = $4`,
		orderID, status, note, models.PaymentStatusRefundPending)
	if err != nil {
		return fmt.Errorf("failed to set refund outcome for order %d: %w", orderID, err)
	}
	return nil
}

// AppendOrderNote adds one line to an order's audit notes.
func (s *Store) AppendOrderNote(ctx context.Context, orderID int64, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		   SET notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
		       updated_at = NOW()
		 WHERE id = $1`,
		orderID, note)
	return err
}

// ReleaseDiscountUsage hands back one redemption consumed at checkout.
func (s *Store) ReleaseDiscountUsage(ctx context.Context, q sqlx.ExtContext, codeID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE discount_codes
		   SET used_count = used_count - 1
		 WHERE id = $1 AND used_count > 0`, codeID)
	if err != nil {
		return fmt.Errorf("failed to release discount usage for code %d: %w", codeID, err)
	}
	return nil
}
