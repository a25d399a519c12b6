package refund

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// ProviderAPI issues refunds against the payment provider.
type ProviderAPI interface {
	CreateRefund(ctx context.Context, reference string) error
}

// Store records the refund outcome on the order.
type Store interface {
	SetOrderRefundOutcome(ctx context.Context, orderID int64, status models.PaymentStatus, note string) error
}

// Notifier announces the cancellation to the customer and escalates
// failures to the admins.
type Notifier interface {
	OrderCancelled(ctx context.Context, order *models.Order, shortages []models.StockShortage)
	AdminAlert(ctx context.Context, subject, body string, data map[string]interface{})
}

// Compensator returns a customer's money when their paid order cannot be
// fulfilled. A refund the provider rejects is never retried here: the
// order is parked in refund_failed and the admins are alerted.
type Compensator struct {
	provider ProviderAPI
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewCompensator creates a refund compensator
func NewCompensator(provider ProviderAPI, store Store, notifier Notifier) *Compensator {
	return &Compensator{
		provider: provider,
		store:    store,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// Compensate refunds the charge behind an order that was cancelled at
// settlement and records the outcome. The order must already be in
// refund_pending.
func (c *Compensator) Compensate(ctx context.Context, order *models.Order, shortages []models.StockShortage) error {
	ctx, span := util.StartSpan(ctx, "RefundCompensator.Compensate")
	defer span.End()

	c.logger.Warn("Starting refund compensation",
		zap.Int64("order_id", order.ID),
		zap.String("reference", order.Reference),
		zap.Int64("amount", order.Total))

	if err := c.provider.CreateRefund(ctx, order.Reference); err != nil {
		util.RefundsTotal.WithLabelValues("failed").Inc()
		c.logger.Error("Refund request failed, escalating to admins",
			zap.Int64("order_id", order.ID),
			zap.String("reference", order.Reference),
			zap.Error(err))

		note := models.NoteLine(time.Now(), fmt.Sprintf("refund failed: %v", err))
		if serr := c.store.SetOrderRefundOutcome(ctx, order.ID, models.PaymentStatusRefundFailed, note); serr != nil {
			c.logger.Error("Failed to record refund failure",
				zap.Int64("order_id", order.ID),
				zap.Error(serr))
		}

		c.notifier.AdminAlert(ctx,
			fmt.Sprintf("Refund failed for order #%d", order.ID),
			fmt.Sprintf("Refund of %d for reference %s was rejected by the payment provider: %v. Manual intervention required.",
				order.Total, order.Reference, err),
			map[string]interface{}{
				"order_id":  order.ID,
				"reference": order.Reference,
				"amount":    order.Total,
			})

		return fmt.Errorf("refund for order %d failed: %w", order.ID, err)
	}

	util.RefundsTotal.WithLabelValues("refunded").Inc()

	note := models.NoteLine(time.Now(), "refund issued: insufficient stock at settlement")
	if err := c.store.SetOrderRefundOutcome(ctx, order.ID, models.PaymentStatusRefunded, note); err != nil {
		c.logger.Error("Refund issued but outcome not recorded",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return fmt.Errorf("failed to record refund for order %d: %w", order.ID, err)
	}

	c.notifier.OrderCancelled(ctx, order, shortages)

	c.logger.Info("Order refunded",
		zap.Int64("order_id", order.ID),
		zap.String("reference", order.Reference),
		zap.Int64("amount", order.Total))

	return nil
}
