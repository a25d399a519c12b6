package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pusher publishes a push message to a user's channel.
type Pusher interface {
	PublishPush(ctx context.Context, userID int64, msg *models.PushMessage) error
}

// Mailer hands an email off to the outbound queue.
type Mailer interface {
	EnqueueEmail(ctx context.Context, msg *models.EmailMessage) error
}

// AdminDirectory lists the admin users that receive operational alerts.
type AdminDirectory interface {
	GetAdmins(ctx context.Context) ([]models.User, error)
}

// Flags gates optional notifications.
type Flags interface {
	Enabled(ctx context.Context, key string) bool
}

// Dispatcher fans settlement outcomes out to the push and email sinks.
// Every sink is best-effort: a failure is counted and logged, never
// returned to the caller, and one sink failing does not stop the others.
type Dispatcher struct {
	push   Pusher
	mail   Mailer
	admins AdminDirectory
	flags  Flags
	logger *zap.Logger
}

// NewDispatcher creates a notification dispatcher
func NewDispatcher(push Pusher, mail Mailer, admins AdminDirectory, flags Flags) *Dispatcher {
	return &Dispatcher{
		push:   push,
		mail:   mail,
		admins: admins,
		flags:  flags,
		logger: util.GetLogger(),
	}
}

// OrderPaid notifies the customer that payment settled. The confirmation
// email is feature-flagged; the push message is always attempted.
func (d *Dispatcher) OrderPaid(ctx context.Context, order *models.Order) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.OrderPaid")
	defer span.End()

	var g errgroup.Group

	if order.UserID != nil {
		userID := *order.UserID
		g.Go(func() error {
			return d.sendPush(ctx, userID, &models.PushMessage{
				ID:      uuid.New().String(),
				Type:    models.PushOrderPaid,
				Message: fmt.Sprintf("Payment received for order %s", order.Reference),
				Data: map[string]interface{}{
					"order_id":  order.ID,
					"reference": order.Reference,
				},
				SentAt: time.Now(),
			})
		})
	}

	if d.flags.Enabled(ctx, FlagOrderConfirmationEmails) {
		g.Go(func() error {
			return d.sendEmail(ctx, &models.EmailMessage{
				ID:       uuid.New().String(),
				To:       order.CustomerEmail,
				Subject:  fmt.Sprintf("Order %s confirmed", order.Reference),
				Template: models.EmailTemplateOrderConfirmation,
				Variables: map[string]string{
					"order_id":  strconv.FormatInt(order.ID, 10),
					"reference": order.Reference,
					"total":     strconv.FormatInt(order.Total, 10),
				},
				QueuedAt: time.Now(),
			})
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Debug("Order paid notification incomplete",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// OrderCancelled notifies the customer that the order was cancelled and a
// refund issued. Not feature-flagged: the customer's money is involved.
func (d *Dispatcher) OrderCancelled(ctx context.Context, order *models.Order, shortages []models.StockShortage) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.OrderCancelled")
	defer span.End()

	var g errgroup.Group

	if order.UserID != nil {
		userID := *order.UserID
		g.Go(func() error {
			return d.sendPush(ctx, userID, &models.PushMessage{
				ID:      uuid.New().String(),
				Type:    models.PushOrderCancelled,
				Message: fmt.Sprintf("Order %s was cancelled and your payment refunded", order.Reference),
				Data: map[string]interface{}{
					"order_id":  order.ID,
					"reference": order.Reference,
				},
				SentAt: time.Now(),
			})
		})
	}

	items := make([]string, 0, len(shortages))
	for _, s := range shortages {
		items = append(items, s.Name)
	}

	g.Go(func() error {
		return d.sendEmail(ctx, &models.EmailMessage{
			ID:       uuid.New().String(),
			To:       order.CustomerEmail,
			Subject:  fmt.Sprintf("Order %s cancelled, refund on the way", order.Reference),
			Template: models.EmailTemplateOrderCancelled,
			Variables: map[string]string{
				"order_id":  strconv.FormatInt(order.ID, 10),
				"reference": order.Reference,
				"total":     strconv.FormatInt(order.Total, 10),
				"items":     strings.Join(items, ", "),
			},
			QueuedAt: time.Now(),
		})
	})

	if err := g.Wait(); err != nil {
		d.logger.Debug("Order cancelled notification incomplete",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// LowStock pushes a restock warning to every admin.
func (d *Dispatcher) LowStock(ctx context.Context, variant *models.Variant, threshold int) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.LowStock")
	defer span.End()

	admins, err := d.admins.GetAdmins(ctx)
	if err != nil {
		d.logger.Error("Failed to load admins for low stock alert",
			zap.Int64("variant_id", variant.ID),
			zap.Error(err))
		return
	}

	var g errgroup.Group
	for _, admin := range admins {
		adminID := admin.ID
		g.Go(func() error {
			return d.sendPush(ctx, adminID, &models.PushMessage{
				ID:      uuid.New().String(),
				Type:    models.PushLowStock,
				Message: fmt.Sprintf("%s is low on stock (%d left)", variant.Name, variant.Stock),
				Data: map[string]interface{}{
					"variant_id": variant.ID,
					"sku":        variant.SKU,
					"stock":      variant.Stock,
					"threshold":  threshold,
				},
				SentAt: time.Now(),
			})
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Debug("Low stock alert incomplete",
			zap.Int64("variant_id", variant.ID),
			zap.Error(err))
	}
}

// AdminAlert pushes and emails an operational alert to every admin. Used
// for conditions that need a human, like a failed refund.
func (d *Dispatcher) AdminAlert(ctx context.Context, subject, body string, data map[string]interface{}) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.AdminAlert")
	defer span.End()

	admins, err := d.admins.GetAdmins(ctx)
	if err != nil {
		d.logger.Error("Failed to load admins for alert",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	var g errgroup.Group
	for _, admin := range admins {
		admin := admin
		g.Go(func() error {
			return d.sendPush(ctx, admin.ID, &models.PushMessage{
				ID:      uuid.New().String(),
				Type:    models.PushAdminAlert,
				Message: subject,
				Data:    data,
				SentAt:  time.Now(),
			})
		})
		g.Go(func() error {
			return d.sendEmail(ctx, &models.EmailMessage{
				ID:       uuid.New().String(),
				To:       admin.Email,
				Subject:  subject,
				Template: models.EmailTemplateAdminRefundAlert,
				Variables: map[string]string{
					"body": body,
				},
				QueuedAt: time.Now(),
			})
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Debug("Admin alert incomplete",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (d *Dispatcher) sendPush(ctx context.Context, userID int64, msg *models.PushMessage) error {
	if err := d.push.PublishPush(ctx, userID, msg); err != nil {
		util.NotificationsTotal.WithLabelValues("push", "error").Inc()
		d.logger.Error("Failed to publish push notification",
			zap.Int64("user_id", userID),
			zap.String("type", msg.Type),
			zap.Error(err))
		return err
	}
	util.NotificationsTotal.WithLabelValues("push", "ok").Inc()
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, msg *models.EmailMessage) error {
	if err := d.mail.EnqueueEmail(ctx, msg); err != nil {
		util.NotificationsTotal.WithLabelValues("email", "error").Inc()
		d.logger.Error("Failed to enqueue email",
			zap.String("to", msg.To),
			zap.String("template", msg.Template),
			zap.Error(err))
		return err
	}
	util.NotificationsTotal.WithLabelValues("email", "ok").Inc()
	return nil
}
