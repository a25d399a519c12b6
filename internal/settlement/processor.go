package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Store is the persistence surface the processor settles against.
type Store interface {
	BeginEvent(ctx context.Context, reference, eventType string, payload []byte, reclaimAfter time.Duration) (*models.WebhookEvent, error)
	FailEvent(ctx context.Context, reference, errMsg string) error
	IgnoreEvent(ctx context.Context, reference string) error
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	GetOrderByReference(ctx context.Context, q sqlx.ExtContext, reference string) (*models.Order, error)
	GetOrderItems(ctx context.Context, q sqlx.ExtContext, orderID int64) ([]models.OrderItem, error)
	LockVariants(ctx context.Context, q sqlx.ExtContext, ids []int64) (map[int64]models.Variant, error)
	MarkOrderPaid(ctx context.Context, q sqlx.ExtContext, orderID int64, paidAt time.Time) error
	CancelOrderForRefund(ctx context.Context, q sqlx.ExtContext, orderID int64, note string) error
	ReleaseDiscountUsage(ctx context.Context, q sqlx.ExtContext, codeID int64) error
	CompleteEvent(ctx context.Context, q sqlx.ExtContext, reference string, status models.EventStatus, orderID *int64) error
}

// Adjuster applies stock deductions inside the settlement transaction.
type Adjuster interface {
	AdjustInTx(ctx context.Context, q sqlx.ExtContext, adj ledger.Adjustment) (*models.Variant, *models.StockMovement, error)
}

// Dispatcher sends post-settlement notifications.
type Dispatcher interface {
	OrderPaid(ctx context.Context, order *models.Order)
	LowStock(ctx context.Context, variant *models.Variant, threshold int)
}

// Compensator refunds orders that could not be fulfilled.
type Compensator interface {
	Compensate(ctx context.Context, order *models.Order, shortages []models.StockShortage) error
}

// OutcomeStatus classifies what a provider event did.
type OutcomeStatus string

const (
	OutcomePaid         OutcomeStatus = "paid"
	OutcomeDuplicate    OutcomeStatus = "duplicate"
	OutcomeIgnored      OutcomeStatus = "ignored"
	OutcomeCompensating OutcomeStatus = "compensating"
)

// Outcome reports the result of processing one provider event.
type Outcome struct {
	Status    OutcomeStatus          `json:"status"`
	Order     *models.Order          `json:"order,omitempty"`
	Shortages []models.StockShortage `json:"shortages,omitempty"`
}

// Config carries the processor's tunables.
type Config struct {
	EventReclaimAfter time.Duration
	LowStockThreshold int
}

// Processor turns provider payment events into settled orders. Both entry
// points, the synchronous verify endpoint and the queue worker, hand their
// events here so every charge walks the same path: claim the event by
// reference, settle order and stock in one transaction, then fan out.
type Processor struct {
	store       Store
	adjuster    Adjuster
	dispatcher  Dispatcher
	compensator Compensator
	cfg         Config
	logger      *zap.Logger
}

// NewProcessor creates a payment confirmation processor
func NewProcessor(store Store, adjuster Adjuster, dispatcher Dispatcher, compensator Compensator, cfg Config) *Processor {
	return &Processor{
		store:       store,
		adjuster:    adjuster,
		dispatcher:  dispatcher,
		compensator: compensator,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// Process settles a single provider event. Redelivered events that already
// reached a terminal state come back as duplicates with no further effect.
// A returned error means nothing was settled and the event may be retried.
func (p *Processor) Process(ctx context.Context, evt *models.ProviderEvent) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "PaymentConfirmationProcessor.Process")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	reference := evt.Data.Reference

	rec, err := p.store.BeginEvent(ctx, reference, string(evt.Event), evt.Raw, p.cfg.EventReclaimAfter)
	switch {
	case errors.Is(err, store.ErrEventProcessed):
		p.logger.Info("Duplicate provider event skipped",
			zap.String("reference", reference),
			zap.String("status", string(rec.Status)))
		util.EventsProcessedTotal.WithLabelValues("duplicate").Inc()
		return &Outcome{Status: OutcomeDuplicate}, nil
	case errors.Is(err, store.ErrEventInFlight):
		return nil, fmt.Errorf("event %s is already being processed: %w", reference, err)
	case err != nil:
		return nil, fmt.Errorf("failed to claim event %s: %w", reference, err)
	}

	switch evt.Event {
	case models.EventChargeSuccess:
		return p.settle(ctx, evt)
	default:
		if !evt.Event.Known() {
			p.logger.Warn("Unhandled provider event type",
				zap.String("event", string(evt.Event)),
				zap.String("reference", reference))
		}
		if err := p.store.IgnoreEvent(ctx, reference); err != nil {
			return nil, fmt.Errorf("failed to ignore event %s: %w", reference, err)
		}
		util.EventsProcessedTotal.WithLabelValues("ignored").Inc()
		return &Outcome{Status: OutcomeIgnored}, nil
	}
}

// settle applies a successful charge. Order state, stock deductions, stock
// movements and the terminal event mark all commit in one transaction, so
// a crash anywhere leaves the event claimable again with nothing applied.
func (p *Processor) settle(ctx context.Context, evt *models.ProviderEvent) (*Outcome, error) {
	reference := evt.Data.Reference

	outcome := &Outcome{}
	var lowStock []models.Variant

	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		order, err := p.store.GetOrderByReference(ctx, tx, reference)
		if err != nil {
			return err
		}

		if order.PaymentStatus == models.PaymentStatusPaid {
			outcome.Status = OutcomeDuplicate
			outcome.Order = order
			return p.store.CompleteEvent(ctx, tx, reference, models.EventStatusProcessed, &order.ID)
		}

		items, err := p.store.GetOrderItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("order %d has no items", order.ID)
		}

		required := requiredByVariant(items)
		ids := sortedVariantIDs(required)

		variants, err := p.store.LockVariants(ctx, tx, ids)
		if err != nil {
			return err
		}

		shortages, err := findShortages(required, ids, variants)
		if err != nil {
			return err
		}

		if len(shortages) > 0 {
			outcome.Status = OutcomeCompensating
			outcome.Order = order
			outcome.Shortages = shortages

			note := models.NoteLine(time.Now(), "payment settlement aborted, insufficient stock: "+shortageSummary(shortages))
			if err := p.store.CancelOrderForRefund(ctx, tx, order.ID, note); err != nil {
				return err
			}
			if order.DiscountCodeID != nil {
				if err := p.store.ReleaseDiscountUsage(ctx, tx, *order.DiscountCodeID); err != nil {
					return err
				}
			}
			return p.store.CompleteEvent(ctx, tx, reference, models.EventStatusProcessedRefunded, &order.ID)
		}

		for _, id := range ids {
			variant, _, err := p.adjuster.AdjustInTx(ctx, tx, ledger.Adjustment{
				VariantID: id,
				Delta:     -required[id],
				Type:      models.MovementSale,
				Reason:    fmt.Sprintf("order %d payment settled", order.ID),
				Actor:     "settlement",
				OrderID:   &order.ID,
			})
			if err != nil {
				return err
			}
			if variant.Stock <= p.cfg.LowStockThreshold {
				lowStock = append(lowStock, *variant)
			}
		}

		if err := p.store.MarkOrderPaid(ctx, tx, order.ID, evt.SettledAt()); err != nil {
			return err
		}

		outcome.Status = OutcomePaid
		outcome.Order = order
		return p.store.CompleteEvent(ctx, tx, reference, models.EventStatusProcessed, &order.ID)
	})
	if err != nil {
		if ferr := p.store.FailEvent(ctx, reference, err.Error()); ferr != nil {
			p.logger.Error("Failed to record event failure",
				zap.String("reference", reference),
				zap.Error(ferr))
		}
		util.EventsProcessedTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("settlement failed for %s: %w", reference, err)
	}

	p.finish(ctx, outcome, lowStock)
	return outcome, nil
}

// finish runs the post-commit side effects for a settled event.
func (p *Processor) finish(ctx context.Context, outcome *Outcome, lowStock []models.Variant) {
	switch outcome.Status {
	case OutcomePaid:
		util.EventsProcessedTotal.WithLabelValues("paid").Inc()
		p.logger.Info("Order paid",
			zap.Int64("order_id", outcome.Order.ID),
			zap.String("reference", outcome.Order.Reference),
			zap.Int64("amount", outcome.Order.Total))

		order := outcome.Order
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.dispatcher.OrderPaid(nctx, order)
			for i := range lowStock {
				p.dispatcher.LowStock(nctx, &lowStock[i], p.cfg.LowStockThreshold)
			}
		}()

	case OutcomeCompensating:
		util.EventsProcessedTotal.WithLabelValues("compensating").Inc()
		p.logger.Warn("Order cancelled at settlement, refunding",
			zap.Int64("order_id", outcome.Order.ID),
			zap.String("reference", outcome.Order.Reference),
			zap.Int("shortages", len(outcome.Shortages)))

		if err := p.compensator.Compensate(ctx, outcome.Order, outcome.Shortages); err != nil {
			p.logger.Error("Refund compensation failed",
				zap.Int64("order_id", outcome.Order.ID),
				zap.Error(err))
		}

	case OutcomeDuplicate:
		util.EventsProcessedTotal.WithLabelValues("duplicate").Inc()
		p.logger.Info("Order already paid, event settled as duplicate",
			zap.Int64("order_id", outcome.Order.ID),
			zap.String("reference", outcome.Order.Reference))
	}
}

// requiredByVariant sums ordered quantities per variant. An order may list
// the same variant on several lines.
func requiredByVariant(items []models.OrderItem) map[int64]int {
	required := make(map[int64]int, len(items))
	for _, item := range items {
		required[item.VariantID] += item.Quantity
	}
	return required
}

// sortedVariantIDs returns the variant IDs in ascending order so every
// settlement locks rows in the same sequence.
func sortedVariantIDs(required map[int64]int) []int64 {
	ids := make([]int64, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// findShortages compares required quantities against locked stock levels.
func findShortages(required map[int64]int, ids []int64, variants map[int64]models.Variant) ([]models.StockShortage, error) {
	var shortages []models.StockShortage
	for _, id := range ids {
		variant, ok := variants[id]
		if !ok {
			return nil, fmt.Errorf("variant %d no longer exists", id)
		}
		if variant.Stock < required[id] {
			shortages = append(shortages, models.StockShortage{
				VariantID: variant.ID,
				SKU:       variant.SKU,
				Name:      variant.Name,
				Requested: required[id],
				Available: variant.Stock,
			})
		}
	}
	return shortages, nil
}

func shortageSummary(shortages []models.StockShortage) string {
	parts := make([]string, 0, len(shortages))
	for _, s := range shortages {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}
