package ledger

import (
	"context"
	"errors"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Ledger owns stock levels and their audit trail. Every change flows through
// an Adjustment so the conditional update and the movement row stay
// inseparable: a level never moves without a row explaining it.
type Ledger struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a stock ledger over the store
func New(store *store.Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Adjustment describes one requested stock change. Delta is signed: sales
// deduct, returns and restocks add.
type Adjustment struct {
	VariantID int64
	Delta     int
	Type      models.MovementType
	Reason    string
	Actor     string
	OrderID   *int64
}

func (a Adjustment) validate() error {
	if a.VariantID == 0 {
		return fmt.Errorf("adjustment requires a variant")
	}
	if a.Delta == 0 {
		return fmt.Errorf("adjustment delta must be non-zero")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("unknown movement type: %q", a.Type)
	}
	if a.Reason == "" {
		return fmt.Errorf("adjustment reason is required")
	}
	return nil
}

// Adjust applies one stock change in its own transaction.
func (l *Ledger) Adjust(ctx context.Context, adj Adjustment) (*models.Variant, *models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Adjust")
	defer span.End()

	var (
		variant  *models.Variant
		movement *models.StockMovement
	)
	err := l.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		variant, movement, err = l.AdjustInTx(ctx, tx, adj)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return variant, movement, nil
}

// AdjustInTx applies one stock change inside the caller's transaction. The
// store's conditional update is the enforcement point for non-negative
// stock; the movement row snapshots the level before and after.
func (l *Ledger) AdjustInTx(ctx context.Context, q sqlx.ExtContext, adj Adjustment) (*models.Variant, *models.StockMovement, error) {
	if err := adj.validate(); err != nil {
		return nil, nil, err
	}

	variant, err := l.store.AdjustVariantStock(ctx, q, adj.VariantID, adj.Delta)
	if err != nil {
		var insufficient *models.InsufficientStockError
		if errors.As(err, &insufficient) {
			util.OversellRejectionsTotal.Inc()
			l.logger.Warn("Stock adjustment refused",
				zap.Int64("variant_id", adj.VariantID),
				zap.Int("delta", adj.Delta),
				zap.Int("available", insufficient.Available))
		}
		return nil, nil, err
	}

	movement := &models.StockMovement{
		VariantID:     adj.VariantID,
		OrderID:       adj.OrderID,
		MovementType:  adj.Type,
		Quantity:      adj.Delta,
		PreviousStock: variant.Stock - adj.Delta,
		NewStock:      variant.Stock,
		Reason:        adj.Reason,
		CreatedBy:     adj.Actor,
	}
	if err := l.store.InsertStockMovement(ctx, q, movement); err != nil {
		return nil, nil, fmt.Errorf("failed to record stock movement: %w", err)
	}

	util.StockMovementsTotal.WithLabelValues(string(adj.Type)).Inc()
	return variant, movement, nil
}

// Summary reports the aggregate inventory position.
func (l *Ledger) Summary(ctx context.Context, lowStockThreshold int) (*models.StockSummary, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Summary")
	defer span.End()

	return l.store.GetStockSummary(ctx, lowStockThreshold)
}

// LowStock lists variants at or under threshold, lowest level first.
func (l *Ledger) LowStock(ctx context.Context, threshold int) ([]models.Variant, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.LowStock")
	defer span.End()

	return l.store.GetLowStockVariants(ctx, threshold)
}

// Movements lists audit rows matching the filter, newest first.
func (l *Ledger) Movements(ctx context.Context, f store.MovementFilter) ([]models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Movements")
	defer span.End()

	return l.store.GetStockMovements(ctx, f)
}
