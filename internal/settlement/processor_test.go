package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	orders   map[string]*models.Order
	items    map[int64][]models.OrderItem
	variants map[int64]models.Variant
	events   map[string]*models.WebhookEvent

	paid      map[int64]time.Time
	cancelled map[int64]string
	released  []int64
	completed map[string]models.EventStatus
	failed    map[string]string
	ignored   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[string]*models.Order),
		items:     make(map[int64][]models.OrderItem),
		variants:  make(map[int64]models.Variant),
		events:    make(map[string]*models.WebhookEvent),
		paid:      make(map[int64]time.Time),
		cancelled: make(map[int64]string),
		completed: make(map[string]models.EventStatus),
		failed:    make(map[string]string),
	}
}

func (f *fakeStore) BeginEvent(ctx context.Context, reference, eventType string, payload []byte, reclaimAfter time.Duration) (*models.WebhookEvent, error) {
	if existing, ok := f.events[reference]; ok {
		if existing.Status.Terminal() {
			return existing, store.ErrEventProcessed
		}
		if existing.Status == models.EventStatusFailed {
			existing.Status = models.EventStatusProcessing
			return existing, nil
		}
		return existing, store.ErrEventInFlight
	}

	rec := &models.WebhookEvent{
		Reference: reference,
		EventType: eventType,
		Payload:   payload,
		Status:    models.EventStatusProcessing,
	}
	f.events[reference] = rec
	return rec, nil
}

func (f *fakeStore) FailEvent(ctx context.Context, reference, errMsg string) error {
	f.failed[reference] = errMsg
	if rec, ok := f.events[reference]; ok {
		rec.Status = models.EventStatusFailed
		rec.Error = errMsg
	}
	return nil
}

func (f *fakeStore) IgnoreEvent(ctx context.Context, reference string) error {
	f.ignored = append(f.ignored, reference)
	if rec, ok := f.events[reference]; ok {
		rec.Status = models.EventStatusIgnored
	}
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) GetOrderByReference(ctx context.Context, q sqlx.ExtContext, reference string) (*models.Order, error) {
	order, ok := f.orders[reference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, reference)
	}
	copied := *order
	return &copied, nil
}

func (f *fakeStore) GetOrderItems(ctx context.Context, q sqlx.ExtContext, orderID int64) ([]models.OrderItem, error) {
	return f.items[orderID], nil
}

func (f *fakeStore) LockVariants(ctx context.Context, q sqlx.ExtContext, ids []int64) (map[int64]models.Variant, error) {
	out := make(map[int64]models.Variant, len(ids))
	for _, id := range ids {
		if v, ok := f.variants[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeStore) MarkOrderPaid(ctx context.Context, q sqlx.ExtContext, orderID int64, paidAt time.Time) error {
	f.paid[orderID] = paidAt
	return nil
}

func (f *fakeStore) CancelOrderForRefund(ctx context.Context, q sqlx.ExtContext, orderID int64, note string) error {
	f.cancelled[orderID] = note
	return nil
}

func (f *fakeStore) ReleaseDiscountUsage(ctx context.Context, q sqlx.ExtContext, codeID int64) error {
	f.released = append(f.released, codeID)
	return nil
}

func (f *fakeStore) CompleteEvent(ctx context.Context, q sqlx.ExtContext, reference string, status models.EventStatus, orderID *int64) error {
	f.completed[reference] = status
	if rec, ok := f.events[reference]; ok {
		rec.Status = status
		rec.OrderID = orderID
	}
	return nil
}

type fakeAdjuster struct {
	store   *fakeStore
	applied []ledger.Adjustment
	failOn  int64
}

func (f *fakeAdjuster) AdjustInTx(ctx context.Context, q sqlx.ExtContext, adj ledger.Adjustment) (*models.Variant, *models.StockMovement, error) {
	if f.failOn != 0 && adj.VariantID == f.failOn {
		return nil, nil, &models.InsufficientStockError{VariantID: adj.VariantID, Requested: -adj.Delta}
	}

	v, ok := f.store.variants[adj.VariantID]
	if !ok {
		return nil, nil, store.ErrVariantNotFound
	}
	if v.Stock+adj.Delta < 0 {
		return nil, nil, &models.InsufficientStockError{
			VariantID: adj.VariantID,
			SKU:       v.SKU,
			Requested: -adj.Delta,
			Available: v.Stock,
		}
	}

	prev := v.Stock
	v.Stock += adj.Delta
	f.store.variants[adj.VariantID] = v
	f.applied = append(f.applied, adj)

	return &v, &models.StockMovement{
		VariantID:     adj.VariantID,
		OrderID:       adj.OrderID,
		MovementType:  adj.Type,
		Quantity:      adj.Delta,
		PreviousStock: prev,
		NewStock:      v.Stock,
		Reason:        adj.Reason,
		CreatedBy:     adj.Actor,
	}, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	paid     []int64
	lowStock []int64
}

func (f *fakeDispatcher) OrderPaid(ctx context.Context, order *models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid = append(f.paid, order.ID)
}

func (f *fakeDispatcher) LowStock(ctx context.Context, variant *models.Variant, threshold int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowStock = append(f.lowStock, variant.ID)
}

func (f *fakeDispatcher) paidCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paid)
}

func (f *fakeDispatcher) lowStockIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.lowStock...)
}

type fakeCompensator struct {
	orders    []int64
	shortages [][]models.StockShortage
	err       error
}

func (f *fakeCompensator) Compensate(ctx context.Context, order *models.Order, shortages []models.StockShortage) error {
	f.orders = append(f.orders, order.ID)
	f.shortages = append(f.shortages, shortages)
	return f.err
}

func newTestProcessor(st *fakeStore, adj *fakeAdjuster, disp *fakeDispatcher, comp *fakeCompensator) *Processor {
	return NewProcessor(st, adj, disp, comp, Config{
		EventReclaimAfter: 5 * time.Minute,
		LowStockThreshold: 2,
	})
}

func chargeEvent(t *testing.T, reference string) *models.ProviderEvent {
	t.Helper()

	evt := &models.ProviderEvent{
		Event: models.EventChargeSuccess,
		Data: models.ProviderEventData{
			Reference: reference,
			Amount:    250000,
			Status:    "success",
			PaidAt:    "2024-03-15T08:30:00Z",
		},
	}
	require.NoError(t, evt.Encode())
	return evt
}

func seedOrder(st *fakeStore, reference string, discountCodeID *int64, items ...models.OrderItem) *models.Order {
	userID := int64(11)
	order := &models.Order{
		ID:             1,
		Reference:      reference,
		UserID:         &userID,
		CustomerEmail:  "jane@example.com",
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		Total:          250000,
		DiscountCodeID: discountCodeID,
	}
	st.orders[reference] = order
	st.items[order.ID] = items
	return order
}

func TestProcessSettlesPaidOrder(t *testing.T) {
	st := newFakeStore()
	st.variants[7] = models.Variant{ID: 7, SKU: "TSHIRT-M", Stock: 10}
	st.variants[9] = models.Variant{ID: 9, SKU: "MUG-BLUE", Stock: 5}
	seedOrder(st, "ref-1", nil,
		models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 2},
		models.OrderItem{OrderID: 1, VariantID: 9, Quantity: 1},
	)

	adj := &fakeAdjuster{store: st}
	disp := &fakeDispatcher{}
	p := newTestProcessor(st, adj, disp, &fakeCompensator{})

	outcome, err := p.Process(context.Background(), chargeEvent(t, "ref-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, outcome.Status)

	assert.Equal(t, 8, st.variants[7].Stock)
	assert.Equal(t, 4, st.variants[9].Stock)
	require.Len(t, adj.applied, 2)
	for _, a := range adj.applied {
		assert.Equal(t, models.MovementSale, a.Type)
		require.NotNil(t, a.OrderID)
		assert.Equal(t, int64(1), *a.OrderID)
	}

	assert.Equal(t, time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC), st.paid[1])
	assert.Equal(t, models.EventStatusProcessed, st.completed["ref-1"])

	require.Eventually(t, func() bool { return disp.paidCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessAggregatesRepeatedVariantLines(t *testing.T) {
	st := newFakeStore()
	st.variants[7] = models.Variant{ID: 7, SKU: "TSHIRT-M", Stock: 6}
	seedOrder(st, "ref-2", nil,
		models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 2},
		models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 2},
	)

	adj := &fakeAdjuster{store: st}
	disp := &fakeDispatcher{}
	p := newTestProcessor(st, adj, disp, &fakeCompensator{})

	outcome, err := p.Process(context.Background(), chargeEvent(t, "ref-2"))
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, outcome.Status)

	// One deduction of 4, not two of 2
	require.Len(t, adj.applied, 1)
	assert.Equal(t, -4, adj.applied[0].Delta)
	assert.Equal(t, 2, st.variants[7].Stock)

	// Landing exactly on the threshold raises the alert
	require.Eventually(t, func() bool { return len(disp.lowStockIDs()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{7}, disp.lowStockIDs())
}

func TestProcessShortageCancelsAndRefunds(t *testing.T) {
	st := newFakeStore()
	st.variants[7] = models.Variant{ID: 7, SKU: "TSHIRT-M", Stock: 1}
	st.variants[9] = models.Variant{ID: 9, SKU: "MUG-BLUE", Stock: 0}
	discountID := int64(3)
	seedOrder(st, "ref-3", &discountID,
		models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 2},
		models.OrderItem{OrderID: 1, VariantID: 9, Quantity: 1},
	)

	adj := &fakeAdjuster{store: st}
	comp := &fakeCompensator{}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, comp)

	outcome, err := p.Process(context.Background(), chargeEvent(t, "ref-3"))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompensating, outcome.Status)

	// Every shortage reported, not just the first one found
	require.Len(t, outcome.Shortages, 2)
	assert.Equal(t, int64(7), outcome.Shortages[0].VariantID)
	assert.Equal(t, int64(9), outcome.Shortages[1].VariantID)

	// Nothing deducted on the shortage path
	assert.Empty(t, adj.applied)
	assert.Equal(t, 1, st.variants[7].Stock)
	assert.Equal(t, 0, st.variants[9].Stock)

	assert.Contains(t, st.cancelled[1], "insufficient stock")
	assert.Equal(t, []int64{3}, st.released)
	assert.Equal(t, models.EventStatusProcessedRefunded, st.completed["ref-3"])
	assert.Empty(t, st.paid)

	require.Equal(t, []int64{1}, comp.orders)
	assert.Len(t, comp.shortages[0], 2)
}

func TestProcessDuplicateEventShortCircuits(t *testing.T) {
	st := newFakeStore()
	st.events["ref-4"] = &models.WebhookEvent{
		Reference: "ref-4",
		Status:    models.EventStatusProcessed,
	}

	adj := &fakeAdjuster{store: st}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, &fakeCompensator{})

	outcome, err := p.Process(context.Background(), chargeEvent(t, "ref-4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome.Status)
	assert.Empty(t, adj.applied)
	assert.Empty(t, st.paid)
}

func TestProcessInFlightEventErrors(t *testing.T) {
	st := newFakeStore()
	st.events["ref-5"] = &models.WebhookEvent{
		Reference: "ref-5",
		Status:    models.EventStatusProcessing,
	}

	adj := &fakeAdjuster{store: st}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, &fakeCompensator{})

	_, err := p.Process(context.Background(), chargeEvent(t, "ref-5"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrEventInFlight)
	assert.Empty(t, adj.applied)
}

func TestProcessAlreadyPaidOrderSettlesAsDuplicate(t *testing.T) {
	st := newFakeStore()
	order := seedOrder(st, "ref-6", nil, models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 1})
	order.PaymentStatus = models.PaymentStatusPaid

	adj := &fakeAdjuster{store: st}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, &fakeCompensator{})

	outcome, err := p.Process(context.Background(), chargeEvent(t, "ref-6"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome.Status)

	// The event record still reaches a terminal state
	assert.Equal(t, models.EventStatusProcessed, st.completed["ref-6"])
	assert.Empty(t, adj.applied)
	assert.Empty(t, st.paid)
}

func TestProcessMissingOrderFailsEvent(t *testing.T) {
	st := newFakeStore()

	adj := &fakeAdjuster{store: st}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, &fakeCompensator{})

	_, err := p.Process(context.Background(), chargeEvent(t, "ref-7"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrOrderNotFound)

	// Failed, not terminal: the next delivery may find the order committed
	assert.NotEmpty(t, st.failed["ref-7"])
	assert.Equal(t, models.EventStatusFailed, st.events["ref-7"].Status)
	assert.Empty(t, st.completed)
}

func TestProcessAdjustRaceFailsEvent(t *testing.T) {
	st := newFakeStore()
	st.variants[7] = models.Variant{ID: 7, SKU: "TSHIRT-M", Stock: 10}
	seedOrder(st, "ref-8", nil, models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 2})

	adj := &fakeAdjuster{store: st, failOn: 7}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, &fakeCompensator{})

	_, err := p.Process(context.Background(), chargeEvent(t, "ref-8"))
	require.Error(t, err)

	var insufficient *models.InsufficientStockError
	assert.ErrorAs(t, err, &insufficient)
	assert.NotEmpty(t, st.failed["ref-8"])
	assert.Empty(t, st.paid)
	assert.Empty(t, st.completed)
}

func TestProcessIgnoresOtherKnownEvents(t *testing.T) {
	st := newFakeStore()

	evt := &models.ProviderEvent{
		Event: models.EventRefundProcessed,
		Data:  models.ProviderEventData{Reference: "ref-9"},
	}
	require.NoError(t, evt.Encode())

	adj := &fakeAdjuster{store: st}
	p := newTestProcessor(st, adj, &fakeDispatcher{}, &fakeCompensator{})

	outcome, err := p.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
	assert.Equal(t, []string{"ref-9"}, st.ignored)
	assert.Empty(t, adj.applied)
}

func TestProcessIgnoresUnknownEventTypes(t *testing.T) {
	st := newFakeStore()

	evt := &models.ProviderEvent{
		Event: "subscription.create",
		Data:  models.ProviderEventData{Reference: "ref-10"},
	}
	require.NoError(t, evt.Encode())

	p := newTestProcessor(st, &fakeAdjuster{store: st}, &fakeDispatcher{}, &fakeCompensator{})

	outcome, err := p.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
	assert.Equal(t, []string{"ref-10"}, st.ignored)
}

func TestProcessRefundFailureDoesNotUnsettleEvent(t *testing.T) {
	st := newFakeStore()
	st.variants[7] = models.Variant{ID: 7, SKU: "TSHIRT-M", Stock: 0}
	seedOrder(st, "ref-11", nil, models.OrderItem{OrderID: 1, VariantID: 7, Quantity: 1})

	comp := &fakeCompensator{err: fmt.Errorf("provider rejected refund")}
	p := newTestProcessor(st, &fakeAdjuster{store: st}, &fakeDispatcher{}, comp)

	outcome, err := p.Process(context.Background(), chargeEvent(t, "ref-11"))

	// The event stays terminal; the compensator owns the escalation
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompensating, outcome.Status)
	assert.Equal(t, models.EventStatusProcessedRefunded, st.completed["ref-11"])
	assert.Equal(t, []int64{1}, comp.orders)
}
