package models

import (
	"fmt"
	"time"
)

// User is a minimal account record. This service only reads users to find
// the administrators who receive escalation alerts.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// User roles
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Variant is a sellable product variant with its on-hand stock level
type Variant struct {
	ID        int64     `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Stock     int       `db:"stock" json:"stock"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order awaiting or past payment settlement
type Order struct {
	ID             int64         `db:"id" json:"id"`
	Reference      string        `db:"reference" json:"reference"`
	UserID         *int64        `db:"user_id" json:"user_id,omitempty"`
	CustomerEmail  string        `db:"customer_email" json:"customer_email"`
	Status         OrderStatus   `db:"status" json:"status"`
	PaymentStatus  PaymentStatus `db:"payment_status" json:"payment_status"`
	Total          int64         `db:"total" json:"total"`
	DiscountCodeID *int64        `db:"discount_code_id" json:"discount_code_id,omitempty"`
	Notes          string        `db:"notes" json:"notes,omitempty"`
	PaidAt         *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// OrderItem is an immutable line snapshot taken at checkout time
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// StockMovement is one append-only audit row per stock change. Quantity is
// the signed delta; PreviousStock and NewStock snapshot the level around it.
type StockMovement struct {
	ID            int64        `db:"id" json:"id"`
	VariantID     int64        `db:"variant_id" json:"variant_id"`
	OrderID       *int64       `db:"order_id" json:"order_id,omitempty"`
	MovementType  MovementType `db:"movement_type" json:"movement_type"`
	Quantity      int          `db:"quantity" json:"quantity"`
	PreviousStock int          `db:"previous_stock" json:"previous_stock"`
	NewStock      int          `db:"new_stock" json:"new_stock"`
	Reason        string       `db:"reason" json:"reason"`
	CreatedBy     string       `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// WebhookEvent is the idempotency record for one provider reference
type WebhookEvent struct {
	ID        int64       `db:"id" json:"id"`
	Reference string      `db:"reference" json:"reference"`
	EventType string      `db:"event_type" json:"event_type"`
	Payload   []byte      `db:"payload" json:"-"`
	Status    EventStatus `db:"status" json:"status"`
	Error     string      `db:"error" json:"error,omitempty"`
	OrderID   *int64      `db:"order_id" json:"order_id,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// DiscountCode tracks redemptions. The usage count consumed at checkout is
// handed back when a paid order is cancelled for insufficient stock.
type DiscountCode struct {
	ID        int64  `db:"id" json:"id"`
	Code      string `db:"code" json:"code"`
	UsedCount int    `db:"used_count" json:"used_count"`
}

// FeatureFlag is a toggle row read through the dispatcher's flag cache
type FeatureFlag struct {
	Key       string    `db:"key" json:"key"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StockSummary aggregates the current inventory position
type StockSummary struct {
	TotalVariants int   `db:"total_variants" json:"total_variants"`
	UnitsOnHand   int64 `db:"units_on_hand" json:"units_on_hand"`
	OutOfStock    int   `db:"out_of_stock" json:"out_of_stock"`
	LowStock      int   `db:"low_stock" json:"low_stock"`
}

// OrderStatus is the fulfilment state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// PaymentStatus is the money state of an order
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	PaymentStatusRefunded      PaymentStatus = "refunded"
	PaymentStatusRefundFailed  PaymentStatus = "refund_failed"
	PaymentStatusFailed        PaymentStatus = "failed"
)

// MovementType classifies a stock movement
type MovementType string

// Movement types
const (
	MovementSale       MovementType = "sale"
	MovementAdjustment MovementType = "adjustment"
	MovementReturn     MovementType = "return"
	MovementRestock    MovementType = "restock"
)

// Valid reports whether m is one of the recognized movement types.
func (m MovementType) Valid() bool {
	switch m {
	case MovementSale, MovementAdjustment, MovementReturn, MovementRestock:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of a webhook event record
type EventStatus string

// Event statuses
const (
	EventStatusProcessing        EventStatus = "processing"
	EventStatusProcessed         EventStatus = "processed"
	EventStatusProcessedRefunded EventStatus = "processed_refunded"
	EventStatusIgnored           EventStatus = "ignored"
	EventStatusFailed            EventStatus = "failed"
)

// Terminal reports whether the status means the event will never be
// reprocessed. Failed records stay retryable.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusProcessed, EventStatusProcessedRefunded, EventStatusIgnored:
		return true
	}
	return false
}

// StockShortage describes one order line that could not be fulfilled when
// its payment settled.
type StockShortage struct {
	VariantID int64  `json:"variant_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (s StockShortage) String() string {
	return fmt.Sprintf("%s: requested %d, available %d", s.SKU, s.Requested, s.Available)
}

// InsufficientStockError reports a stock deduction refused because it would
// take the level below zero.
type InsufficientStockError struct {
	VariantID int64
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.SKU, e.Requested, e.Available)
}

// NoteLine formats one timestamped line for an order's append-only notes.
func NoteLine(at time.Time, msg string) string {
	return fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), msg)
}
