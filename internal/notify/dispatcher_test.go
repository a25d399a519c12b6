package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	mu       sync.Mutex
	users    []int64
	messages []*models.PushMessage
	err      error
}

func (f *fakePusher) PublishPush(ctx context.Context, userID int64, msg *models.PushMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, userID)
	f.messages = append(f.messages, msg)
	return nil
}

type fakeMailer struct {
	mu     sync.Mutex
	emails []*models.EmailMessage
	err    error
}

func (f *fakeMailer) EnqueueEmail(ctx context.Context, msg *models.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.emails = append(f.emails, msg)
	return nil
}

type fakeAdmins struct {
	admins []models.User
	err    error
}

func (f *fakeAdmins) GetAdmins(ctx context.Context) ([]models.User, error) {
	return f.admins, f.err
}

type fakeFlags struct {
	enabled map[string]bool
}

func (f *fakeFlags) Enabled(ctx context.Context, key string) bool {
	return f.enabled[key]
}

func paidOrder() *models.Order {
	userID := int64(11)
	return &models.Order{
		ID:            1,
		Reference:     "ref-n-1",
		UserID:        &userID,
		CustomerEmail: "jane@example.com",
		Total:         250000,
	}
}

func TestOrderPaidSendsPushAndEmail(t *testing.T) {
	push := &fakePusher{}
	mail := &fakeMailer{}
	flags := &fakeFlags{enabled: map[string]bool{FlagOrderConfirmationEmails: true}}
	d := NewDispatcher(push, mail, &fakeAdmins{}, flags)

	d.OrderPaid(context.Background(), paidOrder())

	require.Len(t, push.messages, 1)
	assert.Equal(t, []int64{11}, push.users)
	assert.Equal(t, models.PushOrderPaid, push.messages[0].Type)
	assert.Equal(t, "ref-n-1", push.messages[0].Data["reference"])

	require.Len(t, mail.emails, 1)
	assert.Equal(t, "jane@example.com", mail.emails[0].To)
	assert.Equal(t, models.EmailTemplateOrderConfirmation, mail.emails[0].Template)
	assert.Equal(t, "250000", mail.emails[0].Variables["total"])
}

func TestOrderPaidEmailGatedByFlag(t *testing.T) {
	push := &fakePusher{}
	mail := &fakeMailer{}
	flags := &fakeFlags{enabled: map[string]bool{}}
	d := NewDispatcher(push, mail, &fakeAdmins{}, flags)

	d.OrderPaid(context.Background(), paidOrder())

	assert.Len(t, push.messages, 1)
	assert.Empty(t, mail.emails)
}

func TestOrderPaidGuestOrderSkipsPush(t *testing.T) {
	push := &fakePusher{}
	mail := &fakeMailer{}
	flags := &fakeFlags{enabled: map[string]bool{FlagOrderConfirmationEmails: true}}
	d := NewDispatcher(push, mail, &fakeAdmins{}, flags)

	order := paidOrder()
	order.UserID = nil
	d.OrderPaid(context.Background(), order)

	assert.Empty(t, push.messages)
	assert.Len(t, mail.emails, 1)
}

func TestOrderPaidSinksFailIndependently(t *testing.T) {
	push := &fakePusher{err: fmt.Errorf("redis unreachable")}
	mail := &fakeMailer{}
	flags := &fakeFlags{enabled: map[string]bool{FlagOrderConfirmationEmails: true}}
	d := NewDispatcher(push, mail, &fakeAdmins{}, flags)

	d.OrderPaid(context.Background(), paidOrder())

	// The push failure must not stop the email
	assert.Empty(t, push.messages)
	assert.Len(t, mail.emails, 1)
}

func TestOrderCancelledIgnoresConfirmationFlag(t *testing.T) {
	push := &fakePusher{}
	mail := &fakeMailer{}
	flags := &fakeFlags{enabled: map[string]bool{}}
	d := NewDispatcher(push, mail, &fakeAdmins{}, flags)

	shortages := []models.StockShortage{
		{VariantID: 7, SKU: "TSHIRT-M", Name: "T-Shirt M", Requested: 2, Available: 0},
	}
	d.OrderCancelled(context.Background(), paidOrder(), shortages)

	// Refund messages always go out; the flag only gates confirmations
	require.Len(t, push.messages, 1)
	assert.Equal(t, models.PushOrderCancelled, push.messages[0].Type)

	require.Len(t, mail.emails, 1)
	assert.Equal(t, models.EmailTemplateOrderCancelled, mail.emails[0].Template)
	assert.Equal(t, "T-Shirt M", mail.emails[0].Variables["items"])
}

func TestLowStockAlertsEveryAdmin(t *testing.T) {
	push := &fakePusher{}
	admins := &fakeAdmins{admins: []models.User{
		{ID: 100, Email: "ops1@example.com", Role: models.RoleAdmin},
		{ID: 101, Email: "ops2@example.com", Role: models.RoleAdmin},
	}}
	d := NewDispatcher(push, &fakeMailer{}, admins, &fakeFlags{enabled: map[string]bool{}})

	variant := &models.Variant{ID: 7, SKU: "TSHIRT-M", Name: "T-Shirt M", Stock: 2}
	d.LowStock(context.Background(), variant, 5)

	require.Len(t, push.messages, 2)
	assert.ElementsMatch(t, []int64{100, 101}, push.users)
	assert.Equal(t, models.PushLowStock, push.messages[0].Type)
}

func TestLowStockAdminLookupFailure(t *testing.T) {
	push := &fakePusher{}
	admins := &fakeAdmins{err: fmt.Errorf("connection refused")}
	d := NewDispatcher(push, &fakeMailer{}, admins, &fakeFlags{enabled: map[string]bool{}})

	d.LowStock(context.Background(), &models.Variant{ID: 7}, 5)

	assert.Empty(t, push.messages)
}

func TestAdminAlertPushesAndEmailsEveryAdmin(t *testing.T) {
	push := &fakePusher{}
	mail := &fakeMailer{}
	admins := &fakeAdmins{admins: []models.User{
		{ID: 100, Email: "ops1@example.com", Role: models.RoleAdmin},
		{ID: 101, Email: "ops2@example.com", Role: models.RoleAdmin},
	}}
	d := NewDispatcher(push, mail, admins, &fakeFlags{enabled: map[string]bool{}})

	d.AdminAlert(context.Background(), "Refund failed for order #42", "Manual intervention required.", map[string]interface{}{
		"order_id": int64(42),
	})

	require.Len(t, push.messages, 2)
	assert.Equal(t, models.PushAdminAlert, push.messages[0].Type)
	assert.Equal(t, "Refund failed for order #42", push.messages[0].Message)

	require.Len(t, mail.emails, 2)
	assert.ElementsMatch(t, []string{"ops1@example.com", "ops2@example.com"},
		[]string{mail.emails[0].To, mail.emails[1].To})
	assert.Equal(t, models.EmailTemplateAdminRefundAlert, mail.emails[0].Template)
}
