package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Skotchmaster/online_pharmacy/internal/dbtest"
	"github.com/Skotchmaster/online_pharmacy/internal/events"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway/gatewaytest"
	"github.com/Skotchmaster/online_pharmacy/internal/kvstore"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

type fixture struct {
	db  *gorm.DB
	gw  *gatewaytest.Gateway
	rec *events.Recorder
	mgr *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	gw := gatewaytest.New()
	rec := &events.Recorder{}
	return &fixture{db: db, gw: gw, rec: rec, mgr: NewManager(db, gw, rec, nil, kvstore.NewMemory())}
}

// seed creates an order (unless withoutOrder) and a card payment with a live
// gateway intent, moved to state.
func (f *fixture) seed(t *testing.T, state models.PaymentState, withoutOrder bool) models.Payment {
	t.Helper()
	ctx := context.Background()
	orderID := uuid.New()
	amount := decimal.RequireFromString("42.00")

	if !withoutOrder {
		require.NoError(t, f.db.Create(&models.Order{
			ID:              orderID,
			UserID:          uuid.New(),
			TotalAmount:     amount,
			PaymentMethod:   models.MethodCard,
			PaymentStatus:   models.OrderPaymentPending,
			OrderStatus:     models.OrderProcessing,
			ShippingAddress: models.Address{Street: "1 Main St", City: "Springfield", PostalCode: "12345"},
		}).Error)
	}

	p := models.Payment{OrderID: orderID, UserID: uuid.New(), Amount: amount, Currency: "USD", PaymentMethod: models.MethodCard}
	require.NoError(t, f.mgr.Begin(ctx, &p))

	intent, err := f.gw.CreateIntent(ctx, gateway.IntentRequest{Amount: amount, Reference: p.ID.String()})
	require.NoError(t, err)

	if state == models.PaymentPending {
		return p
	}
	p, _, err = f.mgr.ApplyGatewayResult(ctx, p.ID, intent, SourceCheckout)
	require.NoError(t, err)

	switch state {
	case models.PaymentCompleted, models.PaymentRefunded:
		res, err := f.gw.Confirm(ctx, intent.ID, "")
		require.NoError(t, err)
		p, _, err = f.mgr.ApplyGatewayResult(ctx, p.ID, res, SourceCheckout)
		require.NoError(t, err)
		if state == models.PaymentRefunded {
			p, err = f.mgr.Refund(ctx, p.ID, nil, "seed", SourceAdmin)
			require.NoError(t, err)
		}
	case models.PaymentFailed:
		p, err = f.mgr.Fail(ctx, p.ID, "card declined", nil, SourceCheckout)
		require.NoError(t, err)
	case models.PaymentCancelled:
		p, err = f.mgr.Cancel(ctx, p.ID, "seed")
		require.NoError(t, err)
	}
	require.Equal(t, state, p.Status)
	return p
}

func (f *fixture) orderPaymentStatus(t *testing.T, orderID uuid.UUID) models.OrderPaymentStatus {
	t.Helper()
	var o models.Order
	require.NoError(t, f.db.First(&o, "id = ?", orderID).Error)
	return o.PaymentStatus
}

func TestTransition_ProjectsOrderStatus(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, models.PaymentProcessing, false)
	require.NotNil(t, p.PaymentIntentID)
	assert.Equal(t, models.OrderPaymentPending, f.orderPaymentStatus(t, p.OrderID))

	p, applied, err := f.mgr.Transition(context.Background(), p.ID, models.PaymentCompleted, Change{TransactionID: "ch_1"}, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.PaymentCompleted, p.Status)
	assert.Equal(t, models.OrderPaymentPaid, f.orderPaymentStatus(t, p.OrderID))

	assert.Equal(t, []string{events.PaymentStatusChanged, events.PaymentStatusChanged}, f.rec.Types(events.TopicPayments))
}

func TestTransition_DuplicateSuccessIsNoop(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, models.PaymentCompleted, false)

	_, applied, err := f.mgr.Transition(context.Background(), p.ID, models.PaymentCompleted, Change{}, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.OrderPaymentPaid, f.orderPaymentStatus(t, p.OrderID))
}

func TestTransition_RejectsSuccessAfterFailure(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, models.PaymentFailed, false)
	assert.Equal(t, models.OrderPaymentFailed, f.orderPaymentStatus(t, p.OrderID))

	_, applied, err := f.mgr.Transition(context.Background(), p.ID, models.PaymentCompleted, Change{}, SourceWebhook)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.False(t, applied)

	got, err := f.mgr.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, got.Status)
	assert.Equal(t, "card declined", got.FailureReason)
	assert.Equal(t, models.OrderPaymentFailed, f.orderPaymentStatus(t, p.OrderID))
}

func TestTransition_WithoutOrderSkipsProjection(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, models.PaymentProcessing, true)

	_, applied, err := f.mgr.Transition(context.Background(), p.ID, models.PaymentFailed, Change{FailureReason: "expired"}, SourcePoller)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.seed(t, models.PaymentProcessing, false)
	_, err := f.mgr.Refund(ctx, pending.ID, nil, "nope", SourceAdmin)
	require.ErrorIs(t, err, ErrIllegalTransition)

	p := f.seed(t, models.PaymentCompleted, false)
	tooMuch := decimal.RequireFromString("100")
	_, err = f.mgr.Refund(ctx, p.ID, &tooMuch, "nope", SourceAdmin)
	require.ErrorIs(t, err, ErrInvalidRefund)

	part := decimal.RequireFromString("10.50")
	p, err = f.mgr.Refund(ctx, p.ID, &part, "damaged", SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, p.Status)
	require.True(t, p.RefundAmount.Valid)
	assert.True(t, part.Equal(p.RefundAmount.Decimal))
	assert.Equal(t, "damaged", p.RefundReason)
	assert.Equal(t, models.OrderPaymentPending, f.orderPaymentStatus(t, p.OrderID))

	// a second refund does not reach the gateway again
	_, err = f.mgr.Refund(ctx, p.ID, nil, "again", SourceAdmin)
	require.NoError(t, err)
	assert.Len(t, f.gw.Refunds(), 1)

	_, _, err = f.mgr.Transition(ctx, p.ID, models.PaymentCompleted, Change{}, SourceWebhook)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRefund_GatewayFailureKeepsCompleted(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, models.PaymentCompleted, false)
	f.gw.RefundErr = &gateway.Error{Op: "refund", Kind: gateway.KindUnavailable, StatusCode: 503}

	_, err := f.mgr.Refund(context.Background(), p.ID, nil, "x", SourceAdmin)
	require.ErrorIs(t, err, ErrRefundFailed)

	got, err := f.mgr.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, got.Status)
}

func TestOrphanedPaymentIsRefundedOnLateSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, models.PaymentProcessing, true)

	require.NoError(t, f.mgr.MarkOrphaned(ctx, p.ID))

	p, applied, err := f.mgr.Transition(ctx, p.ID, models.PaymentCompleted, Change{}, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := f.mgr.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, got.Status)
	require.Len(t, f.gw.Refunds(), 1)
	assert.Equal(t, *p.PaymentIntentID, f.gw.Refunds()[0].IntentID)
}

func TestMarkOrphaned_RefundsCompletedPayment(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, models.PaymentCompleted, true)

	require.NoError(t, f.mgr.MarkOrphaned(context.Background(), p.ID))

	got, err := f.mgr.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, got.Status)
	assert.True(t, got.Orphaned)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.seed(t, models.PaymentProcessing, false)
	p, err := f.mgr.Cancel(ctx, p.ID, "buyer cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, p.Status)
	assert.True(t, p.Orphaned)
	assert.Equal(t, models.OrderPaymentFailed, f.orderPaymentStatus(t, p.OrderID))

	// the gateway settles anyway: state stays cancelled, money goes back once
	for i := 0; i < 2; i++ {
		_, _, err = f.mgr.Transition(ctx, p.ID, models.PaymentCompleted, Change{}, SourceWebhook)
		require.ErrorIs(t, err, ErrIllegalTransition)
	}
	assert.Len(t, f.gw.Refunds(), 1)

	done := f.seed(t, models.PaymentCompleted, false)
	done, err = f.mgr.Cancel(ctx, done.ID, "buyer cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, done.Status)
}

func TestReconcile_SettlesStuckPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settled := f.seed(t, models.PaymentProcessing, false)
	declined := f.seed(t, models.PaymentProcessing, false)
	waiting := f.seed(t, models.PaymentProcessing, false)

	f.gw.SetStatus(*settled.PaymentIntentID, gateway.StatusSucceeded)
	f.gw.SetStatus(*declined.PaymentIntentID, gateway.StatusFailed)
	f.gw.SetStatus(*waiting.PaymentIntentID, gateway.StatusProcessing)

	r := &Reconciler{Manager: f.mgr, Gateway: f.gw, After: time.Hour}
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh payments are left to the webhook")

	r.After = -time.Minute
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, models.OrderPaymentPaid, f.orderPaymentStatus(t, settled.OrderID))
	assert.Equal(t, models.OrderPaymentFailed, f.orderPaymentStatus(t, declined.OrderID))
	assert.Equal(t, models.OrderPaymentPending, f.orderPaymentStatus(t, waiting.OrderID))
}
