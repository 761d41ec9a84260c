package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/Skotchmaster/online_pharmacy/internal/events"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
	"github.com/Skotchmaster/online_pharmacy/internal/inventory"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/internal/payment"
	"github.com/Skotchmaster/online_pharmacy/internal/pricing"
	"github.com/Skotchmaster/online_pharmacy/internal/repo"
	"github.com/Skotchmaster/online_pharmacy/internal/transport"
	"github.com/Skotchmaster/online_pharmacy/internal/util"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

var (
	ErrValidation      = errors.New("validation")         // 400
	ErrInvalidAddress  = errors.New("invalid address")    // 400
	ErrEmptyCart       = errors.New("empty cart")         // 400
	ErrProductNotFound = errors.New("product not found")  // 404
	ErrPaymentFailed   = errors.New("payment failed")     // 402
	ErrNotFound        = errors.New("not found")          // 404
	ErrConflict        = errors.New("conflict")           // 409
)

const (
	KindValidation        = "validation"
	KindInvalidAddress    = "invalid-address"
	KindEmptyCart         = "empty-cart"
	KindProductNotFound   = "product-not-found"
	KindInsufficientStock = "insufficient-stock"
	KindPaymentFailed     = "payment-failed"
	KindNotFound          = "not-found"
	KindConflict          = "conflict"
	KindInternal          = "internal"
)

// Kind names the class of an order error as reported to clients.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAddress):
		return KindInvalidAddress
	case errors.Is(err, ErrEmptyCart):
		return KindEmptyCart
	case errors.Is(err, ErrValidation), errors.Is(err, inventory.ErrInvalidQuantity):
		return KindValidation
	case errors.Is(err, ErrProductNotFound), errors.Is(err, inventory.ErrProductNotFound):
		return KindProductNotFound
	case errors.Is(err, inventory.ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrPaymentFailed):
		return KindPaymentFailed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// Actor is whoever an order operation runs on behalf of. Staff may see and
// act on every order; everyone else only on their own.
type Actor struct {
	UserID uuid.UUID
	Staff  bool
}

type OrderService struct {
	Repo     *repo.GormRepo
	Ledger   *inventory.Ledger
	Payments *payment.Manager
	Gateway  gateway.Gateway
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Currency string

	now    func() time.Time
	tracer trace.Tracer
}

func NewOrderService(r *repo.GormRepo, ledger *inventory.Ledger, payments *payment.Manager, pub events.Publisher, m *metrics.Metrics, currency string) *OrderService {
	if pub == nil {
		pub = events.Nop{}
	}
	return &OrderService{
		Repo:     r,
		Ledger:   ledger,
		Payments: payments,
		Gateway:  payments.Gateway,
		Events:   pub,
		Metrics:  m,
		Currency: currency,
		now:      time.Now,
		tracer:   otel.Tracer("pharmacy/order"),
	}
}

// quote is the server-side pricing of one checkout.
type quote struct {
	lines    []pricing.Line
	subtotal decimal.Decimal
	discount decimal.Decimal
	total    decimal.Decimal
	code     *string
}

// PlaceOrder turns the request into a persisted order or leaves nothing
// behind: stock taken for an order that fails is released, money taken is
// refunded. It runs to the end even if the caller's context is cancelled.
func (svc *OrderService) PlaceOrder(ctx context.Context, req transport.PlaceOrderRequest, buyerID uuid.UUID) (*models.Order, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := svc.tracer.Start(ctx, "order.place", trace.WithAttributes(
		attribute.String("buyer.id", buyerID.String()),
		attribute.String("payment.method", string(req.PaymentMethod)),
	))
	defer span.End()

	order, err := svc.placeOrder(ctx, req, buyerID)
	if err != nil {
		kind := Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		svc.Metrics.Order(kind)
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID.String()))
	svc.Metrics.Order("placed")
	return order, nil
}

func (svc *OrderService) placeOrder(ctx context.Context, req transport.PlaceOrderRequest, buyerID uuid.UUID) (*models.Order, error) {
	l := logging.FromContext(ctx).With("component", "order", "buyer_id", buyerID.String())

	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, req.PaymentMethod)
	}

	items, fromCart, err := svc.resolveItems(ctx, req, buyerID)
	if err != nil {
		return nil, err
	}

	addr, err := validateAddress(req.ShippingAddress)
	if err != nil {
		return nil, err
	}

	q, err := svc.price(ctx, items, strings.TrimSpace(req.DiscountCode), svc.now().UTC())
	if err != nil {
		return nil, err
	}
	if req.Total != nil && !fromCart && !pricing.Round(*req.Total).Equal(q.total) {
		return nil, fmt.Errorf("%w: total %s does not match %s", ErrValidation, req.Total.StringFixed(2), q.total.StringFixed(2))
	}

	orderID := uuid.New()
	l = l.With("order_id", orderID.String())

	if err := svc.reserve(ctx, orderID, items); err != nil {
		var ise *inventory.InsufficientStockError
		if errors.As(err, &ise) {
			l.Info("place_order_contention", "product", ise.ProductName, "available", ise.Available)
		}
		return nil, err
	}

	p := models.Payment{
		OrderID:       orderID,
		UserID:        buyerID,
		Amount:        q.total,
		Currency:      svc.Currency,
		PaymentMethod: req.PaymentMethod,
	}
	if err := svc.Payments.Begin(ctx, &p); err != nil {
		svc.compensate(ctx, l, orderID)
		return nil, fmt.Errorf("begin payment: %w", err)
	}

	if req.PaymentMethod != models.MethodCash {
		if err := svc.charge(ctx, l, &p, req.PaymentToken); err != nil {
			svc.compensate(ctx, l, orderID)
			return nil, err
		}
	}

	order := &models.Order{
		ID:              orderID,
		UserID:          buyerID,
		TotalAmount:     q.total,
		PaymentMethod:   req.PaymentMethod,
		OrderStatus:     models.OrderProcessing,
		ShippingAddress: addr,
		DiscountCode:    q.code,
		DiscountAmount:  q.discount,
	}
	for _, line := range q.lines {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: line.Product.ID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	if err := svc.persist(ctx, order, p.ID, len(items)); err != nil {
		l.Error("persist_order_error", "error", err)
		svc.compensate(ctx, l, orderID)
		svc.abandonPayment(ctx, l, p)
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if fromCart {
		if err := svc.Repo.ClearCart(ctx, buyerID); err != nil {
			l.Warn("clear_cart_error", "error", err)
		}
	}

	svc.publish(ctx, events.OrderCreated, order)
	l.Info("order_placed", "total", order.TotalAmount.StringFixed(2), "payment_status", order.PaymentStatus)
	return order, nil
}

func (svc *OrderService) resolveItems(ctx context.Context, req transport.PlaceOrderRequest, buyerID uuid.UUID) ([]inventory.Item, bool, error) {
	if len(req.Items) > 0 {
		items := make([]inventory.Item, 0, len(req.Items))
		for _, it := range req.Items {
			if it.ProductID == uuid.Nil {
				return nil, false, fmt.Errorf("%w: product_id required", ErrValidation)
			}
			if it.Quantity <= 0 {
				return nil, false, fmt.Errorf("%w: quantity must be > 0", ErrValidation)
			}
			items = append(items, inventory.Item{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		return items, false, nil
	}

	cart, err := svc.Repo.GetCart(ctx, buyerID)
	if err != nil {
		return nil, true, fmt.Errorf("load cart: %w", err)
	}
	if len(cart) == 0 {
		return nil, true, ErrEmptyCart
	}

	items := make([]inventory.Item, 0, len(cart))
	for _, c := range cart {
		items = append(items, inventory.Item{ProductID: c.ProductID, Quantity: int64(c.Quantity)})
	}
	return items, true, nil
}

func validateAddress(a transport.Address) (models.Address, error) {
	addr := models.Address{
		Street:     strings.TrimSpace(a.Street),
		City:       strings.TrimSpace(a.City),
		PostalCode: strings.TrimSpace(a.PostalCode),
	}

	var missing []string
	if addr.Street == "" {
		missing = append(missing, "street")
	}
	if addr.City == "" {
		missing = append(missing, "city")
	}
	if addr.PostalCode == "" {
		missing = append(missing, "postal_code")
	}
	if len(missing) > 0 {
		return addr, fmt.Errorf("%w: %s required", ErrInvalidAddress, strings.Join(missing, ", "))
	}
	return addr, nil
}

// price quotes every line against one discount snapshot taken at at.
func (svc *OrderService) price(ctx context.Context, items []inventory.Item, code string, at time.Time) (quote, error) {
	_, span := svc.tracer.Start(ctx, "order.price")
	defer span.End()

	discounts, err := svc.Repo.ActiveDiscounts(ctx, at)
	if err != nil {
		return quote{}, fmt.Errorf("load discounts: %w", err)
	}
	resolver := pricing.NewResolver(discounts, at)

	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := svc.Repo.GetProducts(ctx, ids)
	if err != nil {
		return quote{}, fmt.Errorf("load products: %w", err)
	}

	var q quote
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			return quote{}, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}
		pp := pricing.Product{ID: p.ID, CategoryID: p.CategoryID, Price: p.Price}
		q.lines = append(q.lines, pricing.Line{
			Product:   pp,
			Quantity:  it.Quantity,
			UnitPrice: resolver.Quote(pp).UnitPrice(),
		})
	}
	q.subtotal = pricing.Subtotal(q.lines)

	if code != "" {
		d, err := resolver.Code(code)
		if err != nil {
			return quote{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		amount, err := pricing.CodeAmount(d, q.lines, resolver)
		if err != nil {
			return quote{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		q.discount = amount
		q.code = &code
	}
	q.total = pricing.Total(q.subtotal, q.discount)
	return q, nil
}

func (svc *OrderService) reserve(ctx context.Context, orderID uuid.UUID, items []inventory.Item) error {
	ctx, span := svc.tracer.Start(ctx, "order.reserve", trace.WithAttributes(attribute.Int("order.lines", len(items))))
	defer span.End()

	if _, err := svc.Ledger.ReserveAll(ctx, orderID, items); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return err
	}
	return nil
}

// charge drives a non-cash payment to completion. Anything short of a
// completed payment is a payment failure for this checkout. Failures the
// gateway has not made definitive leave the payment orphaned, so a success
// reported later is refunded instead of lost.
func (svc *OrderService) charge(ctx context.Context, l *slog.Logger, p *models.Payment, token string) error {
	ctx, span := svc.tracer.Start(ctx, "order.charge", trace.WithAttributes(attribute.String("payment.id", p.ID.String())))
	defer span.End()

	if !p.Amount.IsPositive() {
		return svc.settleFree(ctx, p)
	}

	intent, err := svc.Gateway.CreateIntent(ctx, gateway.IntentRequest{
		Amount:      p.Amount,
		Currency:    p.Currency,
		Method:      p.PaymentMethod,
		MethodToken: token,
		Reference:   p.ID.String(),
	})
	if err != nil {
		// nothing can be captured without a confirm
		return svc.gatewayFailed(ctx, l, p.ID, "create_intent", err, true)
	}

	if _, _, err := svc.Payments.Transition(ctx, p.ID, models.PaymentProcessing, payment.Change{IntentID: intent.ID, Raw: intent.Raw}, payment.SourceCheckout); err != nil {
		return fmt.Errorf("record intent: %w", err)
	}

	res := intent
	if intent.Status == gateway.StatusRequiresConfirmation {
		res, err = svc.Gateway.Confirm(ctx, intent.ID, token)
		if err != nil {
			return svc.gatewayFailed(ctx, l, p.ID, "confirm", err, gateway.Definitive(err))
		}
	}

	updated, _, err := svc.Payments.ApplyGatewayResult(ctx, p.ID, res, payment.SourceCheckout)
	if err != nil && !errors.Is(err, payment.ErrIllegalTransition) {
		svc.orphan(ctx, l, p.ID)
		return fmt.Errorf("apply gateway result: %w", err)
	}
	if err != nil {
		// a webhook got there first; go by what it left
		if updated, err = svc.Payments.Get(ctx, p.ID); err != nil {
			svc.orphan(ctx, l, p.ID)
			return fmt.Errorf("reload payment: %w", err)
		}
	}
	*p = updated

	switch updated.Status {
	case models.PaymentCompleted:
		return nil
	case models.PaymentFailed, models.PaymentCancelled:
		l.Warn("payment_declined", "payment_id", p.ID.String(), "reason", updated.FailureReason, "gateway_raw", string(res.Raw))
		return fmt.Errorf("%w: %s", ErrPaymentFailed, updated.FailureReason)
	default:
		l.Warn("payment_unsettled", "payment_id", p.ID.String(), "status", updated.Status, "gateway_raw", string(res.Raw))
		svc.orphan(ctx, l, p.ID)
		return fmt.Errorf("%w: payment not settled (%s)", ErrPaymentFailed, updated.Status)
	}
}

// settleFree completes a payment with nothing to collect without a gateway round trip.
func (svc *OrderService) settleFree(ctx context.Context, p *models.Payment) error {
	if _, _, err := svc.Payments.Transition(ctx, p.ID, models.PaymentProcessing, payment.Change{}, payment.SourceCheckout); err != nil {
		return err
	}
	updated, _, err := svc.Payments.Transition(ctx, p.ID, models.PaymentCompleted, payment.Change{}, payment.SourceCheckout)
	if err != nil {
		return err
	}
	*p = updated
	return nil
}

func (svc *OrderService) gatewayFailed(ctx context.Context, l *slog.Logger, paymentID uuid.UUID, op string, cause error, definitive bool) error {
	raw := gateway.RawOf(cause)
	l.Warn("payment_gateway_error",
		"op", op,
		"payment_id", paymentID.String(),
		"kind", gateway.KindOf(cause),
		"definitive", definitive,
		"error", cause,
		"gateway_raw", string(raw),
	)

	if definitive {
		if _, err := svc.Payments.Fail(ctx, paymentID, cause.Error(), raw, payment.SourceCheckout); err != nil {
			l.Error("payment_fail_record_error", "payment_id", paymentID.String(), "error", err)
		}
	} else {
		svc.orphan(ctx, l, paymentID)
	}
	return fmt.Errorf("%w: %v", ErrPaymentFailed, cause)
}

func (svc *OrderService) orphan(ctx context.Context, l *slog.Logger, paymentID uuid.UUID) {
	if err := svc.Payments.MarkOrphaned(ctx, paymentID); err != nil {
		l.Error("mark_orphaned_error", "payment_id", paymentID.String(), "error", err)
	}
}

// persist writes the order and commits its reservations in one transaction.
// The payment row is locked so a concurrent webhook either lands before the
// order exists, and is read here, or after, and projects onto it.
func (svc *OrderService) persist(ctx context.Context, order *models.Order, paymentID uuid.UUID, reservations int) error {
	ctx, span := svc.tracer.Start(ctx, "order.persist")
	defer span.End()

	return svc.Repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := repo.LockPayment(tx, paymentID)
		if err != nil {
			return err
		}
		order.PaymentStatus = payment.OrderStatus(p.Status)

		if err := repo.CreateOrder(tx, order); err != nil {
			return err
		}
		return inventory.CommitTx(tx, order.ID, reservations)
	})
}

func (svc *OrderService) compensate(ctx context.Context, l *slog.Logger, orderID uuid.UUID) {
	if err := svc.Ledger.ReleaseOrder(ctx, orderID); err != nil {
		// the sweeper retries whatever is still reserved
		l.Error("compensation_error", "error", err)
		return
	}
	l.Info("order_compensated")
}

// abandonPayment undoes the payment of an order that could not be persisted.
func (svc *OrderService) abandonPayment(ctx context.Context, l *slog.Logger, p models.Payment) {
	var err error
	if p.Status == models.PaymentCompleted {
		err = svc.Payments.MarkOrphaned(ctx, p.ID)
	} else {
		_, err = svc.Payments.Cancel(ctx, p.ID, "order was not placed")
	}
	if err != nil {
		l.Error("abandon_payment_error", "payment_id", p.ID.String(), "error", err)
	}
}

func (svc *OrderService) publish(ctx context.Context, typ string, o *models.Order) {
	ev := events.OrderEvent{
		Type:          typ,
		OrderID:       o.ID,
		UserID:        o.UserID,
		OrderStatus:   string(o.OrderStatus),
		PaymentStatus: string(o.PaymentStatus),
		TotalAmount:   o.TotalAmount,
		OccurredAt:    svc.now().UTC(),
	}
	if err := svc.Events.PublishEvent(ctx, events.TopicOrders, o.ID.String(), ev); err != nil {
		logging.FromContext(ctx).Warn("publish_event_error", "type", typ, "order_id", o.ID.String(), "error", err)
	}
}

func (svc *OrderService) GetOrder(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	order, err := svc.Repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		return nil, err
	}
	if !actor.Staff && order.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return order, nil
}

// ListOrders pages through the actor's orders, or all orders for staff.
func (svc *OrderService) ListOrders(ctx context.Context, actor Actor, page, size int) (int64, []models.Order, error) {
	offset, limit := util.Calculate(page, size)

	var owner *uuid.UUID
	if !actor.Staff {
		owner = &actor.UserID
	}
	return svc.Repo.ListOrders(ctx, owner, limit, offset)
}

// CancelOrder cancels an order still being processed, gives its stock back
// and cancels or refunds its payment.
func (svc *OrderService) CancelOrder(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	ctx = context.WithoutCancel(ctx)
	l := logging.FromContext(ctx).With("component", "order", "order_id", id.String())

	err := svc.Repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := repo.LockOrder(tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: order %s", ErrNotFound, id)
			}
			return err
		}
		if !actor.Staff && order.UserID != actor.UserID {
			return fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		if order.OrderStatus != models.OrderProcessing {
			return fmt.Errorf("%w: order is %s", ErrConflict, order.OrderStatus)
		}

		ok, err := repo.SetOrderStatus(tx, id, models.OrderProcessing, models.OrderCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order changed concurrently", ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := svc.Ledger.ReleaseOrder(ctx, id); err != nil {
		l.Error("cancel_release_error", "error", err)
	}

	if p, err := svc.Repo.PaymentForOrder(ctx, id); err == nil {
		if _, err := svc.Payments.Cancel(ctx, p.ID, "order cancelled"); err != nil {
			l.Error("cancel_payment_error", "payment_id", p.ID.String(), "error", err)
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		l.Error("cancel_payment_lookup_error", "error", err)
	}

	order, err := svc.Repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.publish(ctx, events.OrderCancelled, order)
	l.Info("order_cancelled", "by_staff", actor.Staff)
	return order, nil
}

var nextOrderStatus = map[models.OrderStatus]models.OrderStatus{
	models.OrderProcessing: models.OrderShipped,
	models.OrderShipped:    models.OrderDelivered,
}

// UpdateOrderStatus moves an order forward along processing, shipped,
// delivered. Setting the current status again changes nothing.
func (svc *OrderService) UpdateOrderStatus(ctx context.Context, id uuid.UUID, to models.OrderStatus) (*models.Order, error) {
	if to == models.OrderCancelled {
		return nil, fmt.Errorf("%w: use cancel to cancel an order", ErrValidation)
	}
	if to != models.OrderShipped && to != models.OrderDelivered && to != models.OrderProcessing {
		return nil, fmt.Errorf("%w: unknown order status %q", ErrValidation, to)
	}

	changed := false
	err := svc.Repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := repo.LockOrder(tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: order %s", ErrNotFound, id)
			}
			return err
		}
		if order.OrderStatus == to {
			return nil
		}
		if nextOrderStatus[order.OrderStatus] != to {
			return fmt.Errorf("%w: order cannot go from %s to %s", ErrConflict, order.OrderStatus, to)
		}
		if to == models.OrderShipped && order.PaymentMethod != models.MethodCash && order.PaymentStatus != models.OrderPaymentPaid {
			return fmt.Errorf("%w: order is not paid", ErrConflict)
		}

		ok, err := repo.SetOrderStatus(tx, id, order.OrderStatus, to)
		if err != nil {
			return err
		}
		changed = ok
		return nil
	})
	if err != nil {
		return nil, err
	}

	order, err := svc.Repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		svc.publish(ctx, events.OrderStatusChanged, order)
		logging.FromContext(ctx).Info("order_status_changed", "order_id", id.String(), "status", to)
	}
	return order, nil
}
