package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/online_pharmacy/internal/events"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
	"github.com/Skotchmaster/online_pharmacy/internal/kvstore"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

var (
	ErrNotFound         = errors.New("payment: not found")
	ErrInvalidRefund    = errors.New("payment: invalid refund amount")
	ErrRefundFailed     = errors.New("payment: gateway refund failed")
	ErrRefundInProgress = errors.New("payment: refund already in progress")
)

// Signal sources, recorded on metrics and events.
const (
	SourceCheckout = "checkout"
	SourceWebhook  = "webhook"
	SourcePoller   = "poller"
	SourceAdmin    = "admin"
	SourceCancel   = "cancel"
	SourceOrphan   = "orphan"
)

// Change carries the gateway facts recorded alongside a transition.
type Change struct {
	IntentID      string
	TransactionID string
	Raw           json.RawMessage
	FailureReason string
	RefundAmount  *decimal.Decimal
	RefundReason  string
}

// Manager is the single writer of payment state. Every accepted transition
// also rewrites the owning order's payment status in the same transaction.
type Manager struct {
	DB      *gorm.DB
	Gateway gateway.Gateway
	Events  events.Publisher
	Metrics *metrics.Metrics
	// Locks guards gateway refunds against concurrent duplicates. Optional.
	Locks kvstore.Store

	tracer trace.Tracer
}

func NewManager(db *gorm.DB, gw gateway.Gateway, pub events.Publisher, m *metrics.Metrics, locks kvstore.Store) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{DB: db, Gateway: gw, Events: pub, Metrics: m, Locks: locks, tracer: otel.Tracer("pharmacy/payment")}
}

func (m *Manager) tracerOrDefault() trace.Tracer {
	if m.tracer == nil {
		return otel.Tracer("pharmacy/payment")
	}
	return m.tracer
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (models.Payment, error) {
	var p models.Payment
	if err := m.DB.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return p, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return p, err
	}
	return p, nil
}

func (m *Manager) FindByIntent(ctx context.Context, intentID string) (models.Payment, error) {
	var p models.Payment
	if err := m.DB.WithContext(ctx).First(&p, "payment_intent_id = ?", intentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return p, fmt.Errorf("%w: intent %s", ErrNotFound, intentID)
		}
		return p, err
	}
	return p, nil
}

// Begin records a new payment in pending state.
func (m *Manager) Begin(ctx context.Context, p *models.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = models.PaymentPending
	return m.DB.WithContext(ctx).Create(p).Error
}

// Transition moves a payment to state to. It returns applied=false with a nil
// error when the payment is already in that state. Illegal edges are logged,
// counted and returned as ErrIllegalTransition; nothing is written for them.
func (m *Manager) Transition(ctx context.Context, id uuid.UUID, to models.PaymentState, ch Change, source string) (models.Payment, bool, error) {
	ctx, span := m.tracerOrDefault().Start(ctx, "payment.transition", trace.WithAttributes(
		attribute.String("payment.id", id.String()),
		attribute.String("payment.to", string(to)),
		attribute.String("payment.source", source),
	))
	defer span.End()

	l := logging.FromContext(ctx).With("component", "payment", "payment_id", id.String(), "source", source)

	var (
		p         models.Payment
		from      models.PaymentState
		noop      bool
		projected bool
	)
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		from = p.Status

		var err error
		noop, err = Check(from, to)
		if err != nil || noop {
			return err
		}

		updates := map[string]any{"status": to}
		if ch.IntentID != "" && p.PaymentIntentID == nil {
			updates["payment_intent_id"] = ch.IntentID
		}
		if ch.TransactionID != "" {
			updates["transaction_id"] = ch.TransactionID
		}
		if len(ch.Raw) > 0 {
			updates["gateway_response"] = string(ch.Raw)
		}
		if to == models.PaymentFailed {
			reason := ch.FailureReason
			if reason == "" {
				reason = "gateway reported failure"
			}
			updates["failure_reason"] = reason
		}
		if to == models.PaymentRefunded {
			amount := p.Amount
			if ch.RefundAmount != nil {
				amount = *ch.RefundAmount
			}
			updates["refund_amount"] = decimal.NewNullDecimal(amount)
			updates["refund_reason"] = ch.RefundReason
		}
		if err := tx.Model(&p).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return err
		}

		res := tx.Model(&models.Order{}).Where("id = ?", p.OrderID).Update("payment_status", OrderStatus(to))
		if res.Error != nil {
			return res.Error
		}
		projected = res.RowsAffected > 0
		return nil
	})

	if errors.Is(err, ErrIllegalTransition) {
		m.Metrics.PaymentTransition(string(from), string(to), source, "rejected")
		l.Warn("payment_transition_rejected", "from", from, "to", to, "error", err)
		span.SetStatus(codes.Error, "illegal transition")
		if to == models.PaymentCompleted && p.Orphaned {
			m.refundLate(context.WithoutCancel(ctx), p)
		}
		return p, false, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return p, false, err
	}
	if noop {
		m.Metrics.PaymentTransition(string(from), string(to), source, "noop")
		l.Debug("payment_transition_noop", "status", to)
		return p, false, nil
	}

	m.Metrics.PaymentTransition(string(from), string(to), source, "accepted")
	l.Info("payment_transition", "from", from, "to", to)
	if !projected {
		l.Info("order_projection_skipped", "order_id", p.OrderID.String(), "reason", "order not persisted")
	}
	m.publish(ctx, p, from, to, source)

	if to == models.PaymentCompleted && p.Orphaned {
		l.Warn("orphaned_payment_completed", "order_id", p.OrderID.String())
		if _, err := m.Refund(context.WithoutCancel(ctx), id, nil, "order was not placed", SourceOrphan); err != nil {
			l.Error("orphan_refund_error", "error", err)
		}
	}
	return p, true, nil
}

func (m *Manager) publish(ctx context.Context, p models.Payment, from, to models.PaymentState, source string) {
	typ := events.PaymentStatusChanged
	if to == models.PaymentRefunded {
		typ = events.PaymentRefunded
	}
	ev := events.PaymentEvent{
		Type:       typ,
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		From:       string(from),
		To:         string(to),
		Source:     source,
		Amount:     p.Amount,
		OccurredAt: time.Now().UTC(),
	}
	if err := m.Events.PublishEvent(ctx, events.TopicPayments, p.OrderID.String(), ev); err != nil {
		logging.FromContext(ctx).Warn("publish_event_error", "type", typ, "payment_id", p.ID.String(), "error", err)
	}
}

// TargetState maps a gateway status onto the payment state it implies.
func TargetState(s gateway.Status) models.PaymentState {
	switch s {
	case gateway.StatusSucceeded:
		return models.PaymentCompleted
	case gateway.StatusFailed:
		return models.PaymentFailed
	case gateway.StatusCanceled:
		return models.PaymentCancelled
	case gateway.StatusRefunded:
		return models.PaymentRefunded
	default:
		return models.PaymentProcessing
	}
}

// ApplyGatewayResult is the one entry point for gateway outcomes, whether they
// come from the checkout call, a webhook or the status poller.
func (m *Manager) ApplyGatewayResult(ctx context.Context, id uuid.UUID, res gateway.Result, source string) (models.Payment, bool, error) {
	return m.Transition(ctx, id, TargetState(res.Status), Change{
		IntentID:      res.ID,
		TransactionID: res.TransactionID,
		Raw:           res.Raw,
		FailureReason: res.FailureReason,
	}, source)
}

// Fail records a checkout-time gateway error on the payment.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, reason string, raw json.RawMessage, source string) (models.Payment, error) {
	p, _, err := m.Transition(ctx, id, models.PaymentFailed, Change{FailureReason: reason, Raw: raw}, source)
	return p, err
}

// MarkOrphaned flags a payment whose checkout was rolled back. If the payment
// already completed it is refunded now; otherwise a later completion will be.
func (m *Manager) MarkOrphaned(ctx context.Context, id uuid.UUID) error {
	var status models.PaymentState
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error; err != nil {
			return err
		}
		status = p.Status
		return tx.Model(&p).Update("orphaned", true).Error
	})
	if err != nil {
		return err
	}

	if status == models.PaymentCompleted {
		_, err = m.Refund(context.WithoutCancel(ctx), id, nil, "order was not placed", SourceOrphan)
	}
	return err
}

// Refund returns money for a completed payment. amount nil means in full.
// Refunding an already refunded payment is a no-op.
func (m *Manager) Refund(ctx context.Context, id uuid.UUID, amount *decimal.Decimal, reason, source string) (models.Payment, error) {
	l := logging.FromContext(ctx).With("component", "payment", "payment_id", id.String(), "source", source)

	p, err := m.Get(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status == models.PaymentRefunded {
		return p, nil
	}
	if _, err := Check(p.Status, models.PaymentRefunded); err != nil {
		m.Metrics.PaymentTransition(string(p.Status), string(models.PaymentRefunded), source, "rejected")
		return p, err
	}
	if amount != nil && (!amount.IsPositive() || amount.GreaterThan(p.Amount)) {
		return p, fmt.Errorf("%w: %s of %s", ErrInvalidRefund, amount.StringFixed(2), p.Amount.StringFixed(2))
	}

	if m.Locks != nil {
		key := "refund:" + id.String()
		ok, err := m.Locks.SetNX(ctx, key, source, time.Minute)
		if err != nil {
			return p, err
		}
		if !ok {
			return p, ErrRefundInProgress
		}
		defer func() { _ = m.Locks.Delete(context.WithoutCancel(ctx), key) }()
	}

	ch := Change{RefundAmount: amount, RefundReason: reason}
	if p.PaymentIntentID != nil && m.Gateway != nil {
		res, err := m.Gateway.Refund(ctx, *p.PaymentIntentID, amount, reason)
		if err != nil {
			l.Error("refund_error", "error", err, "gateway_raw", string(gateway.RawOf(err)))
			return p, fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}
		ch.Raw = res.Raw
	}

	p, _, err = m.Transition(ctx, id, models.PaymentRefunded, ch, source)
	return p, err
}

// refundLate returns money the gateway took for a payment we had already
// given up on. The payment keeps its state; only the gateway is told.
func (m *Manager) refundLate(ctx context.Context, p models.Payment) {
	l := logging.FromContext(ctx).With("component", "payment", "payment_id", p.ID.String())
	if p.PaymentIntentID == nil || m.Gateway == nil {
		l.Error("late_success_unrefundable", "status", p.Status)
		return
	}
	if m.Locks != nil {
		ok, err := m.Locks.SetNX(ctx, "late-refund:"+p.ID.String(), SourceOrphan, 7*24*time.Hour)
		if err != nil || !ok {
			return
		}
	}
	res, err := m.Gateway.Refund(ctx, *p.PaymentIntentID, nil, "order was not placed")
	if err != nil {
		l.Error("late_success_refund_error", "error", err, "gateway_raw", string(gateway.RawOf(err)))
		return
	}
	l.Warn("late_success_refunded", "status", p.Status, "gateway_raw", string(res.Raw))
}

// Cancel abandons a payment that has not completed. A completed payment is
// refunded instead. Payments already failed or cancelled are left as they are.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, reason string) (models.Payment, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return p, err
	}

	switch p.Status {
	case models.PaymentPending, models.PaymentProcessing:
		if p.PaymentIntentID != nil {
			// the gateway may still settle it; that late success gets refunded
			if err := m.MarkOrphaned(ctx, id); err != nil {
				return p, err
			}
		}
		p, _, err = m.Transition(ctx, id, models.PaymentCancelled, Change{FailureReason: reason}, SourceCancel)
		return p, err
	case models.PaymentCompleted:
		return m.Refund(ctx, id, nil, reason, SourceCancel)
	default:
		return p, nil
	}
}
