package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TopicOrders   = "order_events"
	TopicPayments = "payment_events"
)

const (
	OrderCreated         = "order_created"
	OrderCancelled       = "order_cancelled"
	OrderStatusChanged   = "order_status_changed"
	PaymentStatusChanged = "payment_status_changed"
	PaymentRefunded      = "payment_refunded"
)

type OrderEvent struct {
	Type          string          `json:"type"`
	OrderID       uuid.UUID       `json:"order_id"`
	UserID        uuid.UUID       `json:"user_id"`
	OrderStatus   string          `json:"order_status"`
	PaymentStatus string          `json:"payment_status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type PaymentEvent struct {
	Type       string          `json:"type"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	OrderID    uuid.UUID       `json:"order_id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Source     string          `json:"source"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher sends domain events after the state they describe is committed.
type Publisher interface {
	PublishEvent(ctx context.Context, topic, key string, event any) error
	Close() error
}

type Nop struct{}

func (Nop) PublishEvent(context.Context, string, string, any) error { return nil }
func (Nop) Close() error                                            { return nil }
