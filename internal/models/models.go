package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// OrderPaymentStatus is the order-side projection of the payment state.
type OrderPaymentStatus string

const (
	OrderPaymentPending OrderPaymentStatus = "pending"
	OrderPaymentPaid    OrderPaymentStatus = "paid"
	OrderPaymentFailed  OrderPaymentStatus = "failed"
)

type PaymentMethod string

const (
	MethodCash           PaymentMethod = "cash"
	MethodCard           PaymentMethod = "card"
	MethodWalletTransfer PaymentMethod = "wallet-transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodWalletTransfer:
		return true
	}
	return false
}

type PaymentState string

const (
	PaymentPending    PaymentState = "pending"
	PaymentProcessing PaymentState = "processing"
	PaymentCompleted  PaymentState = "completed"
	PaymentFailed     PaymentState = "failed"
	PaymentCancelled  PaymentState = "cancelled"
	PaymentRefunded   PaymentState = "refunded"
)

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

type Category struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey"  json:"id"`
	Name string    `gorm:"not null"              json:"name"`
}

type Product struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"          json:"id"`
	Name       string          `gorm:"not null"                      json:"name"`
	Price      decimal.Decimal `gorm:"type:numeric(12,2);not null"   json:"price"`
	Stock      int64           `gorm:"not null;check:stock>=0"       json:"stock"`
	CategoryID uuid.UUID       `gorm:"type:uuid;index"               json:"category_id"`
}

type CartItem struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"                    json:"id"`
	UserID    uuid.UUID `gorm:"uniqueIndex:idx_user_product;not null"   json:"user_id"`
	ProductID uuid.UUID `gorm:"uniqueIndex:idx_user_product;not null"   json:"product_id"`
	Quantity  uint      `gorm:"default:1;check:quantity>0"              json:"quantity"`
}

func (c *CartItem) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (CartItem) TableName() string {
	return "cart_items"
}

type Discount struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"          json:"id"`
	Code           *string             `gorm:"uniqueIndex"                   json:"code,omitempty"`
	Kind           DiscountKind        `gorm:"not null"                      json:"kind"`
	Value          decimal.Decimal     `gorm:"type:numeric(12,2);not null"   json:"value"`
	MinOrderAmount decimal.NullDecimal `gorm:"type:numeric(12,2)"            json:"min_order_amount"`
	MaxDiscount    decimal.NullDecimal `gorm:"type:numeric(12,2)"            json:"max_discount"`
	StartDate      time.Time           `gorm:"not null"                      json:"start_date"`
	EndDate        time.Time           `gorm:"not null"                      json:"end_date"`
	IsActive       bool                `gorm:"not null;default:true;index"   json:"is_active"`
	Products       []DiscountProduct   `gorm:"foreignKey:DiscountID"         json:"products,omitempty"`
	Categories     []DiscountCategory  `gorm:"foreignKey:DiscountID"         json:"categories,omitempty"`
}

type DiscountProduct struct {
	DiscountID uuid.UUID `gorm:"type:uuid;primaryKey"  json:"discount_id"`
	ProductID  uuid.UUID `gorm:"type:uuid;primaryKey"  json:"product_id"`
}

type DiscountCategory struct {
	DiscountID uuid.UUID `gorm:"type:uuid;primaryKey"  json:"discount_id"`
	CategoryID uuid.UUID `gorm:"type:uuid;primaryKey"  json:"category_id"`
}

type Address struct {
	Street     string `gorm:"not null"  json:"street"`
	City       string `gorm:"not null"  json:"city"`
	PostalCode string `gorm:"not null"  json:"postal_code"`
}

type Order struct {
	ID              uuid.UUID          `gorm:"type:uuid;primaryKey"                    json:"id"`
	UserID          uuid.UUID          `gorm:"type:uuid;index;not null"                json:"user_id"`
	Items           []OrderItem        `gorm:"foreignKey:OrderID"                      json:"items"`
	TotalAmount     decimal.Decimal    `gorm:"type:numeric(12,2);not null"             json:"total_amount"`
	PaymentMethod   PaymentMethod      `gorm:"not null"                                json:"payment_method"`
	PaymentStatus   OrderPaymentStatus `gorm:"not null;index"                          json:"payment_status"`
	OrderStatus     OrderStatus        `gorm:"not null;index"                          json:"order_status"`
	ShippingAddress Address            `gorm:"embedded;embeddedPrefix:shipping_"       json:"shipping_address"`
	DiscountCode    *string            `                                               json:"discount_code,omitempty"`
	DiscountAmount  decimal.Decimal    `gorm:"type:numeric(12,2);not null;default:0"   json:"discount_amount"`
	CreatedAt       time.Time          `                                               json:"created_at"`
	UpdatedAt       time.Time          `                                               json:"updated_at"`
}

type OrderItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"          json:"id"`
	OrderID   uuid.UUID       `gorm:"type:uuid;index;not null"      json:"order_id"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null"            json:"product_id"`
	Quantity  int64           `gorm:"not null;check:quantity>0"     json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2);not null"   json:"unit_price"`
	CreatedAt time.Time       `                                     json:"created_at"`
}

func (i *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

type Payment struct {
	ID              uuid.UUID           `gorm:"type:uuid;primaryKey"          json:"id"`
	OrderID         uuid.UUID           `gorm:"type:uuid;index;not null"      json:"order_id"`
	UserID          uuid.UUID           `gorm:"type:uuid;index;not null"      json:"user_id"`
	Amount          decimal.Decimal     `gorm:"type:numeric(12,2);not null"   json:"amount"`
	Currency        string              `gorm:"size:8;not null"               json:"currency"`
	Status          PaymentState        `gorm:"not null;index"                json:"status"`
	PaymentMethod   PaymentMethod       `gorm:"not null"                      json:"payment_method"`
	PaymentIntentID *string             `gorm:"uniqueIndex"                   json:"payment_intent_id,omitempty"`
	TransactionID   *string             `                                     json:"transaction_id,omitempty"`
	GatewayResponse string              `gorm:"type:text"                     json:"gateway_response,omitempty"`
	FailureReason   string              `                                     json:"failure_reason,omitempty"`
	RefundAmount    decimal.NullDecimal `gorm:"type:numeric(12,2)"            json:"refund_amount"`
	RefundReason    string              `                                     json:"refund_reason,omitempty"`
	Orphaned        bool                `gorm:"not null;default:false"        json:"orphaned"`
	CreatedAt       time.Time           `                                     json:"created_at"`
	UpdatedAt       time.Time           `                                     json:"updated_at"`
}

// StockReservation journals one reserved order line so release stays idempotent.
type StockReservation struct {
	ID        string            `gorm:"primaryKey;size:80"        json:"id"`
	OrderID   uuid.UUID         `gorm:"type:uuid;index;not null"  json:"order_id"`
	ProductID uuid.UUID         `gorm:"type:uuid;not null"        json:"product_id"`
	Quantity  int64             `gorm:"not null"                  json:"quantity"`
	Status    ReservationStatus `gorm:"not null;index"            json:"status"`
	CreatedAt time.Time         `gorm:"index"                     json:"created_at"`
	UpdatedAt time.Time         `                                 json:"updated_at"`
}

type KVEntry struct {
	Key       string    `gorm:"column:kv_key;primaryKey;size:255"  json:"key"`
	Value     string    `                                          json:"value"`
	Counter   int64     `gorm:"not null;default:0"                 json:"counter"`
	ExpiresAt time.Time `gorm:"index;not null"                     json:"expires_at"`
}

func (KVEntry) TableName() string {
	return "kv_entries"
}

func All() []any {
	return []any{
		&Category{}, &Product{}, &CartItem{},
		&Discount{}, &DiscountProduct{}, &DiscountCategory{},
		&Order{}, &OrderItem{}, &Payment{},
		&StockReservation{}, &KVEntry{},
	}
}
