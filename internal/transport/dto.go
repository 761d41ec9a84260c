package transport

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
}

type OrderItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int64     `json:"quantity"`
}

// PlaceOrderRequest places an order from the buyer's cart, or from Items when
// given. Total, if sent, must match the server-side total to the cent.
type PlaceOrderRequest struct {
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	PaymentToken    string               `json:"payment_token,omitempty"`
	ShippingAddress Address              `json:"shipping_address"`
	Items           []OrderItem          `json:"items,omitempty"`
	Total           *decimal.Decimal     `json:"total,omitempty"`
	DiscountCode    string               `json:"discount_code,omitempty"`
}

type UpdateOrderStatusRequest struct {
	Status models.OrderStatus `json:"status"`
}

type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason"`
}

type OrderList struct {
	Items []models.Order `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Product   string `json:"product,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

type WebhookAck struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}
