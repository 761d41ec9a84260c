package payment

import (
	"errors"
	"fmt"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

var ErrIllegalTransition = errors.New("payment: illegal transition")

var edges = map[models.PaymentState][]models.PaymentState{
	models.PaymentPending:    {models.PaymentProcessing, models.PaymentFailed, models.PaymentCancelled},
	models.PaymentProcessing: {models.PaymentCompleted, models.PaymentFailed, models.PaymentCancelled},
	models.PaymentCompleted:  {models.PaymentRefunded},
}

// Check decides whether from -> to may be applied. A repeated signal for the
// state the payment is already in is a no-op, not an error.
func Check(from, to models.PaymentState) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	for _, next := range edges[from] {
		if next == to {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Terminal states accept no further transitions except refund from completed.
func Terminal(s models.PaymentState) bool {
	return len(edges[s]) == 0
}

// OrderStatus is the order-side projection of a payment state.
func OrderStatus(s models.PaymentState) models.OrderPaymentStatus {
	switch s {
	case models.PaymentCompleted:
		return models.OrderPaymentPaid
	case models.PaymentFailed, models.PaymentCancelled:
		return models.OrderPaymentFailed
	default:
		return models.OrderPaymentPending
	}
}
