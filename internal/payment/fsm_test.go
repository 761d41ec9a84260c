package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

func TestCheck(t *testing.T) {
	all := []models.PaymentState{
		models.PaymentPending, models.PaymentProcessing, models.PaymentCompleted,
		models.PaymentFailed, models.PaymentCancelled, models.PaymentRefunded,
	}
	allowed := map[[2]models.PaymentState]bool{
		{models.PaymentPending, models.PaymentProcessing}:    true,
		{models.PaymentPending, models.PaymentFailed}:        true,
		{models.PaymentPending, models.PaymentCancelled}:     true,
		{models.PaymentProcessing, models.PaymentCompleted}:  true,
		{models.PaymentProcessing, models.PaymentFailed}:     true,
		{models.PaymentProcessing, models.PaymentCancelled}:  true,
		{models.PaymentCompleted, models.PaymentRefunded}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			noop, err := Check(from, to)
			switch {
			case from == to:
				assert.True(t, noop, "%s -> %s", from, to)
				assert.NoError(t, err)
			case allowed[[2]models.PaymentState{from, to}]:
				assert.False(t, noop)
				assert.NoError(t, err, "%s -> %s", from, to)
			default:
				assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestCheck_Monotonicity(t *testing.T) {
	noop, err := Check(models.PaymentCompleted, models.PaymentCompleted)
	assert.True(t, noop)
	assert.NoError(t, err)

	_, err = Check(models.PaymentFailed, models.PaymentCompleted)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	for _, from := range []models.PaymentState{models.PaymentPending, models.PaymentProcessing, models.PaymentFailed, models.PaymentCancelled} {
		_, err = Check(from, models.PaymentRefunded)
		assert.ErrorIs(t, err, ErrIllegalTransition, "refund from %s", from)
	}

	assert.True(t, Terminal(models.PaymentRefunded))
	assert.False(t, Terminal(models.PaymentCompleted))
}

func TestOrderStatus(t *testing.T) {
	assert.Equal(t, models.OrderPaymentPaid, OrderStatus(models.PaymentCompleted))
	assert.Equal(t, models.OrderPaymentFailed, OrderStatus(models.PaymentFailed))
	assert.Equal(t, models.OrderPaymentFailed, OrderStatus(models.PaymentCancelled))
	assert.Equal(t, models.OrderPaymentPending, OrderStatus(models.PaymentPending))
	assert.Equal(t, models.OrderPaymentPending, OrderStatus(models.PaymentProcessing))
	assert.Equal(t, models.OrderPaymentPending, OrderStatus(models.PaymentRefunded))
}
