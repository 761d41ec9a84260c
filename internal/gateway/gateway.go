// Package gateway talks to the external payment processor. Every call can
// fail or hang; callers get a *Error that says whether a retry makes sense.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

type Status string

const (
	StatusRequiresConfirmation Status = "requires_confirmation"
	StatusProcessing           Status = "processing"
	StatusSucceeded            Status = "succeeded"
	StatusFailed               Status = "failed"
	StatusCanceled             Status = "canceled"
	StatusRefunded             Status = "refunded"
)

type IntentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Method      models.PaymentMethod
	MethodToken string
	// Reference is our payment id; gateways use it as an idempotency key.
	Reference string
}

type Result struct {
	ID            string
	TransactionID string
	Status        Status
	FailureReason string
	Raw           json.RawMessage
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Result, error)
	Confirm(ctx context.Context, intentID, methodID string) (Result, error)
	QueryStatus(ctx context.Context, intentID string) (Result, error)
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal, reason string) (Result, error)
}

type Kind string

const (
	KindDeclined    Kind = "declined"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
)

type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Message    string
	Raw        json.RawMessage
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s %s (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("gateway %s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable is false only for definitive declines. A timeout may hide a
// success, so the payment must be reconciled later rather than failed.
func (e *Error) Retryable() bool {
	return e.Kind != KindDeclined
}

// KindOf classifies any error returned from a gateway call.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindUnavailable
}

// Definitive reports whether err proves the processor did not take the money.
func Definitive(err error) bool {
	return KindOf(err) == KindDeclined
}

// RawOf returns the processor payload attached to err, if any.
func RawOf(err error) json.RawMessage {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Raw
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func transportError(op string, err error) *Error {
	kind := KindUnavailable
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
