package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/braintree-go/braintree-go"
	"github.com/shopspring/decimal"
)

type BraintreeConfig struct {
	Environment string
	MerchantID  string
	PublicKey   string
	PrivateKey  string
}

// Braintree maps the intent flow onto Braintree transactions: the intent is
// an authorized sale, confirm submits it for settlement, refund voids or
// refunds depending on how far settlement got.
type Braintree struct {
	gateway *braintree.Braintree
}

func NewBraintree(cfg BraintreeConfig) *Braintree {
	env := braintree.Sandbox
	if cfg.Environment == "production" {
		env = braintree.Production
	}

	return &Braintree{
		gateway: braintree.New(env, cfg.MerchantID, cfg.PublicKey, cfg.PrivateKey),
	}
}

func toBraintreeAmount(d decimal.Decimal) *braintree.Decimal {
	// Braintree expects an unscaled integer plus scale: 12.34 -> (1234, 2)
	cents := d.Round(2).Mul(decimal.NewFromInt(100)).IntPart()
	return braintree.NewDecimal(cents, 2)
}

func (b *Braintree) CreateIntent(ctx context.Context, req IntentRequest) (Result, error) {
	tx, err := b.gateway.Transaction().Create(ctx, &braintree.TransactionRequest{
		Type:               "sale",
		Amount:             toBraintreeAmount(req.Amount),
		PaymentMethodNonce: req.MethodToken,
		OrderId:            req.Reference,
		Options: &braintree.TransactionOptions{
			SubmitForSettlement: false,
		},
	})
	if err != nil {
		return Result{}, braintreeError("create_intent", err)
	}
	return braintreeResult(tx), nil
}

func (b *Braintree) Confirm(ctx context.Context, intentID, _ string) (Result, error) {
	tx, err := b.gateway.Transaction().SubmitForSettlement(ctx, intentID)
	if err != nil {
		return Result{}, braintreeError("confirm", err)
	}
	return braintreeResult(tx), nil
}

func (b *Braintree) QueryStatus(ctx context.Context, intentID string) (Result, error) {
	tx, err := b.gateway.Transaction().Find(ctx, intentID)
	if err != nil {
		return Result{}, braintreeError("query_status", err)
	}
	return braintreeResult(tx), nil
}

func (b *Braintree) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal, _ string) (Result, error) {
	current, err := b.gateway.Transaction().Find(ctx, paymentID)
	if err != nil {
		return Result{}, braintreeError("refund", err)
	}

	var tx *braintree.Transaction
	switch current.Status {
	case braintree.TransactionStatusSettled, braintree.TransactionStatusSettling:
		if amount != nil {
			tx, err = b.gateway.Transaction().Refund(ctx, paymentID, toBraintreeAmount(*amount))
		} else {
			tx, err = b.gateway.Transaction().Refund(ctx, paymentID)
		}
	default:
		// not settled yet, so the whole authorization is voided
		tx, err = b.gateway.Transaction().Void(ctx, paymentID)
	}
	if err != nil {
		return Result{}, braintreeError("refund", err)
	}

	res := Result{ID: paymentID, TransactionID: tx.Id, Status: StatusRefunded, Raw: braintreeRaw(tx)}
	return res, nil
}

func braintreeRaw(tx *braintree.Transaction) json.RawMessage {
	snapshot := map[string]string{
		"id":                      tx.Id,
		"status":                  string(tx.Status),
		"processor_response_text": tx.ProcessorResponseText,
	}
	if tx.Amount != nil {
		snapshot["amount"] = tx.Amount.String()
	}
	raw, _ := json.Marshal(snapshot)
	return raw
}

func braintreeResult(tx *braintree.Transaction) Result {
	res := Result{ID: tx.Id, TransactionID: tx.Id, Raw: braintreeRaw(tx)}

	switch tx.Status {
	case braintree.TransactionStatusAuthorized:
		res.Status = StatusRequiresConfirmation
	case "authorizing", "settlement_pending":
		res.Status = StatusProcessing
	case braintree.TransactionStatusSubmittedForSettlement, braintree.TransactionStatusSettling, braintree.TransactionStatusSettled:
		res.Status = StatusSucceeded
	case braintree.TransactionStatusVoided:
		res.Status = StatusCanceled
	default:
		res.Status = StatusFailed
		res.FailureReason = tx.ProcessorResponseText
		if res.FailureReason == "" {
			res.FailureReason = string(tx.Status)
		}
	}
	return res
}

func braintreeError(op string, err error) error {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		kind := KindDeclined
		if coded.StatusCode() >= 500 || coded.StatusCode() == 429 {
			kind = KindUnavailable
		}
		return &Error{Op: op, Kind: kind, StatusCode: coded.StatusCode(), Message: err.Error(), Err: err}
	}
	if isTimeout(err) {
		return &Error{Op: op, Kind: KindTimeout, Err: err}
	}
	return &Error{Op: op, Kind: KindUnavailable, Err: fmt.Errorf("braintree: %w", err)}
}
