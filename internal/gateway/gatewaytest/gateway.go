// Package gatewaytest provides a scriptable in-memory payment gateway.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
)

type Intent struct {
	ID        string
	Reference string
	Amount    decimal.Decimal
	Status    gateway.Status
}

type Refund struct {
	IntentID string
	Amount   *decimal.Decimal
	Reason   string
}

// Gateway succeeds by default. Set the *Err fields to script failures, and
// ConfirmDelay to make Confirm hang until the caller's deadline. With
// SettleLate the intent still succeeds on the gateway side after such a
// timeout, which is what a delayed webhook later reports.
type Gateway struct {
	mu sync.Mutex

	CreateErr  error
	ConfirmErr error
	QueryErr   error
	RefundErr  error

	ConfirmStatus gateway.Status
	ConfirmReason string
	ConfirmDelay  time.Duration
	SettleLate    bool

	seq     int
	intents map[string]*Intent
	refunds []Refund
	calls   []string
}

func New() *Gateway {
	return &Gateway{intents: map[string]*Intent{}}
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (g *Gateway) record(op string) {
	g.calls = append(g.calls, op)
}

func (g *Gateway) CreateIntent(_ context.Context, req gateway.IntentRequest) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_intent")

	if g.CreateErr != nil {
		return gateway.Result{}, g.CreateErr
	}

	g.seq++
	in := &Intent{
		ID:        fmt.Sprintf("pi_%d", g.seq),
		Reference: req.Reference,
		Amount:    req.Amount,
		Status:    gateway.StatusRequiresConfirmation,
	}
	if g.intents == nil {
		g.intents = map[string]*Intent{}
	}
	g.intents[in.ID] = in
	return g.result(in), nil
}

func (g *Gateway) Confirm(ctx context.Context, intentID, _ string) (gateway.Result, error) {
	g.mu.Lock()
	g.record("confirm")
	delay, settleLate := g.ConfirmDelay, g.SettleLate
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if settleLate {
				g.SetStatus(intentID, gateway.StatusSucceeded)
			}
			return gateway.Result{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ConfirmErr != nil {
		return gateway.Result{}, g.ConfirmErr
	}
	in, ok := g.intents[intentID]
	if !ok {
		return gateway.Result{}, &gateway.Error{Op: "confirm", Kind: gateway.KindDeclined, StatusCode: 404, Message: "no such intent"}
	}

	in.Status = gateway.StatusSucceeded
	if g.ConfirmStatus != "" {
		in.Status = g.ConfirmStatus
	}
	res := g.result(in)
	if in.Status == gateway.StatusFailed {
		res.FailureReason = g.ConfirmReason
	}
	return res, nil
}

func (g *Gateway) QueryStatus(_ context.Context, intentID string) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("query_status")

	if g.QueryErr != nil {
		return gateway.Result{}, g.QueryErr
	}
	in, ok := g.intents[intentID]
	if !ok {
		return gateway.Result{}, &gateway.Error{Op: "query_status", Kind: gateway.KindDeclined, StatusCode: 404, Message: "no such intent"}
	}
	return g.result(in), nil
}

func (g *Gateway) Refund(_ context.Context, paymentID string, amount *decimal.Decimal, reason string) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("refund")

	if g.RefundErr != nil {
		return gateway.Result{}, g.RefundErr
	}
	g.refunds = append(g.refunds, Refund{IntentID: paymentID, Amount: amount, Reason: reason})
	if in, ok := g.intents[paymentID]; ok {
		in.Status = gateway.StatusRefunded
	}
	return gateway.Result{ID: paymentID, Status: gateway.StatusRefunded, Raw: raw(map[string]string{"id": paymentID, "status": "refunded"})}, nil
}

func (g *Gateway) result(in *Intent) gateway.Result {
	return gateway.Result{
		ID:            in.ID,
		TransactionID: "ch_" + in.ID,
		Status:        in.Status,
		Raw:           raw(map[string]string{"id": in.ID, "status": string(in.Status), "amount": in.Amount.StringFixed(2)}),
	}
}

// SetStatus changes an intent on the gateway side, as if the processor moved it.
func (g *Gateway) SetStatus(intentID string, s gateway.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[intentID]; ok {
		in.Status = s
	}
}

func (g *Gateway) Intents() []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Intent, 0, len(g.intents))
	for _, in := range g.intents {
		out = append(out, *in)
	}
	return out
}

func (g *Gateway) Refunds() []Refund {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Refund(nil), g.refunds...)
}

func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}
