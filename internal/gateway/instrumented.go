package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

// Instrumented bounds every call with Timeout and records latency and a span.
// A call cut off by Timeout surfaces as KindTimeout.
type Instrumented struct {
	Next    Gateway
	Metrics *metrics.Metrics
	Timeout time.Duration

	tracer trace.Tracer
}

func Instrument(next Gateway, m *metrics.Metrics, timeout time.Duration) *Instrumented {
	return &Instrumented{Next: next, Metrics: m, Timeout: timeout, tracer: otel.Tracer("pharmacy/gateway")}
}

func (g *Instrumented) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) (Result, error)) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		if _, ok := err.(*Error); !ok {
			err = &Error{Op: op, Kind: KindTimeout, Err: err}
		}
	}

	outcome := string(res.Status)
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("gateway.outcome", outcome), attribute.String("gateway.intent_id", res.ID))
	g.Metrics.GatewayCall(op, outcome, time.Since(start))

	return res, err
}

func (g *Instrumented) CreateIntent(ctx context.Context, req IntentRequest) (Result, error) {
	attrs := []attribute.KeyValue{
		attribute.String("payment.reference", req.Reference),
		attribute.String("payment.method", string(req.Method)),
		attribute.String("payment.amount", req.Amount.StringFixed(2)),
	}
	return g.call(ctx, "create_intent", attrs, func(ctx context.Context) (Result, error) {
		return g.Next.CreateIntent(ctx, req)
	})
}

func (g *Instrumented) Confirm(ctx context.Context, intentID, methodID string) (Result, error) {
	return g.call(ctx, "confirm", []attribute.KeyValue{attribute.String("gateway.intent_id", intentID)}, func(ctx context.Context) (Result, error) {
		return g.Next.Confirm(ctx, intentID, methodID)
	})
}

func (g *Instrumented) QueryStatus(ctx context.Context, intentID string) (Result, error) {
	return g.call(ctx, "query_status", []attribute.KeyValue{attribute.String("gateway.intent_id", intentID)}, func(ctx context.Context) (Result, error) {
		return g.Next.QueryStatus(ctx, intentID)
	})
}

func (g *Instrumented) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal, reason string) (Result, error) {
	return g.call(ctx, "refund", []attribute.KeyValue{attribute.String("gateway.intent_id", paymentID)}, func(ctx context.Context) (Result, error) {
		return g.Next.Refund(ctx, paymentID, amount, reason)
	})
}
