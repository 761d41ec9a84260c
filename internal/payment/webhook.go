package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Skotchmaster/online_pharmacy/internal/kvstore"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	EventSucceeded = "payment.succeeded"
	EventFailed    = "payment.failed"
	EventRefunded  = "payment.refunded"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrBadSignature     = errors.New("webhook: signature mismatch")
	ErrStaleTimestamp   = errors.New("webhook: timestamp outside tolerance")
	ErrNoSecret         = errors.New("webhook: no secret configured")
)

// Verifier checks X-Webhook-Signature: sha256=hex(HMAC-SHA256(secret, ts + "." + body)).
type Verifier struct {
	Secret    []byte
	Tolerance time.Duration

	now func() time.Time
}

func NewVerifier(secret []byte, tolerance time.Duration) *Verifier {
	return &Verifier{Secret: secret, Tolerance: tolerance, now: time.Now}
}

// Sign produces the signature header value for body sent at ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) Verify(ts, signature string, body []byte) error {
	if len(v.Secret) == 0 {
		return ErrNoSecret
	}
	if ts == "" || signature == "" {
		return ErrMissingSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	if v.Tolerance > 0 {
		skew := v.now().Sub(time.Unix(sec, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return ErrStaleTimestamp
		}
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(Sign(v.Secret, ts, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		IntentID      string `json:"intent_id"`
		TransactionID string `json:"transaction_id"`
		FailureReason string `json:"failure_reason"`
		RefundAmount  string `json:"refund_amount"`
		RefundReason  string `json:"refund_reason"`
	} `json:"data"`
}

// Webhook outcomes, reported for logging and metrics. None of them is an
// error towards the sender once the signature checked out.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultNoop      = "noop"
	ResultRejected  = "rejected"
	ResultIgnored   = "ignored"
	ResultUnknown   = "unknown_payment"
	ResultMalformed = "malformed"
	ResultError     = "error"
)

// WebhookProcessor turns authenticated gateway events into payment transitions.
// Deliveries are deduplicated by envelope id, or by body digest without one.
type WebhookProcessor struct {
	Manager  *Manager
	Dedup    kvstore.Store
	DedupTTL time.Duration
	Metrics  *metrics.Metrics
}

func dedupKey(env Envelope, body []byte) string {
	if env.ID != "" {
		return "webhook:" + env.ID
	}
	sum := sha256.Sum256(body)
	return "webhook:sha256:" + hex.EncodeToString(sum[:])
}

// Process handles one delivery. It never fails the delivery: problems are
// logged and surface only in the returned result.
func (w *WebhookProcessor) Process(ctx context.Context, body []byte) string {
	ctx, span := w.Manager.tracerOrDefault().Start(ctx, "payment.webhook")
	defer span.End()

	l := logging.FromContext(ctx).With("component", "webhook")

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		l.Warn("webhook_malformed", "error", err)
		w.Metrics.Webhook("", ResultMalformed)
		return ResultMalformed
	}
	span.SetAttributes(attribute.String("webhook.type", env.Type), attribute.String("webhook.id", env.ID))
	l = l.With("event_id", env.ID, "type", env.Type, "intent_id", env.Data.IntentID)

	result := w.process(ctx, l, env, body)
	w.Metrics.Webhook(env.Type, result)
	span.SetAttributes(attribute.String("webhook.result", result))
	l.Info("webhook_processed", "result", result)
	return result
}

func (w *WebhookProcessor) process(ctx context.Context, l *slog.Logger, env Envelope, body []byte) string {
	var to models.PaymentState
	switch env.Type {
	case EventSucceeded:
		to = models.PaymentCompleted
	case EventFailed:
		to = models.PaymentFailed
	case EventRefunded:
		to = models.PaymentRefunded
	default:
		l.Warn("webhook_unknown_type")
		return ResultIgnored
	}
	if env.Data.IntentID == "" {
		l.Warn("webhook_malformed", "reason", "missing intent_id")
		return ResultMalformed
	}

	key := dedupKey(env, body)
	if w.Dedup != nil {
		fresh, err := w.Dedup.SetNX(ctx, key, env.Type, w.DedupTTL)
		if err != nil {
			l.Error("webhook_dedup_error", "error", err)
		} else if !fresh {
			return ResultDuplicate
		}
	}

	p, err := w.Manager.FindByIntent(ctx, env.Data.IntentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.Warn("webhook_unknown_intent")
			return ResultUnknown
		}
		w.forget(ctx, key)
		l.Error("webhook_lookup_error", "error", err)
		return ResultError
	}

	ch := Change{
		IntentID:      env.Data.IntentID,
		TransactionID: env.Data.TransactionID,
		Raw:           body,
		FailureReason: env.Data.FailureReason,
		RefundReason:  env.Data.RefundReason,
	}
	if env.Data.RefundAmount != "" {
		amt, err := decimal.NewFromString(env.Data.RefundAmount)
		if err != nil {
			l.Warn("webhook_malformed", "reason", "refund_amount", "error", err)
			return ResultMalformed
		}
		ch.RefundAmount = &amt
	}

	_, applied, err := w.Manager.Transition(ctx, p.ID, to, ch, SourceWebhook)
	switch {
	case errors.Is(err, ErrIllegalTransition):
		return ResultRejected
	case err != nil:
		w.forget(ctx, key)
		l.Error("webhook_transition_error", "payment_id", p.ID.String(), "error", err)
		return ResultError
	case !applied:
		return ResultNoop
	}
	return ResultApplied
}

// forget drops the dedup mark so a redelivery of an event we failed to
// process is not mistaken for a duplicate.
func (w *WebhookProcessor) forget(ctx context.Context, key string) {
	if w.Dedup != nil {
		_ = w.Dedup.Delete(context.WithoutCancel(ctx), key)
	}
}
