package payment

import (
	"context"
	"errors"
	"time"

	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
)

// Reconciler polls the gateway for payments stuck in processing, covering
// webhooks that never arrive.
type Reconciler struct {
	Manager *Manager
	Gateway gateway.Gateway
	// After is how long a payment may sit in processing before it is polled.
	After time.Duration
	Batch int
}

func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	l := logging.FromContext(ctx).With("component", "reconciler")

	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}

	var stuck []models.Payment
	if err := r.Manager.DB.WithContext(ctx).
		Where("status = ? AND payment_intent_id IS NOT NULL AND updated_at < ?", models.PaymentProcessing, time.Now().UTC().Add(-r.After)).
		Order("updated_at ASC").
		Limit(batch).
		Find(&stuck).Error; err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, p := range stuck {
		if ctx.Err() != nil {
			break
		}
		res, err := r.Gateway.QueryStatus(ctx, *p.PaymentIntentID)
		if err != nil {
			l.Warn("reconcile_query_error", "payment_id", p.ID.String(), "kind", gateway.KindOf(err), "error", err)
			continue
		}
		_, applied, err := r.Manager.ApplyGatewayResult(ctx, p.ID, res, SourcePoller)
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			errs = append(errs, err)
			continue
		}
		if applied {
			settled++
		}
	}
	if settled > 0 {
		l.Info("payments_reconciled", "count", settled, "polled", len(stuck))
	}
	return settled, errors.Join(errs...)
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Reconcile(ctx); err != nil {
				logging.FromContext(ctx).Error("reconcile_error", "error", err)
			}
		}
	}
}
