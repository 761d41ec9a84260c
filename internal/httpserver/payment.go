package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/online_pharmacy/internal/payment"
	"github.com/Skotchmaster/online_pharmacy/internal/transport"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
)

const maxWebhookBody = 1 << 20

type PaymentHTTP struct {
	Payments *payment.Manager
	Webhooks *payment.WebhookProcessor
	Verifier *payment.Verifier
	// AllowUnsigned lets webhooks through when no secret is configured.
	// Only ever set in development.
	AllowUnsigned bool
}

func (h *PaymentHTTP) GetPayment(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.get_payment")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		l.Warn("get_payment_error", "status", 400, "reason", "invalid id", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	p, err := h.Payments.Get(ctx, id)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			l.Warn("get_payment_error", "status", 404, "reason", "not found", "error", err)
			return echo.NewHTTPError(http.StatusNotFound, "payment not found")
		}
		l.Error("get_payment_error", "status", 500, "reason", "internal error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PaymentHTTP) RefundPayment(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.refund")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		l.Warn("refund_error", "status", 400, "reason", "invalid id", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req transport.RefundRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("refund_error", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	p, err := h.Payments.Refund(context.WithoutCancel(ctx), id, req.Amount, req.Reason, payment.SourceAdmin)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrNotFound):
			l.Warn("refund_error", "status", 404, "reason", "not found", "error", err)
			return echo.NewHTTPError(http.StatusNotFound, "payment not found")
		case errors.Is(err, payment.ErrInvalidRefund):
			l.Warn("refund_error", "status", 400, "reason", "invalid amount", "error", err)
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrIllegalTransition), errors.Is(err, payment.ErrRefundInProgress):
			l.Warn("refund_error", "status", 409, "reason", "conflict", "error", err)
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, payment.ErrRefundFailed):
			l.Error("refund_error", "status", 502, "reason", "gateway", "error", err)
			return echo.NewHTTPError(http.StatusBadGateway, "refund rejected by payment provider")
		default:
			l.Error("refund_error", "status", 500, "reason", "internal error", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
	}

	l.Info("refund_success", "payment_id", id.String())
	return c.JSON(http.StatusOK, p)
}

// Webhook authenticates a gateway event and hands it to the processor. Once
// the signature checks out the delivery is always acknowledged.
func (h *PaymentHTTP) Webhook(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.webhook")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		l.Warn("webhook_error", "status", 400, "reason", "unreadable body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	ts := c.Request().Header.Get(payment.HeaderTimestamp)
	sig := c.Request().Header.Get(payment.HeaderSignature)
	if err := h.Verifier.Verify(ts, sig, body); err != nil {
		if !(errors.Is(err, payment.ErrNoSecret) && h.AllowUnsigned) {
			l.Warn("webhook_error", "status", 401, "reason", "signature", "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
		l.Warn("webhook_unsigned_accepted")
	}

	result := h.Webhooks.Process(context.WithoutCancel(ctx), body)
	return c.JSON(http.StatusOK, transport.WebhookAck{Received: true, Result: result})
}
