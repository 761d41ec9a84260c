package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Skotchmaster/online_pharmacy/internal/auth"
	"github.com/Skotchmaster/online_pharmacy/internal/middleware/csrf"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

type Deps struct {
	OrderHandler   *OrderHTTP
	PaymentHandler *PaymentHTTP
	Auth           *auth.Authenticator
	Metrics        *metrics.Metrics
	// OrderLimiter throttles order placement per buyer. Optional.
	OrderLimiter middleware.RateLimiterStore
	// Ready reports whether dependencies are reachable. Optional.
	Ready func(ctx context.Context) error
	// SecureCookies marks the CSRF cookie Secure; off only for local http.
	SecureCookies bool
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready != nil {
			if err := d.Ready(c.Request().Context()); err != nil {
				logging.FromContext(c.Request().Context()).Warn("ready_check_error", "error", err)
				return c.NoContent(http.StatusServiceUnavailable)
			}
		}
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))

	csrfCfg := csrf.DefaultConfig(auth.AccessCookie)
	csrfCfg.Secure = d.SecureCookies
	xsrf := csrf.Middleware(csrfCfg)

	orders := e.Group("/orders", xsrf, d.Auth.RequireAuth)
	place := []echo.MiddlewareFunc{auth.RequireCapability(auth.CapPlaceOrder)}
	if d.OrderLimiter != nil {
		place = append(place, orderRateLimit(d.OrderLimiter))
	}
	orders.POST("", d.OrderHandler.PlaceOrder, place...)
	orders.GET("", d.OrderHandler.GetOrders, auth.RequireCapability(auth.CapViewOwnOrders))
	orders.GET("/:id", d.OrderHandler.GetOrder, auth.RequireCapability(auth.CapViewOwnOrders))
	orders.POST("/:id/cancel", d.OrderHandler.CancelOrder, auth.RequireCapability(auth.CapCancelOwnOrder))
	orders.PATCH("/:id/status", d.OrderHandler.UpdateOrderStatus, auth.RequireCapability(auth.CapManageOrders))

	// the webhook authenticates by signature, not by token
	e.POST("/payments/webhook", d.PaymentHandler.Webhook)

	payments := e.Group("/payments", xsrf, d.Auth.RequireAuth)
	payments.GET("/:id", d.PaymentHandler.GetPayment, auth.RequireCapability(auth.CapManageOrders))
	payments.POST("/:id/refund", d.PaymentHandler.RefundPayment, auth.RequireCapability(auth.CapRefundPayment))
}

func orderRateLimit(store middleware.RateLimiterStore) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			id, err := auth.UserID(c)
			if err != nil {
				return c.RealIP(), nil
			}
			return id.String(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "cannot identify caller")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logging.FromContext(c.Request().Context()).Warn("rate_limited", "status", 429, "identifier", identifier, "error", err)
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many orders, slow down")
		},
	})
}
