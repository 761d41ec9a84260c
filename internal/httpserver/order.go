package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/online_pharmacy/internal/auth"
	"github.com/Skotchmaster/online_pharmacy/internal/inventory"
	"github.com/Skotchmaster/online_pharmacy/internal/service"
	"github.com/Skotchmaster/online_pharmacy/internal/transport"
	"github.com/Skotchmaster/online_pharmacy/internal/util"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
)

type OrderHTTP struct {
	Svc *service.OrderService
}

func actor(c echo.Context) (service.Actor, error) {
	userID, err := auth.UserID(c)
	if err != nil {
		return service.Actor{}, err
	}
	return service.Actor{UserID: userID, Staff: auth.Can(auth.RoleOf(c), auth.CapManageOrders)}, nil
}

func orderID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

var placeOrderStatus = map[string]int{
	service.KindValidation:        http.StatusBadRequest,
	service.KindInvalidAddress:    http.StatusBadRequest,
	service.KindEmptyCart:         http.StatusBadRequest,
	service.KindProductNotFound:   http.StatusUnprocessableEntity,
	service.KindInsufficientStock: http.StatusConflict,
	service.KindPaymentFailed:     http.StatusPaymentRequired,
	service.KindInternal:          http.StatusInternalServerError,
}

func (h *OrderHTTP) PlaceOrder(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.place_order")

	userID, err := auth.UserID(c)
	if err != nil {
		l.Warn("place_order_error", "status", 401, "reason", "unauthorized", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req transport.PlaceOrderRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("place_order_error", "status", 400, "reason", "invalid body", "error", err)
		return c.JSON(http.StatusBadRequest, transport.ErrorResponse{Error: "invalid body", Kind: service.KindValidation})
	}

	order, err := h.Svc.PlaceOrder(ctx, req, userID)
	if err != nil {
		kind := service.Kind(err)
		status, ok := placeOrderStatus[kind]
		if !ok {
			status = http.StatusInternalServerError
		}

		resp := transport.ErrorResponse{Error: err.Error(), Kind: kind}
		var ise *inventory.InsufficientStockError
		if errors.As(err, &ise) {
			resp.Error = "insufficient stock"
			resp.Product = ise.ProductName
			resp.Available = &ise.Available
		}
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
			l.Error("place_order_error", "status", status, "reason", kind, "error", err)
		} else {
			l.Warn("place_order_error", "status", status, "reason", kind, "error", err)
		}
		return c.JSON(status, resp)
	}

	l.Info("place_order_success", "order_id", order.ID.String())
	return c.JSON(http.StatusCreated, order)
}

func (h *OrderHTTP) GetOrders(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.get_orders")

	a, err := actor(c)
	if err != nil {
		l.Warn("get_orders_error", "status", 401, "reason", "unauthorized", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	page := util.ParseIntDefault(c.QueryParam("page"), 1)
	size := util.ParseIntDefault(c.QueryParam("size"), util.DefaultPageSize)

	total, orders, err := h.Svc.ListOrders(ctx, a, page, size)
	if err != nil {
		l.Error("get_orders_error", "status", 500, "reason", "internal error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	_, limit := util.Calculate(page, size)
	return c.JSON(http.StatusOK, transport.OrderList{Items: orders, Total: total, Page: max(page, 1), Size: limit})
}

func (h *OrderHTTP) GetOrder(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.get_order")

	a, err := actor(c)
	if err != nil {
		l.Warn("get_order_error", "status", 401, "reason", "unauthorized", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	id, err := orderID(c)
	if err != nil {
		l.Warn("get_order_error", "status", 400, "reason", "invalid id", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	order, err := h.Svc.GetOrder(ctx, a, id)
	if err != nil {
		return orderError(l, "get_order_error", err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *OrderHTTP) CancelOrder(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.cancel_order")

	a, err := actor(c)
	if err != nil {
		l.Warn("cancel_order_error", "status", 401, "reason", "unauthorized", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	id, err := orderID(c)
	if err != nil {
		l.Warn("cancel_order_error", "status", 400, "reason", "invalid id", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	order, err := h.Svc.CancelOrder(ctx, a, id)
	if err != nil {
		return orderError(l, "cancel_order_error", err)
	}

	l.Info("cancel_order_success", "order_id", id.String())
	return c.JSON(http.StatusOK, order)
}

func (h *OrderHTTP) UpdateOrderStatus(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.update_status")

	id, err := orderID(c)
	if err != nil {
		l.Warn("update_status_error", "status", 400, "reason", "invalid id", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req transport.UpdateOrderStatusRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("update_status_error", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	order, err := h.Svc.UpdateOrderStatus(ctx, id, req.Status)
	if err != nil {
		return orderError(l, "update_status_error", err)
	}

	l.Info("update_status_success", "order_id", id.String(), "status", order.OrderStatus)
	return c.JSON(http.StatusOK, order)
}

func orderError(l *slog.Logger, event string, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		l.Warn(event, "status", 400, "reason", "validation", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		l.Warn(event, "status", 404, "reason", "not found", "error", err)
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrConflict):
		l.Warn(event, "status", 409, "reason", "conflict", "error", err)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		l.Error(event, "status", 500, "reason", "internal error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
