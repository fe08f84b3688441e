package handler

import (
	"net/http"

	"bookstore/internal/config"
	"bookstore/internal/domain/model"
	"bookstore/internal/middleware"
	"bookstore/internal/usecase"

	"github.com/labstack/echo/v4"
)

// /orders のHTTP
type OrderHandler struct {
	uc  *usecase.OrderUsecase
	rec *usecase.PaymentReconciler
}

func NewOrderHandler(uc *usecase.OrderUsecase, rec *usecase.PaymentReconciler) *OrderHandler {
	return &OrderHandler{uc: uc, rec: rec}
}

type CreateOrderRequest struct {
	ShippingAddress model.ShippingAddress `json:"shipping_address"`
}

type CancelOrderRequest struct {
	RestoreCart bool `json:"restore_cart"`
}

// 戻りURLのクエリをそのまま渡してもよいし、JSONで送ってもよい
type VerifyPaymentRequest struct {
	PaymentID        string `json:"payment_id" query:"payment_id"`
	CollectionID     string `json:"collection_id" query:"collection_id"`
	MerchantOrderID  string `json:"merchant_order_id" query:"merchant_order_id"`
	Status           string `json:"status" query:"status"`
	CollectionStatus string `json:"collection_status" query:"collection_status"`
}

func (r VerifyPaymentRequest) signals() usecase.PaymentSignals {
	return usecase.PaymentSignals{
		PaymentID:        r.PaymentID,
		CollectionID:     r.CollectionID,
		MerchantOrderID:  r.MerchantOrderID,
		Status:           r.Status,
		CollectionStatus: r.CollectionStatus,
	}
}

// クエリを先に読み、本文があれば上書きする（POSTではBindがクエリを見ない）
func bindVerifyRequest(c echo.Context) (VerifyPaymentRequest, error) {
	var req VerifyPaymentRequest
	b := &echo.DefaultBinder{}
	if err := b.BindQueryParams(c, &req); err != nil {
		return req, err
	}
	if c.Request().ContentLength > 0 {
		if err := b.BindBody(c, &req); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (h *OrderHandler) RegisterRoutes(e *echo.Echo, cfg config.Config) {
	g := e.Group("/orders")
	g.Use(middleware.AuthJWT(cfg))

	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.detail)
	g.POST("/:id/payment", h.initiatePayment)
	g.POST("/:id/payment/verify", h.verifyPayment)
	g.POST("/:id/cancel", h.cancel)
	g.POST("/:id/retry", h.retry)
	g.DELETE("/:id/items/:itemId", h.removeItem)
}

func (h *OrderHandler) create(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	out, err := h.uc.CreateOrder(c.Request().Context(), userID, usecase.CreateOrderInput{
		IdempotencyKey:  c.Request().Header.Get("X-Idempotency-Key"),
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, out)
}

func (h *OrderHandler) list(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	page, ok := queryInt(c, "page", 1)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid page"})
	}
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
	}

	out, err := h.uc.ListMyOrders(c.Request().Context(), userID, page, limit)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) detail(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}

	out, err := h.uc.GetMyOrderDetail(c.Request().Context(), userID, orderID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) initiatePayment(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}

	out, err := h.uc.InitiatePayment(c.Request().Context(), userID, orderID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) verifyPayment(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}

	req, err := bindVerifyRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	out, err := h.rec.VerifyForUser(c.Request().Context(), userID, orderID, req.signals())
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) cancel(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}

	// bodyは省略可
	var req CancelOrderRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
		}
	}

	out, err := h.uc.CancelOrder(c.Request().Context(), userID, orderID, req.RestoreCart)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

// 注文を取り消して中身をカートへ戻す
func (h *OrderHandler) retry(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}

	out, err := h.uc.RetryOrder(c.Request().Context(), userID, orderID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) removeItem(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}
	itemID, ok := parseIDParam(c, "itemId")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid item id"})
	}

	out, err := h.uc.RemoveOrderItem(c.Request().Context(), userID, orderID, itemID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}
