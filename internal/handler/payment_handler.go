package handler

import (
	"net/http"
	"strings"

	"bookstore/internal/usecase"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// 認証なしの決済系エンドポイント（戻りURLと通知）
type PaymentHandler struct {
	rec *usecase.PaymentReconciler
	log *zap.Logger
}

func NewPaymentHandler(rec *usecase.PaymentReconciler, log *zap.Logger) *PaymentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentHandler{rec: rec, log: log}
}

// 通知の本文。中身は信用せず、IDを使って照会するだけ。
type WebhookRequest struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (h *PaymentHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/public/orders/:id/payment-status", h.publicStatus)
	e.POST("/payments/webhook", h.webhook)
}

func (h *PaymentHandler) publicStatus(c echo.Context) error {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
	}

	req, err := bindVerifyRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid query"})
	}

	out, err := h.rec.VerifyPublic(c.Request().Context(), orderID, req.signals())
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

// topic/type と id はクエリ（旧形式）か本文（新形式）のどちらかで来る
func (h *PaymentHandler) webhook(c echo.Context) error {
	var req WebhookRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
		}
	}

	topic := firstNonEmpty(req.Type, c.QueryParam("type"), c.QueryParam("topic"))
	id := firstNonEmpty(req.Data.ID, c.QueryParam("data.id"), c.QueryParam("id"))
	if id == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing id"})
	}

	ctx := c.Request().Context()
	var (
		out usecase.VerifyResult
		err error
	)
	switch topic {
	case "payment":
		out, err = h.rec.NotifyPayment(ctx, id)
	case "merchant_order":
		out, err = h.rec.NotifyMerchantOrder(ctx, id)
	default:
		// 関係ない通知は受け取ったことだけ返す
		h.log.Debug("webhook ignored", zap.String("topic", topic), zap.String("id", id))
		return c.NoContent(http.StatusOK)
	}
	if err != nil {
		// 5xxなら決済代行が再送してくる
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
