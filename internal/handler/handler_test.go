package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bookstore/internal/config"
	"bookstore/internal/domain/model"
	"bookstore/internal/handler"
	"bookstore/internal/infra/gateway"
	"bookstore/internal/infra/memory"
	"bookstore/internal/infra/metrics"
	"bookstore/internal/middleware"
	"bookstore/internal/server"
	"bookstore/internal/usecase"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

// =====================
// 決済代行のフェイク（MercadoPago形式）
// =====================

type fakeGateway struct {
	mu       sync.Mutex
	payments map[string]map[string]any
	calls    map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]map[string]any{}, calls: map[string]int{}}
}

func (g *fakeGateway) setPayment(id string, orderID int64, status string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[id] = map[string]any{
		"id":                 json.Number(id),
		"status":             status,
		"external_reference": strconv.FormatInt(orderID, 10),
		"transaction_amount": amount,
	}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[r.URL.Path]++

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/checkout/preferences":
		var body struct {
			ExternalReference string `json:"external_reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":         "pref-" + body.ExternalReference,
			"init_point": "https://gateway.test/checkout/" + body.ExternalReference,
		})
	case strings.HasPrefix(r.URL.Path, "/v1/payments/"):
		p, ok := g.payments[strings.TrimPrefix(r.URL.Path, "/v1/payments/")]
		if !ok {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	default:
		http.Error(w, `{"message":"unexpected"}`, http.StatusNotFound)
	}
}

func (g *fakeGateway) callCount(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

// =====================
// 組み立て
// =====================

type app struct {
	e     *echo.Echo
	store *memory.Store
	gw    *fakeGateway
}

func newApp(t *testing.T) *app {
	t.Helper()

	fake := newFakeGateway()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := config.Config{JWTSecret: testSecret}
	log := zaptest.NewLogger(t)
	store := memory.NewStore()
	m := metrics.New()

	deps := usecase.Deps{
		Tx:         store,
		Orders:     store.Orders(),
		OrderItems: store.OrderItems(),
		Payments:   store.Payments(),
		Ledger:     store.Ledger(),
		Carts:      store.Carts(),
		CartItems:  store.CartItems(),
		Products:   store.Products(),
		Gateway: gateway.New(gateway.Config{
			BaseURL:       srv.URL,
			AccessToken:   "token",
			AmountScale:   1,
			PublicBaseURL: "https://shop.test",
		}, srv.Client()),
		Metrics: m,
		Log:     log,
	}
	sm := usecase.NewOrderStateMachine(deps, 3)
	cart := usecase.NewCartUsecase(store.Carts(), store.CartItems(), store.Products(), store.Ledger())
	orders := usecase.NewOrderUsecase(deps, sm, cart, 30*time.Minute)
	rec := usecase.NewPaymentReconciler(deps, sm)

	e := server.New(cfg, log, server.Handlers{
		Cart:         handler.NewCartHandler(cart),
		Order:        handler.NewOrderHandler(orders, rec),
		Payment:      handler.NewPaymentHandler(rec, log),
		AdminOrder:   handler.NewAdminOrderHandler(usecase.NewAdminOrderUsecase(deps, sm)),
		AdminProduct: handler.NewAdminProductHandler(usecase.NewAdminProductUsecase(store, nil)),
	}, m.Gatherer())

	return &app{e: e, store: store, gw: fake}
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func (a *app) do(t *testing.T, method string, path string, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body=%s", rec.Body.String())
	return v
}

func (a *app) placeOrder(t *testing.T, user string, productID int64, qty int64) usecase.OrderOutput {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/cart", user, handler.AddCartRequest{ProductID: productID, Quantity: qty})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/orders", user, handler.CreateOrderRequest{ShippingAddress: model.ShippingAddress{
		Name: "Yamada Taro", PostalCode: "100-0001", Region: "Tokyo", City: "Chiyoda", Line1: "1-1",
	}}, "X-Idempotency-Key", uuid.NewString())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[usecase.OrderOutput](t, rec)
}

// =====================
// シナリオ
// =====================

// カート → 注文 → 決済開始 → 戻りURLで確認 → 発送
func TestHTTP_HappyPath(t *testing.T) {
	a := newApp(t)
	book := a.store.SeedProduct(model.Product{Name: "Go in Action", Price: 1500, Stock: 3, IsActive: true})
	user := token(t, 1, "USER")
	admin := token(t, 99, middleware.RoleAdmin)

	order := a.placeOrder(t, user, book.ID, 2)
	assert.Equal(t, model.OrderStatePending, order.State)
	assert.Equal(t, int64(3000), order.TotalPrice)

	rec := a.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/payment", order.ID), user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pay := decode[usecase.InitiatePaymentOutput](t, rec)
	assert.Equal(t, fmt.Sprintf("https://gateway.test/checkout/%d", order.ID), pay.RedirectURL)
	assert.Equal(t, model.OrderStateAwaitingPayment, pay.State)

	a.gw.setPayment("777", order.ID, "approved", 3000)

	path := fmt.Sprintf("/public/orders/%d/payment-status?payment_id=777&status=approved", order.ID)
	rec = a.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pub := decode[usecase.PublicVerifyResult](t, rec)
	assert.Equal(t, model.OrderStatePaid, pub.State)

	//2回目は照会しない
	rec = a.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, a.gw.callCount("/v1/payments/777"))

	p, _ := a.store.Product(book.ID)
	assert.Equal(t, int64(1), p.Stock)
	assert.Equal(t, int64(0), p.Reserved)

	rec = a.do(t, http.MethodPut, fmt.Sprintf("/admin/orders/%d/status", order.ID), admin, map[string]string{"state": "shipped"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.OrderStateShipped, decode[usecase.OrderOutput](t, rec).State)
}

// 通知は中身を信用せず照会結果で遷移する
func TestHTTP_Webhook_RejectedReleasesStock(t *testing.T) {
	a := newApp(t)
	book := a.store.SeedProduct(model.Product{Name: "A", Price: 1000, Stock: 1, IsActive: true})
	user := token(t, 1, "USER")

	order := a.placeOrder(t, user, book.ID, 1)
	rec := a.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/payment", order.ID), user, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	a.gw.setPayment("888", order.ID, "rejected", 1000)
	body := map[string]any{"type": "payment", "action": "payment.created", "data": map[string]string{"id": "888"}}
	rec = a.do(t, http.MethodPost, "/payments/webhook", "", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.OrderStateRejected, decode[usecase.VerifyResult](t, rec).State)

	p, _ := a.store.Product(book.ID)
	assert.Equal(t, int64(0), p.Reserved)
	assert.Equal(t, int64(1), p.Stock)

	//関係ない通知は200で捨てる
	rec = a.do(t, http.MethodPost, "/payments/webhook?topic=chargebacks&id=1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/payments/webhook", "", map[string]string{"type": "payment"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_OrdersRequireAuthAndOwnership(t *testing.T) {
	a := newApp(t)
	book := a.store.SeedProduct(model.Product{Name: "A", Price: 1000, Stock: 2, IsActive: true})
	owner := token(t, 1, "USER")
	other := token(t, 2, "USER")

	order := a.placeOrder(t, owner, book.ID, 1)

	rec := a.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", order.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", order.ID), other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/orders/abc", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", decode[handler.ErrorResponse](t, rec).Error)

	rec = a.do(t, http.MethodGet, "/admin/orders", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// 最後の明細を消すと注文は取り消しになる
func TestHTTP_RemoveLastItemCancelsOrder(t *testing.T) {
	a := newApp(t)
	book := a.store.SeedProduct(model.Product{Name: "A", Price: 1000, Stock: 2, IsActive: true})
	user := token(t, 1, "USER")

	order := a.placeOrder(t, user, book.ID, 2)
	require.Len(t, order.Items, 1)

	rec := a.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d/items/%d", order.ID, order.Items[0].ID), user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[usecase.RemoveOrderItemOutput](t, rec)
	assert.True(t, out.OrderCancelled)
	assert.Equal(t, model.OrderStateCancelledByUser, out.Order.State)

	p, _ := a.store.Product(book.ID)
	assert.Equal(t, int64(0), p.Reserved)
}

// 在庫の空きが無いと409
func TestHTTP_CartSoldOut(t *testing.T) {
	a := newApp(t)
	book := a.store.SeedProduct(model.Product{Name: "A", Price: 1000, Stock: 1, IsActive: true})

	a.placeOrder(t, token(t, 1, "USER"), book.ID, 1)

	rec := a.do(t, http.MethodPost, "/cart", token(t, 2, "USER"), handler.AddCartRequest{ProductID: book.ID, Quantity: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "limited availability, quantity adjusted", decode[handler.ErrorResponse](t, rec).Error)
}

func TestHTTP_AdminSetStock(t *testing.T) {
	a := newApp(t)
	book := a.store.SeedProduct(model.Product{Name: "A", Price: 1000, Stock: 2, IsActive: true})
	admin := token(t, 99, middleware.RoleAdmin)

	rec := a.do(t, http.MethodPut, fmt.Sprintf("/admin/products/%d/stock", book.ID), admin, handler.InventoryUpdateRequest{Stock: 10, Reason: "restock"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10), decode[usecase.StockOutput](t, rec).Available)

	rec = a.do(t, http.MethodPut, fmt.Sprintf("/admin/products/%d/stock", book.ID), admin, handler.InventoryUpdateRequest{Stock: 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	a := newApp(t)

	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
