package usecase_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"bookstore/internal/domain/model"
	"bookstore/internal/infra/memory"
	"bookstore/internal/usecase"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =====================
// PaymentGateway mock
// =====================

type GatewayMock struct{ mock.Mock }

func (m *GatewayMock) CreatePreference(ctx context.Context, req model.PreferenceRequest) (model.Preference, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(model.Preference)
	return p, args.Error(1)
}

func (m *GatewayMock) GetPayment(ctx context.Context, paymentID string) (model.GatewayPayment, error) {
	args := m.Called(ctx, paymentID)
	p, _ := args.Get(0).(model.GatewayPayment)
	return p, args.Error(1)
}

func (m *GatewayMock) GetMerchantOrder(ctx context.Context, merchantOrderID string) (model.GatewayMerchantOrder, error) {
	args := m.Called(ctx, merchantOrderID)
	mo, _ := args.Get(0).(model.GatewayMerchantOrder)
	return mo, args.Error(1)
}

func (m *GatewayMock) SearchPaymentsByReference(ctx context.Context, orderID int64) ([]model.GatewayPayment, error) {
	args := m.Called(ctx, orderID)
	ps, _ := args.Get(0).([]model.GatewayPayment)
	return ps, args.Error(1)
}

var _ usecase.PaymentGateway = (*GatewayMock)(nil)

// =====================
// 発行されたイベントを貯める
// =====================

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) transitions(orderID int64) []model.OrderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.OrderState
	for _, ev := range p.events {
		if ev.OrderID == orderID {
			out = append(out, ev.To)
		}
	}
	return out
}

// 進められる時計
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =====================
// 組み立て
// =====================

const testTTL = 30 * time.Minute

type fixture struct {
	store   *memory.Store
	gw      *GatewayMock
	events  *recordingPublisher
	clock   *testClock
	deps    usecase.Deps
	sm      *usecase.OrderStateMachine
	cart    *usecase.CartUsecase
	orders  *usecase.OrderUsecase
	rec     *usecase.PaymentReconciler
	admin   *usecase.AdminOrderUsecase
	sweeper *usecase.ExpirationSweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	f := &fixture{
		store:  store,
		gw:     new(GatewayMock),
		events: &recordingPublisher{},
		clock:  &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.deps = usecase.Deps{
		Tx:         store,
		Orders:     store.Orders(),
		OrderItems: store.OrderItems(),
		Payments:   store.Payments(),
		Ledger:     store.Ledger(),
		Carts:      store.Carts(),
		CartItems:  store.CartItems(),
		Products:   store.Products(),
		Gateway:    f.gw,
		Events:     f.events,
		Log:        zaptest.NewLogger(t),
		Now:        f.clock.Now,
	}
	f.sm = usecase.NewOrderStateMachine(f.deps, 3)
	f.cart = usecase.NewCartUsecase(store.Carts(), store.CartItems(), store.Products(), store.Ledger())
	f.orders = usecase.NewOrderUsecase(f.deps, f.sm, f.cart, testTTL)
	f.rec = usecase.NewPaymentReconciler(f.deps, f.sm)
	f.admin = usecase.NewAdminOrderUsecase(f.deps, f.sm)
	f.sweeper = usecase.NewExpirationSweeper(f.deps, f.sm, f.rec, nil, usecase.SweeperConfig{
		Interval:     time.Minute,
		BatchSize:    50,
		StaleAfter:   15 * time.Minute,
		AbandonAfter: 24 * time.Hour,
	})
	return f
}

func (f *fixture) seedBook(t *testing.T, name string, price int64, stock int64) model.Product {
	t.Helper()
	return f.store.SeedProduct(model.Product{Name: name, Price: price, Stock: stock, IsActive: true})
}

func (f *fixture) product(t *testing.T, id int64) model.Product {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p
}

func (f *fixture) order(t *testing.T, id int64) model.Order {
	t.Helper()
	o, ok := f.store.Order(id)
	require.True(t, ok)
	return o
}

func testAddress() model.ShippingAddress {
	return model.ShippingAddress{
		Name:       "Yamada Taro",
		PostalCode: "100-0001",
		Region:     "Tokyo",
		City:       "Chiyoda",
		Line1:      "1-1",
	}
}

// カートに入れて注文する
func (f *fixture) placeOrder(t *testing.T, userID int64, lines ...model.CartLine) usecase.OrderOutput {
	t.Helper()
	ctx := context.Background()
	for _, l := range lines {
		_, err := f.cart.AddToCart(ctx, userID, usecase.AddCartInput{ProductID: l.ProductID, Quantity: l.Quantity})
		require.NoError(t, err)
	}
	out, err := f.orders.CreateOrder(ctx, userID, usecase.CreateOrderInput{
		IdempotencyKey:  uuid.NewString(),
		ShippingAddress: testAddress(),
	})
	require.NoError(t, err)
	return out
}

// 決済開始してawaiting_paymentにする
func (f *fixture) startPayment(t *testing.T, userID int64, orderID int64) {
	t.Helper()
	f.gw.On("CreatePreference", mock.Anything, mock.MatchedBy(func(r model.PreferenceRequest) bool {
		return r.OrderID == orderID
	})).Return(model.Preference{ID: "pref-" + strconv.FormatInt(orderID, 10), RedirectURL: "https://gateway.test/checkout"}, nil).Once()

	out, err := f.orders.InitiatePayment(context.Background(), userID, orderID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStateAwaitingPayment, out.State)
}

func gatewayPayment(id string, orderID int64, status model.PaymentStatus, amount int64) model.GatewayPayment {
	return model.GatewayPayment{
		ID:                id,
		Status:            status,
		ExternalReference: strconv.FormatInt(orderID, 10),
		Amount:            amount,
	}
}

func line(productID int64, qty int64) model.CartLine {
	return model.CartLine{ProductID: productID, Quantity: qty}
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := usecase.AsHTTPError(err)
	require.True(t, ok, "err=%v", err)
	return he.Status
}
