package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"bookstore/internal/domain/model"
	"bookstore/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeLease struct {
	mu       sync.Mutex
	granted  bool
	acquired int
	released int
}

func (l *fakeLease) Acquire(context.Context, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return l.granted, nil
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestSweeper_ExpiresOnlyPastDueOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 10)

	old := f.placeOrder(t, 1, line(book.ID, 2))
	f.clock.Advance(10 * time.Minute)
	fresh := f.placeOrder(t, 2, line(book.ID, 3))
	f.clock.Advance(testTTL - 5*time.Minute)

	rep, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 0, rep.Failed)

	assert.Equal(t, model.OrderStateExpired, f.order(t, old.ID).State)
	assert.Nil(t, f.order(t, old.ID).ExpiresAt)
	assert.Equal(t, model.OrderStatePending, f.order(t, fresh.ID).State)
	assert.Equal(t, int64(3), f.product(t, book.ID).Reserved)
	assert.Equal(t, int64(10), f.product(t, book.ID).Stock)

	//もう一度回しても二重に解放しない
	rep, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Expired)
	assert.Equal(t, int64(3), f.product(t, book.ID).Reserved)
}

func TestSweeper_SkipsWithoutLease(t *testing.T) {
	f := newFixture(t)
	book := f.seedBook(t, "A", 1000, 10)
	out := f.placeOrder(t, 1, line(book.ID, 1))
	f.clock.Advance(testTTL + time.Minute)

	lease := &fakeLease{granted: false}
	sw := usecase.NewExpirationSweeper(f.deps, f.sm, f.rec, lease, usecase.SweeperConfig{Interval: time.Minute})

	rep, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.NotLeader)
	assert.Equal(t, model.OrderStatePending, f.order(t, out.ID).State)
	assert.Equal(t, 0, lease.released)

	lease.granted = true
	rep, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, lease.released)
}

// 放置されたawaiting_paymentの再照会
func TestSweeper_ReconcilesStaleAwaitingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 10)

	abandoned := f.placeOrder(t, 1, line(book.ID, 1))
	f.startPayment(t, 1, abandoned.ID)
	paidLater := f.placeOrder(t, 2, line(book.ID, 2))
	f.startPayment(t, 2, paidLater.ID)

	f.clock.Advance(20 * time.Minute)
	waiting := f.placeOrder(t, 3, line(book.ID, 3))
	f.startPayment(t, 3, waiting.ID)

	f.gw.On("SearchPaymentsByReference", mock.Anything, abandoned.ID).Return([]model.GatewayPayment{}, nil)
	f.gw.On("SearchPaymentsByReference", mock.Anything, paidLater.ID).Return([]model.GatewayPayment{
		gatewayPayment("pay-s", paidLater.ID, model.PaymentStatusApproved, 2000),
	}, nil)

	//15分以上放置：再照会されるが、24時間経っていないので見捨てない
	rep, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Reconciled)
	assert.Equal(t, model.OrderStateAwaitingPayment, f.order(t, abandoned.ID).State)
	assert.Equal(t, model.OrderStatePaid, f.order(t, paidLater.ID).State)
	assert.Equal(t, model.OrderStateAwaitingPayment, f.order(t, waiting.ID).State)

	f.gw.On("SearchPaymentsByReference", mock.Anything, waiting.ID).Return([]model.GatewayPayment{}, nil)
	f.clock.Advance(25 * time.Hour)
	_, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.OrderStateCancelledByGateway, f.order(t, abandoned.ID).State)
	assert.Equal(t, model.OrderStateCancelledByGateway, f.order(t, waiting.ID).State)
	//paidの2冊だけが残る
	p := f.product(t, book.ID)
	assert.Equal(t, int64(8), p.Stock)
	assert.Equal(t, int64(0), p.Reserved)
}

// 再照会しても状態が動かない注文が先頭に居座らない
func TestSweeper_StaleBatchRotatesPastUnresolvedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 10)

	stuck := f.placeOrder(t, 1, line(book.ID, 1))
	f.startPayment(t, 1, stuck.ID)
	f.clock.Advance(time.Minute)
	abandoned := f.placeOrder(t, 2, line(book.ID, 2))
	f.startPayment(t, 2, abandoned.ID)

	f.gw.On("SearchPaymentsByReference", mock.Anything, stuck.ID).Return([]model.GatewayPayment{
		gatewayPayment("pay-wait", stuck.ID, model.PaymentStatusInProcess, 1000),
	}, nil)
	f.gw.On("SearchPaymentsByReference", mock.Anything, abandoned.ID).Return([]model.GatewayPayment{}, nil)

	sw := usecase.NewExpirationSweeper(f.deps, f.sm, f.rec, nil, usecase.SweeperConfig{
		Interval:     time.Minute,
		BatchSize:    1,
		StaleAfter:   15 * time.Minute,
		AbandonAfter: 24 * time.Hour,
	})
	f.clock.Advance(25 * time.Hour)

	rep, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reconciled)
	assert.Equal(t, model.OrderStateAwaitingPayment, f.order(t, stuck.ID).State)
	assert.NotNil(t, f.order(t, stuck.ID).LastReconciledAt)

	rep, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reconciled)
	assert.Equal(t, model.OrderStateCancelledByGateway, f.order(t, abandoned.ID).State)
	assert.Equal(t, int64(1), f.product(t, book.ID).Reserved)

	//再照会したばかりの注文は次の窓まで対象外
	rep, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Reconciled)

	f.clock.Advance(16 * time.Minute)
	rep, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reconciled)
	f.gw.AssertNumberOfCalls(t, "SearchPaymentsByReference", 3)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	sw := usecase.NewExpirationSweeper(f.deps, f.sm, nil, nil, usecase.SweeperConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
