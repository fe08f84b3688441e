package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookstore/internal/domain/model"
	"bookstore/internal/infra/memory"
	repo "bookstore/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 並行に確保しても在庫を超えない
func TestLedger_Reserve_NoOverselling(t *testing.T) {
	s := memory.NewStore()
	p := s.SeedProduct(model.Product{Name: "A", Price: 100, Stock: 10, IsActive: true})
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Ledger().Reserve(ctx, p.ID, 1)
			assert.NoError(t, err)
			if got {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	after, _ := s.Product(p.ID)
	assert.Equal(t, int64(10), after.Reserved)
	assert.Equal(t, int64(10), after.Stock)
}

// 0以下の確保は在庫を動かさずにエラー
func TestLedger_Reserve_RejectsNonPositiveQuantity(t *testing.T) {
	s := memory.NewStore()
	p := s.SeedProduct(model.Product{Name: "A", Price: 100, Stock: 5, Reserved: 2})
	ctx := context.Background()

	for _, qty := range []int64{0, -3} {
		ok, err := s.Ledger().Reserve(ctx, p.ID, qty)
		assert.Error(t, err)
		assert.False(t, ok)
	}
	after, _ := s.Product(p.ID)
	assert.Equal(t, int64(2), after.Reserved)
	assert.Equal(t, int64(5), after.Stock)
}

func TestLedger_ReleaseCommit(t *testing.T) {
	s := memory.NewStore()
	p := s.SeedProduct(model.Product{Name: "A", Price: 100, Stock: 5, Reserved: 3})
	ctx := context.Background()

	require.NoError(t, s.Ledger().Commit(ctx, p.ID, 2))
	after, _ := s.Product(p.ID)
	assert.Equal(t, int64(3), after.Stock)
	assert.Equal(t, int64(1), after.Reserved)

	//確保数を超えるcommitは不整合
	assert.ErrorIs(t, s.Ledger().Commit(ctx, p.ID, 2), repo.ErrLedgerCorrupted)

	//releaseは0で止まる
	require.NoError(t, s.Ledger().Release(ctx, p.ID, 5))
	after, _ = s.Product(p.ID)
	assert.Equal(t, int64(0), after.Reserved)

	n, err := s.Ledger().Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Ledger().Reserve(ctx, 999, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLedger_SetStock_BelowReserved(t *testing.T) {
	s := memory.NewStore()
	p := s.SeedProduct(model.Product{Name: "A", Stock: 5, Reserved: 3})
	ctx := context.Background()

	_, err := s.Ledger().SetStock(ctx, p.ID, 2)
	assert.ErrorIs(t, err, repo.ErrStockBelowReserved)

	before, err := s.Ledger().SetStock(ctx, p.ID, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(5), before)
}

// エラーで抜けたらtx内の変更は残らない
func TestStore_WithinTx_RollsBackOnError(t *testing.T) {
	s := memory.NewStore()
	p := s.SeedProduct(model.Product{Name: "A", Stock: 5})
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(r repo.TxRepos) error {
		ok, err := r.Ledger().Reserve(context.Background(), p.ID, 2)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, _ := s.Product(p.ID)
	assert.Equal(t, int64(0), after.Reserved)
}

func TestStore_WithinTx_CanceledContext(t *testing.T) {
	s := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithinTx(ctx, func(r repo.TxRepos) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

// CASは期待する状態のときだけ書く
func TestOrders_CompareAndSetState(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exp := now.Add(30 * time.Minute)

	id, err := s.Orders().Create(ctx, model.Order{
		UserID: 1, State: model.OrderStatePending, StockStatus: model.StockStatusReserved,
		IdempotencyKey: "k1", CreatedAt: now, UpdatedAt: now, ExpiresAt: &exp,
	})
	require.NoError(t, err)

	_, err = s.Orders().Create(ctx, model.Order{UserID: 1, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, repo.ErrDuplicate)

	ch := repo.StateChange{
		From: model.OrderStatePending, To: model.OrderStateExpired,
		StockStatus: model.StockStatusReleased, At: now.Add(time.Hour),
	}
	ok, err := s.Orders().CompareAndSetState(ctx, id, ch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Orders().CompareAndSetState(ctx, id, ch)
	require.NoError(t, err)
	assert.False(t, ok)

	o, _ := s.Order(id)
	assert.Equal(t, model.OrderStateExpired, o.State)
	assert.Equal(t, model.StockStatusReleased, o.StockStatus)
	assert.Nil(t, o.ExpiresAt)
}

func TestOrders_MarkCartRestored_Once(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.Orders().Create(ctx, model.Order{UserID: 1, State: model.OrderStateCancelledByUser, IdempotencyKey: "k1", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Orders().MarkCartRestored(ctx, id, now)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	_, err = s.Orders().MarkCartRestored(ctx, 999, now)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOrders_ListStaleAwaitingPayment_SkipsRecentlyReconciled(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	older, err := s.Orders().Create(ctx, model.Order{UserID: 1, State: model.OrderStateAwaitingPayment, IdempotencyKey: "a", CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	newer, err := s.Orders().Create(ctx, model.Order{UserID: 2, State: model.OrderStateAwaitingPayment, IdempotencyKey: "b", CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	before := t0.Add(time.Hour)
	got, err := s.Orders().ListStaleAwaitingPayment(ctx, before, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, older, got[0].ID)

	require.NoError(t, s.Orders().MarkReconciled(ctx, older, before.Add(time.Minute)))
	got, err = s.Orders().ListStaleAwaitingPayment(ctx, before, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer, got[0].ID)

	//窓を過ぎれば最後に再照会した時刻の順で戻ってくる
	got, err = s.Orders().ListStaleAwaitingPayment(ctx, before.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer, got[0].ID)
	assert.Equal(t, older, got[1].ID)

	assert.ErrorIs(t, s.Orders().MarkReconciled(ctx, 999, before), repo.ErrNotFound)
}

// 同じexternal_idは1行にまとまる
func TestPayments_UpsertByExternalID(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	first, err := s.Payments().Upsert(ctx, model.Payment{OrderID: 1, ExternalID: "p-1", Status: model.PaymentStatusPending, Amount: 100})
	require.NoError(t, err)
	second, err := s.Payments().Upsert(ctx, model.Payment{OrderID: 1, ExternalID: "p-1", Status: model.PaymentStatusApproved, Amount: 100})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, s.PaymentsOf(1), 1)
	assert.Equal(t, model.PaymentStatusApproved, s.PaymentsOf(1)[0].Status)

	require.NoError(t, s.Payments().MarkAuthoritative(ctx, 1, first.ID))
	got, found, err := s.Payments().FindAuthoritativeByOrderID(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p-1", got.ExternalID)
}
