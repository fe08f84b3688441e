package model_test

import (
	"testing"
	"time"

	"bookstore/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []model.OrderState{
	model.OrderStatePending,
	model.OrderStateAwaitingPayment,
	model.OrderStatePaid,
	model.OrderStateShipped,
	model.OrderStateDelivered,
	model.OrderStateCancelledByUser,
	model.OrderStateCancelledByAdmin,
	model.OrderStateCancelledByGateway,
	model.OrderStateRejected,
	model.OrderStateError,
	model.OrderStateExpired,
}

func TestCheckTransition_Table(t *testing.T) {
	tests := []struct {
		from   model.OrderState
		to     model.OrderState
		actor  model.Actor
		effect model.StockEffect
	}{
		{model.OrderStatePending, model.OrderStateAwaitingPayment, model.ActorUser, model.EffectNone},
		{model.OrderStatePending, model.OrderStateAwaitingPayment, model.ActorGateway, model.EffectNone},
		{model.OrderStatePending, model.OrderStatePaid, model.ActorGateway, model.EffectCommit},
		{model.OrderStatePending, model.OrderStateExpired, model.ActorSweeper, model.EffectRelease},
		{model.OrderStatePending, model.OrderStateCancelledByUser, model.ActorUser, model.EffectRelease},
		{model.OrderStateAwaitingPayment, model.OrderStatePaid, model.ActorGateway, model.EffectCommit},
		{model.OrderStateAwaitingPayment, model.OrderStateRejected, model.ActorGateway, model.EffectRelease},
		{model.OrderStateAwaitingPayment, model.OrderStateCancelledByGateway, model.ActorGateway, model.EffectRelease},
		{model.OrderStateAwaitingPayment, model.OrderStateError, model.ActorGateway, model.EffectRelease},
		{model.OrderStateAwaitingPayment, model.OrderStateCancelledByUser, model.ActorUser, model.EffectRelease},
		{model.OrderStatePaid, model.OrderStateShipped, model.ActorAdmin, model.EffectNone},
		{model.OrderStateShipped, model.OrderStateDelivered, model.ActorAdmin, model.EffectNone},
		{model.OrderStatePaid, model.OrderStateCancelledByAdmin, model.ActorAdmin, model.EffectRelease},
		{model.OrderStateError, model.OrderStateCancelledByAdmin, model.ActorAdmin, model.EffectRelease},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			tr, err := model.CheckTransition(tt.from, tt.to, tt.actor)
			require.NoError(t, err)
			assert.Equal(t, tt.effect, tr.Effect)
		})
	}
}

func TestCheckTransition_RejectsWrongActor(t *testing.T) {
	_, err := model.CheckTransition(model.OrderStatePending, model.OrderStatePaid, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = model.CheckTransition(model.OrderStatePending, model.OrderStateExpired, model.ActorAdmin)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = model.CheckTransition(model.OrderStatePaid, model.OrderStateShipped, model.ActorGateway)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

// 終端状態からはどこへも行けない
func TestCheckTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range allStates {
		if !model.IsTerminal(from) {
			continue
		}
		for _, to := range allStates {
			_, ok := model.LookupTransition(from, to)
			assert.False(t, ok, "%s -> %s", from, to)
		}
	}
}

// 確定（commit）後に在庫を戻す辺は無い
func TestLookupTransition_NoReleaseReachableAfterShipping(t *testing.T) {
	for _, from := range []model.OrderState{model.OrderStateShipped, model.OrderStateDelivered} {
		for _, to := range allStates {
			tr, ok := model.LookupTransition(from, to)
			if ok {
				assert.Equal(t, model.EffectNone, tr.Effect)
			}
		}
	}
}

func TestTransition_StockAction(t *testing.T) {
	commit, _ := model.LookupTransition(model.OrderStateAwaitingPayment, model.OrderStatePaid)
	release, _ := model.LookupTransition(model.OrderStatePaid, model.OrderStateCancelledByAdmin)
	none, _ := model.LookupTransition(model.OrderStatePaid, model.OrderStateShipped)

	eff, st, err := commit.StockAction(model.StockStatusReserved)
	require.NoError(t, err)
	assert.Equal(t, model.EffectCommit, eff)
	assert.Equal(t, model.StockStatusCommitted, st)

	_, _, err = commit.StockAction(model.StockStatusReleased)
	assert.ErrorIs(t, err, model.ErrStockNotReserved)

	eff, st, err = release.StockAction(model.StockStatusReserved)
	require.NoError(t, err)
	assert.Equal(t, model.EffectRelease, eff)
	assert.Equal(t, model.StockStatusReleased, st)

	//確定済みの在庫は戻さない
	eff, st, err = release.StockAction(model.StockStatusCommitted)
	require.NoError(t, err)
	assert.Equal(t, model.EffectNone, eff)
	assert.Equal(t, model.StockStatusCommitted, st)

	eff, st, err = none.StockAction(model.StockStatusCommitted)
	require.NoError(t, err)
	assert.Equal(t, model.EffectNone, eff)
	assert.Equal(t, model.StockStatusCommitted, st)
}

func TestParseOrderState(t *testing.T) {
	for _, s := range allStates {
		got, ok := model.ParseOrderState(string(s))
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := model.ParseOrderState("PAID")
	assert.False(t, ok)
	_, ok = model.ParseOrderState("")
	assert.False(t, ok)
}

// 期限ちょうどはまだ有効
func TestOrder_IsExpired(t *testing.T) {
	exp := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	o := model.Order{State: model.OrderStatePending, ExpiresAt: &exp}

	assert.False(t, o.IsExpired(exp.Add(-time.Second)))
	assert.False(t, o.IsExpired(exp))
	assert.True(t, o.IsExpired(exp.Add(time.Nanosecond)))

	o.State = model.OrderStateAwaitingPayment
	assert.False(t, o.IsExpired(exp.Add(time.Hour)))
}

func TestPaymentStatus_TargetStateAndRank(t *testing.T) {
	assert.Equal(t, model.OrderStatePaid, model.PaymentStatusApproved.TargetState())
	assert.Equal(t, model.OrderStateAwaitingPayment, model.PaymentStatusPending.TargetState())
	assert.Equal(t, model.OrderStateAwaitingPayment, model.PaymentStatusInProcess.TargetState())
	assert.Equal(t, model.OrderStateRejected, model.PaymentStatusRejected.TargetState())
	assert.Equal(t, model.OrderStateCancelledByGateway, model.PaymentStatusCancelled.TargetState())
	assert.Equal(t, model.OrderStateError, model.PaymentStatus("charged_back").TargetState())

	assert.False(t, model.PaymentStatusPending.IsTerminal())
	assert.True(t, model.PaymentStatusRejected.IsTerminal())
	assert.True(t, model.PaymentStatus("charged_back").IsTerminal())
}

func TestMostDefinitive(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, ok := model.MostDefinitive(nil)
	assert.False(t, ok)

	best, ok := model.MostDefinitive([]model.GatewayPayment{
		{ID: "1", Status: model.PaymentStatusPending, LastModified: base.Add(3 * time.Hour)},
		{ID: "2", Status: model.PaymentStatusRejected, LastModified: base},
		{ID: "3", Status: model.PaymentStatusRejected, LastModified: base.Add(time.Hour)},
	})
	require.True(t, ok)
	assert.Equal(t, "3", best.ID)

	best, _ = model.MostDefinitive([]model.GatewayPayment{
		{ID: "4", Status: model.PaymentStatusRejected, LastModified: base.Add(time.Hour)},
		{ID: "5", Status: model.PaymentStatusApproved, LastModified: base},
	})
	assert.Equal(t, "5", best.ID)
}

func TestProduct_AvailableAndEffectivePrice(t *testing.T) {
	promo := int64(800)
	p := model.Product{Price: 1000, Stock: 5, Reserved: 2}
	assert.Equal(t, int64(3), p.Available())
	assert.Equal(t, int64(1000), p.EffectivePrice())

	p.PromotionalPrice = &promo
	assert.Equal(t, int64(800), p.EffectivePrice())

	p.Reserved = 5
	assert.Equal(t, int64(0), p.Available())
}
