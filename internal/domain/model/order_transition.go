package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	// commit対象の在庫が確保状態になかった（データ不整合）
	ErrStockNotReserved = errors.New("order stock is not reserved")
)

// 遷移を起こす主体
type Actor string

const (
	ActorUser    Actor = "user"
	ActorAdmin   Actor = "admin"
	ActorGateway Actor = "gateway"
	ActorSweeper Actor = "sweeper"
)

// 遷移の辺に紐づく在庫操作
type StockEffect int

const (
	EffectNone StockEffect = iota
	EffectCommit
	EffectRelease
)

func (e StockEffect) String() string {
	switch e {
	case EffectCommit:
		return "commit"
	case EffectRelease:
		return "release"
	default:
		return "none"
	}
}

type Transition struct {
	From   OrderState
	To     OrderState
	Effect StockEffect
	actors []Actor
}

func (t Transition) AllowedFor(a Actor) bool {
	for _, x := range t.actors {
		if x == a {
			return true
		}
	}
	return false
}

// 現在の在庫ステータスから、実際に行う在庫操作と遷移後の在庫ステータスを決める。
// releaseは確保中のときだけ走る。commitは確保中でなければ不整合。
func (t Transition) StockAction(cur StockStatus) (StockEffect, StockStatus, error) {
	switch t.Effect {
	case EffectCommit:
		if cur != StockStatusReserved {
			return EffectNone, cur, fmt.Errorf("%w: %s -> %s with stock %s", ErrStockNotReserved, t.From, t.To, cur)
		}
		return EffectCommit, StockStatusCommitted, nil
	case EffectRelease:
		if cur != StockStatusReserved {
			return EffectNone, cur, nil
		}
		return EffectRelease, StockStatusReleased, nil
	default:
		return EffectNone, cur, nil
	}
}

func edge(from, to OrderState, effect StockEffect, actors ...Actor) (Transition, bool) {
	return Transition{From: from, To: to, Effect: effect, actors: actors}, true
}

// 遷移表。ここに無い組み合わせはすべて不正。
func LookupTransition(from, to OrderState) (Transition, bool) {
	switch from {
	case OrderStatePending:
		switch to {
		case OrderStateAwaitingPayment:
			return edge(from, to, EffectNone, ActorUser, ActorGateway)
		case OrderStatePaid:
			return edge(from, to, EffectCommit, ActorGateway)
		case OrderStateExpired:
			return edge(from, to, EffectRelease, ActorSweeper)
		case OrderStateCancelledByUser:
			return edge(from, to, EffectRelease, ActorUser)
		}
	case OrderStateAwaitingPayment:
		switch to {
		case OrderStatePaid:
			return edge(from, to, EffectCommit, ActorGateway)
		case OrderStateRejected, OrderStateCancelledByGateway, OrderStateError:
			return edge(from, to, EffectRelease, ActorGateway)
		case OrderStateCancelledByUser:
			return edge(from, to, EffectRelease, ActorUser)
		}
	case OrderStatePaid:
		switch to {
		case OrderStateShipped:
			return edge(from, to, EffectNone, ActorAdmin)
		case OrderStateCancelledByAdmin:
			return edge(from, to, EffectRelease, ActorAdmin)
		}
	case OrderStateShipped:
		if to == OrderStateDelivered {
			return edge(from, to, EffectNone, ActorAdmin)
		}
	case OrderStateError:
		if to == OrderStateCancelledByAdmin {
			return edge(from, to, EffectRelease, ActorAdmin)
		}
	case OrderStateDelivered,
		OrderStateCancelledByUser,
		OrderStateCancelledByAdmin,
		OrderStateCancelledByGateway,
		OrderStateRejected,
		OrderStateExpired:
		// 終端
	}
	return Transition{}, false
}

// 遷移可否の確認。主体まで見る。
func CheckTransition(from, to OrderState, actor Actor) (Transition, error) {
	t, ok := LookupTransition(from, to)
	if !ok || !t.AllowedFor(actor) {
		return Transition{}, fmt.Errorf("%w: %s -> %s by %s", ErrInvalidTransition, from, to, actor)
	}
	return t, nil
}

func IsTerminal(s OrderState) bool {
	switch s {
	case OrderStateDelivered,
		OrderStateCancelledByUser,
		OrderStateCancelledByAdmin,
		OrderStateCancelledByGateway,
		OrderStateRejected,
		OrderStateExpired:
		return true
	}
	return false
}

func ParseOrderState(s string) (OrderState, bool) {
	switch st := OrderState(s); st {
	case OrderStatePending,
		OrderStateAwaitingPayment,
		OrderStatePaid,
		OrderStateShipped,
		OrderStateDelivered,
		OrderStateCancelledByUser,
		OrderStateCancelledByAdmin,
		OrderStateCancelledByGateway,
		OrderStateRejected,
		OrderStateError,
		OrderStateExpired:
		return st, true
	}
	return "", false
}
