package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CASで負けた（別の処理が先に状態を変えた）
var errStateMoved = errors.New("order state changed concurrently")

// 注文の状態遷移はすべてここを通す。
// 在庫操作は遷移表の辺に紐づき、CASに勝った呼び出しだけが同じTx内で実行する。
type OrderStateMachine struct {
	d        Deps
	attempts int
}

func NewOrderStateMachine(d Deps, attempts int) *OrderStateMachine {
	if attempts < 1 {
		attempts = 1
	}
	return &OrderStateMachine{d: d.withDefaults(), attempts: attempts}
}

type TransitionResult struct {
	Order model.Order
	From  model.OrderState
	Actor model.Actor
	// falseなら既に遷移先にいた（重複リクエスト）
	Applied bool
	Effect  model.StockEffect
}

// 注文を読み直して遷移する。CASに負けたら読み直して再判定。
func (m *OrderStateMachine) Transition(ctx context.Context, orderID int64, to model.OrderState, actor model.Actor) (TransitionResult, error) {
	var res TransitionResult
	for attempt := 0; attempt < m.attempts; attempt++ {
		err := m.d.Tx.WithinTx(ctx, func(r repo.TxRepos) error {
			o, err := r.Orders().FindByID(ctx, orderID)
			if err != nil {
				return err
			}
			res, err = m.applyTx(ctx, r, o, to, actor)
			return err
		})
		if errors.Is(err, errStateMoved) {
			continue
		}
		if err != nil {
			m.reportFailure(orderID, to, actor, err)
			return res, err
		}
		m.afterCommit(ctx, res)
		return res, nil
	}
	m.reportFailure(orderID, to, actor, errStateMoved)
	return res, fmt.Errorf("order %d: %w", orderID, errStateMoved)
}

// Tx内での遷移本体。oはこのTxで読んだもの。
func (m *OrderStateMachine) applyTx(ctx context.Context, r repo.TxRepos, o model.Order, to model.OrderState, actor model.Actor) (TransitionResult, error) {
	res := TransitionResult{Order: o, From: o.State, Actor: actor}
	if o.State == to {
		return res, nil
	}

	t, err := model.CheckTransition(o.State, to, actor)
	if err != nil {
		return res, err
	}
	now := m.d.Now()
	if to == model.OrderStateExpired && !o.IsExpired(now) {
		return res, fmt.Errorf("%w: order %d has not expired", model.ErrInvalidTransition, o.ID)
	}

	effect, stock, err := t.StockAction(o.StockStatus)
	if err != nil {
		return res, fmt.Errorf("%w: %w", repo.ErrLedgerCorrupted, err)
	}

	ok, err := r.Orders().CompareAndSetState(ctx, o.ID, repo.StateChange{
		From:        o.State,
		To:          to,
		StockStatus: stock,
		At:          now,
	})
	if err != nil {
		return res, err
	}
	if !ok {
		return res, errStateMoved
	}

	if effect != model.EffectNone {
		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return res, err
		}
		for _, it := range items {
			switch effect {
			case model.EffectCommit:
				err = r.Ledger().Commit(ctx, it.ProductID, it.Quantity)
			case model.EffectRelease:
				err = r.Ledger().Release(ctx, it.ProductID, it.Quantity)
			}
			if err != nil {
				return res, fmt.Errorf("%s product %d for order %d: %w", effect, it.ProductID, o.ID, err)
			}
		}
	}

	o.State = to
	o.StockStatus = stock
	o.UpdatedAt = now
	if to != model.OrderStatePending {
		o.ExpiresAt = nil
	}
	res.Order = o
	res.Applied = true
	res.Effect = effect
	return res, nil
}

// コミット後の通知（失敗しても遷移は取り消さない）
func (m *OrderStateMachine) afterCommit(ctx context.Context, res TransitionResult) {
	if !res.Applied {
		return
	}
	m.d.Metrics.TransitionApplied(res.From, res.Order.State, res.Actor)
	m.d.Log.Info("order state changed",
		zap.Int64("order_id", res.Order.ID),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.Order.State)),
		zap.String("actor", string(res.Actor)),
		zap.Stringer("stock_effect", res.Effect),
	)

	ev := model.OrderEvent{
		EventID:    uuid.NewString(),
		EventType:  model.EventOrderStateChanged,
		OrderID:    res.Order.ID,
		UserID:     res.Order.UserID,
		From:       res.From,
		To:         res.Order.State,
		Actor:      res.Actor,
		Stock:      res.Effect,
		TotalPrice: res.Order.TotalPrice,
		OccurredAt: res.Order.UpdatedAt,
	}
	if err := m.d.Events.Publish(ctx, ev); err != nil {
		m.d.Log.Error("publish order event failed", zap.Int64("order_id", ev.OrderID), zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

func (m *OrderStateMachine) reportFailure(orderID int64, to model.OrderState, actor model.Actor, err error) {
	fields := []zap.Field{
		zap.Int64("order_id", orderID),
		zap.String("to", string(to)),
		zap.String("actor", string(actor)),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, repo.ErrLedgerCorrupted), errors.Is(err, model.ErrStockNotReserved):
		m.d.Log.Error("stock ledger inconsistent", fields...)
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, errStateMoved):
		m.d.Metrics.TransitionRejected(actor)
		m.d.Log.Warn("order transition rejected", fields...)
	case errors.Is(err, repo.ErrNotFound):
	default:
		m.d.Log.Error("order transition failed", fields...)
	}
}

// 遷移エラーをHTTPErrorに変換
func transitionHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsHTTPError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return errNotFound()
	case errors.Is(err, model.ErrInvalidTransition):
		return errInvalidTransition(err)
	case errors.Is(err, errStateMoved):
		return wrapHTTPError(http.StatusConflict, "order was updated, please retry", err)
	case errors.Is(err, repo.ErrLedgerCorrupted):
		return wrapHTTPError(http.StatusInternalServerError, "internal error", err)
	}
	return errDB(err)
}
