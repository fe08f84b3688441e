package usecase

import (
	"context"
	"errors"
	"time"

	"bookstore/internal/domain/model"
)

// 決済代行に該当する決済・注文が無い（IDが偽物など）
var ErrGatewayNotFound = errors.New("gateway resource not found")

// 外部の決済代行（MercadoPago形式）
type PaymentGateway interface {
	// 決済を開始してリダイレクト先を返す
	CreatePreference(ctx context.Context, req model.PreferenceRequest) (model.Preference, error)
	GetPayment(ctx context.Context, paymentID string) (model.GatewayPayment, error)
	GetMerchantOrder(ctx context.Context, merchantOrderID string) (model.GatewayMerchantOrder, error)
	// external_reference（=注文ID）で決済を検索
	SearchPaymentsByReference(ctx context.Context, orderID int64) ([]model.GatewayPayment, error)
}

// 状態遷移イベントの発行先。遷移のコミット後に呼ぶ。
type EventPublisher interface {
	Publish(ctx context.Context, ev model.OrderEvent) error
}

// 期限切れ処理を1プロセスだけで走らせるためのリース
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

type Metrics interface {
	ReservationFailed(productID int64)
	TransitionApplied(from, to model.OrderState, actor model.Actor)
	TransitionRejected(actor model.Actor)
	ReconcileOutcome(outcome VerifyOutcome)
	SweepCompleted(expired int, reconciled int, took time.Duration)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.OrderEvent) error { return nil }

type nopLease struct{}

func (nopLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }
func (nopLease) Release(context.Context) error                       { return nil }

// リース無し（単一インスタンス）
func NopLease() Lease { return nopLease{} }

type nopMetrics struct{}

func (nopMetrics) ReservationFailed(int64) {}
func (nopMetrics) TransitionApplied(model.OrderState, model.OrderState, model.Actor) {}
func (nopMetrics) TransitionRejected(model.Actor) {}
func (nopMetrics) ReconcileOutcome(VerifyOutcome) {}
func (nopMetrics) SweepCompleted(int, int, time.Duration) {}
