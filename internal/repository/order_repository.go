package repository

import (
	"context"
	"time"

	"bookstore/internal/domain/model"
)

type AdminOrderListFilter struct {
	Page   int
	Limit  int
	State  string
	UserID *int64
	From   *time.Time
	To     *time.Time
}

// 状態の比較更新（CAS）で渡す内容
type StateChange struct {
	From        model.OrderState
	To          model.OrderState
	StockStatus model.StockStatus
	At          time.Time
}

type OrderRepository interface {
	FindByID(ctx context.Context, orderID int64) (model.Order, error)
	ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error)
	Create(ctx context.Context, order model.Order) (int64, error)

	//検索（同じキーなら同じ結果を返す）
	FindByIdempotencyKey(ctx context.Context, userID int64, key string) (model.Order, bool, error)
	//管理者用の注文一覧
	ListAdmin(ctx context.Context, f AdminOrderListFilter) ([]model.Order, int64, error)

	// state = ch.From のときだけ ch.To に更新する。更新できたら true。
	// pending以外へ移るときはexpires_atを消す。
	CompareAndSetState(ctx context.Context, orderID int64, ch StateChange) (bool, error)

	// pendingの間だけ合計金額を delta 分変える。pendingでなければ false。
	AdjustPendingTotal(ctx context.Context, orderID int64, delta int64, at time.Time) (bool, error)

	// 決済開始時の preference id を保存
	SetPreferenceID(ctx context.Context, orderID int64, preferenceID string) error

	// 期限切れのpending注文（expires_at < now）
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Order, error)

	// before以降更新も再照会もされていないawaiting_payment注文。
	// 最後に触れた時刻（再照会 or 更新）が古い順。
	ListStaleAwaitingPayment(ctx context.Context, before time.Time, limit int) ([]model.Order, error)

	// 再照会した時刻を残す。updated_atは変えない。
	MarkReconciled(ctx context.Context, orderID int64, at time.Time) error

	// カートへ戻した印を付ける。既に付いていれば false。
	MarkCartRestored(ctx context.Context, orderID int64, at time.Time) (bool, error)
}
