package repository

import (
	"bookstore/internal/domain/model"
	"context"
	"errors"
)

// commit/setStockの前提が崩れている（reservedが足りない等）。運用者の確認が必要。
var ErrLedgerCorrupted = errors.New("stock ledger corrupted")

// 在庫を減らしすぎる設定（reserved未満）
var ErrStockBelowReserved = errors.New("stock below reserved")

// 商品ごとの在庫台帳。各操作は1商品の(stock, reserved)に対して原子的。
type StockLedger interface {
	// stock - reserved >= qty のときだけ reserved を増やす。足りなければ false。
	Reserve(ctx context.Context, productID int64, qty int64) (bool, error)

	// reserved を減らす（0未満にはしない）
	Release(ctx context.Context, productID int64, qty int64) error

	// 確保分を確定させる（stock, reserved の両方を減らす）
	Commit(ctx context.Context, productID int64, qty int64) error

	// 販売可能数（stock - reserved）
	Available(ctx context.Context, productID int64) (int64, error)

	// 管理者の在庫設定。reserved未満はErrStockBelowReserved。変更前のstockを返す。
	SetStock(ctx context.Context, productID int64, newStock int64) (int64, error)

	// 調整履歴作成
	CreateAdjustment(ctx context.Context, adjustment model.InventoryAdjustment) error
}
