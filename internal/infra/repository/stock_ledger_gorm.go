package repository

import (
	"context"
	"fmt"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 在庫台帳のGORM実装。1行の条件付きUPDATEで原子的に数える。
// 論理削除された商品も既存注文の精算のため対象にする（Unscoped）。
type StockLedgerGormRepository struct {
	db *gorm.DB
}

func NewStockLedgerGormRepository(db *gorm.DB) *StockLedgerGormRepository {
	return &StockLedgerGormRepository{db: db}
}

func (r *StockLedgerGormRepository) products(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Unscoped().Model(&model.Product{})
}

// 空きが qty 以上あるときだけ確保する
func (r *StockLedgerGormRepository) Reserve(ctx context.Context, productID int64, qty int64) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("reserve: invalid quantity %d", qty)
	}
	res := r.products(ctx).
		Where("id = ? AND stock - reserved >= ?", productID, qty).
		UpdateColumn("reserved", gorm.Expr("reserved + ?", qty))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// 商品が無いのか在庫不足なのかを区別する
	if _, err := r.find(ctx, productID); err != nil {
		return false, err
	}
	return false, nil
}

// 確保の解除（0で止める）
func (r *StockLedgerGormRepository) Release(ctx context.Context, productID int64, qty int64) error {
	res := r.products(ctx).
		Where("id = ?", productID).
		UpdateColumn("reserved", gorm.Expr("GREATEST(reserved - ?, 0)", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// 確保分を販売済みにする
func (r *StockLedgerGormRepository) Commit(ctx context.Context, productID int64, qty int64) error {
	res := r.products(ctx).
		Where("id = ? AND reserved >= ? AND stock >= ?", productID, qty, qty).
		UpdateColumns(map[string]interface{}{
			"stock":    gorm.Expr("stock - ?", qty),
			"reserved": gorm.Expr("reserved - ?", qty),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.find(ctx, productID); err != nil {
			return err
		}
		return fmt.Errorf("%w: commit product=%d qty=%d", repo.ErrLedgerCorrupted, productID, qty)
	}
	return nil
}

func (r *StockLedgerGormRepository) Available(ctx context.Context, productID int64) (int64, error) {
	p, err := r.find(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.Available(), nil
}

// 在庫の現在値を設定する。行ロックで前の値を読み、reserved未満は拒否。
func (r *StockLedgerGormRepository) SetStock(ctx context.Context, productID int64, newStock int64) (int64, error) {
	var before int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Product
		err := tx.Unscoped().
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, productID).Error
		if isNotFound(err) {
			return repo.ErrNotFound
		}
		if err != nil {
			return err
		}
		if newStock < p.Reserved {
			return repo.ErrStockBelowReserved
		}
		before = p.Stock

		return tx.Unscoped().Model(&model.Product{}).
			Where("id = ?", productID).
			UpdateColumn("stock", newStock).Error
	})
	if err != nil {
		return 0, err
	}
	return before, nil
}

// 調整履歴作成
func (r *StockLedgerGormRepository) CreateAdjustment(ctx context.Context, adj model.InventoryAdjustment) error {
	return r.db.WithContext(ctx).Create(&adj).Error
}

func (r *StockLedgerGormRepository) find(ctx context.Context, productID int64) (model.Product, error) {
	var p model.Product
	err := r.db.WithContext(ctx).Unscoped().First(&p, productID).Error
	if isNotFound(err) {
		return model.Product{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Product{}, err
	}
	return p, nil
}
