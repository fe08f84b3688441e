package repository

import (
	"bookstore/internal/domain/model"
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// 商品の永続化（保存・取得）だけを約束。在庫カウンタはStockLedger経由でのみ変える。
type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (model.Product, error)
	FindByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error)
	Create(ctx context.Context, p model.Product) (model.Product, error)
	// 価格の変更（既存注文には影響しない）
	UpdatePrice(ctx context.Context, id int64, price int64, promotionalPrice *int64) error
}
