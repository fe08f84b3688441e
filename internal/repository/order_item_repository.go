package repository

import (
	"context"

	"bookstore/internal/domain/model"
)

type OrderItemRepository interface {
	CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error
	ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error)
	// 注文に属する明細を1件削除。無ければ false。
	DeleteFromOrder(ctx context.Context, orderID int64, itemID int64) (model.OrderItem, bool, error)
}
