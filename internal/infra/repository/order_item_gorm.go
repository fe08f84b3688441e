package repository

import (
	"context"

	"bookstore/internal/domain/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderItemGormRepository struct {
	db *gorm.DB
}

func NewOrderItemGormRepository(db *gorm.DB) *OrderItemGormRepository {
	return &OrderItemGormRepository{db: db}
}

func (r *OrderItemGormRepository) CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].OrderID = orderID
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *OrderItemGormRepository) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	var items []model.OrderItem
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id asc").Find(&items).Error
	if err != nil {
		return []model.OrderItem{}, err
	}
	return items, nil
}

// 削除した明細を返す（RETURNINGで読み直しを省く）
func (r *OrderItemGormRepository) DeleteFromOrder(ctx context.Context, orderID int64, itemID int64) (model.OrderItem, bool, error) {
	var deleted []model.OrderItem
	res := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND order_id = ?", itemID, orderID).
		Delete(&deleted)
	if res.Error != nil {
		return model.OrderItem{}, false, res.Error
	}
	if res.RowsAffected == 0 || len(deleted) == 0 {
		return model.OrderItem{}, false, nil
	}
	return deleted[0], true, nil
}
