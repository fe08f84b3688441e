package model

import "time"

// 注文明細。単価と商品名は注文作成時点のスナップショットで、以後変わらない。
type OrderItem struct {
	ID                  int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID             int64     `gorm:"not null;index" json:"order_id"`
	ProductID           int64     `gorm:"not null;index" json:"product_id"`
	ProductNameSnapshot string    `gorm:"type:varchar(255);not null" json:"product_name_snapshot"`
	UnitPriceAtPurchase int64     `gorm:"not null" json:"unit_price_at_purchase"`
	Quantity            int64     `gorm:"not null" json:"quantity"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}

func (it OrderItem) Subtotal() int64 {
	return it.UnitPriceAtPurchase * it.Quantity
}

func OrderTotal(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Subtotal()
	}
	return total
}
