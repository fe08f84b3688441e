package model

import (
	"time"

	"gorm.io/gorm"
)

// 在庫はstock（保有数）とreserved（未確定注文で確保中の数）の2つで管理する。
// 0 <= reserved <= stock を常に満たす。
type Product struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string         `gorm:"type:varchar(255);not null" json:"name"`
	Price            int64          `gorm:"not null" json:"price"`
	PromotionalPrice *int64         `gorm:"column:promotional_price" json:"promotional_price,omitempty"`
	Stock            int64          `gorm:"not null;check:stock >= 0" json:"stock"`
	Reserved         int64          `gorm:"not null;default:0;check:reserved >= 0" json:"reserved"`
	IsActive         bool           `gorm:"not null;default:false" json:"is_active"`
	CreatedAt        time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// 販売可能数。カートや商品一覧にはstockではなくこちらを見せる。
func (p Product) Available() int64 {
	if p.Reserved >= p.Stock {
		return 0
	}
	return p.Stock - p.Reserved
}

// 購入時に使う単価（セール価格があればそちら）
func (p Product) EffectivePrice() int64 {
	if p.PromotionalPrice != nil && *p.PromotionalPrice >= 0 {
		return *p.PromotionalPrice
	}
	return p.Price
}
