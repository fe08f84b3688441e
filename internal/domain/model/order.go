package model

import "time"

type OrderState string

const (
	OrderStatePending            OrderState = "pending"
	OrderStateAwaitingPayment    OrderState = "awaiting_payment"
	OrderStatePaid               OrderState = "paid"
	OrderStateShipped            OrderState = "shipped"
	OrderStateDelivered          OrderState = "delivered"
	OrderStateCancelledByUser    OrderState = "cancelled_by_user"
	OrderStateCancelledByAdmin   OrderState = "cancelled_by_admin"
	OrderStateCancelledByGateway OrderState = "cancelled_by_gateway"
	OrderStateRejected           OrderState = "rejected"
	OrderStateError              OrderState = "error"
	OrderStateExpired            OrderState = "expired"
)

// 注文が確保している在庫の扱い。どの在庫操作が既に走ったかを記録する。
type StockStatus string

const (
	StockStatusReserved  StockStatus = "RESERVED"
	StockStatusCommitted StockStatus = "COMMITTED"
	StockStatusReleased  StockStatus = "RELEASED"
)

// 注文時点の配送先（住所テーブルは参照せずコピーを持つ）
type ShippingAddress struct {
	Name       string `gorm:"type:varchar(255);not null" json:"name"`
	PostalCode string `gorm:"type:varchar(20);not null" json:"postal_code"`
	Region     string `gorm:"type:varchar(100);not null" json:"region"`
	City       string `gorm:"type:varchar(255);not null" json:"city"`
	Line1      string `gorm:"type:varchar(255);not null" json:"line1"`
	Line2      string `gorm:"type:varchar(255)" json:"line2"`
	Phone      string `gorm:"type:varchar(30)" json:"phone"`
}

type Order struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64           `gorm:"not null;index;uniqueIndex:idx_orders_user_idem" json:"user_id"`
	State           OrderState      `gorm:"type:varchar(32);not null;index" json:"state"`
	StockStatus     StockStatus     `gorm:"type:varchar(20);not null" json:"-"`
	ShippingAddress ShippingAddress `gorm:"embedded;embeddedPrefix:ship_" json:"shipping_address"`
	TotalPrice      int64           `gorm:"not null" json:"total_price"`
	IdempotencyKey  string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_orders_user_idem" json:"-"`
	PreferenceID    string          `gorm:"type:varchar(255)" json:"-"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null;index" json:"updated_at"`
	// pendingの間だけ値を持つ
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	// 明細をカートへ戻した時刻。戻すのは1回だけ。
	CartRestoredAt *time.Time `json:"-"`
	// 放置注文を最後に再照会した時刻
	LastReconciledAt *time.Time `gorm:"index" json:"-"`
}

// 期限切れ判定。期限ちょうどはまだ有効。
func (o Order) IsExpired(now time.Time) bool {
	return o.State == OrderStatePending && o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}
