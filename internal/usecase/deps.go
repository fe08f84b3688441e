package usecase

import (
	"time"

	repo "bookstore/internal/repository"

	"go.uber.org/zap"
)

// usecaseが使う部品一式（main.goで組み立てる）
type Deps struct {
	Tx         repo.TransactionManager
	Orders     repo.OrderRepository
	OrderItems repo.OrderItemRepository
	Payments   repo.PaymentRepository
	Ledger     repo.StockLedger
	Carts      repo.CartRepository
	CartItems  repo.CartItemRepository
	Products   repo.ProductRepository

	Gateway PaymentGateway
	Events  EventPublisher
	Metrics Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

// 未設定の部品を何もしない実装で埋める
func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
