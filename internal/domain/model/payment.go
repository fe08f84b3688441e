package model

import "time"

// 決済代行から返ってくる決済ステータス
type PaymentStatus string

const (
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusInProcess PaymentStatus = "in_process"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// pending/in_process以外は確定扱い（未知の値も含む）
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusInProcess, "":
		return false
	}
	return true
}

// 確からしさの順位。大きいほど決定的。
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentStatusApproved:
		return 3
	case PaymentStatusPending, PaymentStatusInProcess:
		return 1
	case "":
		return 0
	}
	return 2
}

// 決済ステータスに対応する注文の遷移先
func (s PaymentStatus) TargetState() OrderState {
	switch s {
	case PaymentStatusApproved:
		return OrderStatePaid
	case PaymentStatusPending, PaymentStatusInProcess:
		return OrderStateAwaitingPayment
	case PaymentStatusRejected:
		return OrderStateRejected
	case PaymentStatusCancelled:
		return OrderStateCancelledByGateway
	}
	return OrderStateError
}

// 決済レコード。external_id（決済代行側の決済ID）で一意。
// 注文ごとにauthoritative=trueは最大1件。
type Payment struct {
	ID            int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       int64         `gorm:"not null;index" json:"order_id"`
	ExternalID    string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"external_id"`
	Status        PaymentStatus `gorm:"type:varchar(32);not null" json:"status"`
	Amount        int64         `gorm:"not null" json:"amount"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	Authoritative bool          `gorm:"not null;default:false" json:"authoritative"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null" json:"updated_at"`
}

// 決済代行への照会結果
type GatewayPayment struct {
	ID                string
	Status            PaymentStatus
	StatusDetail      string
	ExternalReference string
	Amount            int64
	ApprovedAt        *time.Time
	LastModified      time.Time
}

type GatewayMerchantOrder struct {
	ID                string
	ExternalReference string
	Payments          []GatewayPayment
}

// 複数の決済から一番決定的なものを選ぶ（同順位なら新しい方）
func MostDefinitive(payments []GatewayPayment) (GatewayPayment, bool) {
	var best GatewayPayment
	found := false
	for _, p := range payments {
		if !found ||
			p.Status.Rank() > best.Status.Rank() ||
			(p.Status.Rank() == best.Status.Rank() && p.LastModified.After(best.LastModified)) {
			best = p
			found = true
		}
	}
	return best, found
}

type PreferenceItem struct {
	Title     string
	Quantity  int64
	UnitPrice int64
}

// 決済開始リクエスト
type PreferenceRequest struct {
	OrderID        int64
	Items          []PreferenceItem
	IdempotencyKey string
}

type Preference struct {
	ID          string
	RedirectURL string
}
