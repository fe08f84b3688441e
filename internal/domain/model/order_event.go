package model

import "time"

const EventOrderStateChanged = "order.state_changed"

// 注文の状態遷移イベント。遷移がコミットされた後に発行する。
type OrderEvent struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	OrderID    int64       `json:"order_id"`
	UserID     int64       `json:"user_id"`
	From       OrderState  `json:"from"`
	To         OrderState  `json:"to"`
	Actor      Actor       `json:"actor"`
	Stock      StockEffect `json:"-"`
	TotalPrice int64       `json:"total_price"`
	OccurredAt time.Time   `json:"occurred_at"`
}
