package domain

import "time"

const (
	EventOrderPaid          = "order.paid"
	EventOrderPaymentFailed = "order.payment_failed"
	EventOrderTimedOut      = "order.timed_out"
)

type OrderPaidEvent struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	TotalCents    int64     `json:"total_cents"`
	PaidAt        time.Time `json:"paid_at"`
}

type OrderPaymentFailedEvent struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	Provider      string    `json:"provider"`
	FailedAt      time.Time `json:"failed_at"`
}

type OrderTimedOutEvent struct {
	OrderID    string    `json:"order_id"`
	TimedOutAt time.Time `json:"timed_out_at"`
}
