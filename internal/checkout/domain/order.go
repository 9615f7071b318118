package domain

import "time"

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

type TransactionStatus string

const (
	TxnPending TransactionStatus = "PENDING"
	TxnSuccess TransactionStatus = "SUCCESS"
	TxnFailed  TransactionStatus = "FAILED"
)

type ShippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Order is created once per checkout attempt. Its items are an immutable
// copy of the cart at checkout time; only payment_status changes afterwards.
type Order struct {
	ID            string
	UserID        string
	CartID        *string
	TotalCents    int64
	PaymentStatus PaymentStatus
	Shipping      ShippingAddress
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	OrderID        string
	VariantID      string
	Quantity       int
	UnitPriceCents int64
}

// Transaction is one payment attempt against an order. A retried checkout
// creates a new Transaction for the same Order. RawResponse holds the last
// gateway payload and doubles as the idempotent replay body.
type Transaction struct {
	ID             string
	OrderID        string
	Provider       string
	Status         TransactionStatus
	IdempotencyKey *string
	GatewayRefID   string
	RawResponse    []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func TotalCents(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += int64(it.Quantity) * it.UnitPriceCents
	}
	return total
}
