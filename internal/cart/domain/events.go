package domain

import "time"

const EventCartAbandoned = "cart.abandoned"

type CartAbandonedEvent struct {
	CartID      string    `json:"cart_id"`
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandoned_at"`
}
