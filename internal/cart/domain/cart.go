package domain

import (
	"errors"
	"time"
)

type CartStatus string

const (
	CartActive    CartStatus = "ACTIVE"
	CartCheckout  CartStatus = "CHECKOUT"
	CartCompleted CartStatus = "COMPLETED"
	CartAbandoned CartStatus = "ABANDONED"
)

var validNext = map[CartStatus]map[CartStatus]bool{
	CartActive:    {CartCheckout: true, CartAbandoned: true},
	CartCheckout:  {CartActive: true, CartCompleted: true, CartAbandoned: true},
	CartCompleted: {},
	CartAbandoned: {},
}

func CanTransition(from, to CartStatus) bool {
	return validNext[from][to]
}

var ErrInvalidIdentity = errors.New("identity must carry exactly one of user id or session id")

// Identity is the opaque cart-ownership key: an authenticated user id or a
// guest session id, never both.
type Identity struct {
	UserID    string
	SessionID string
}

func UserIdentity(userID string) Identity    { return Identity{UserID: userID} }
func GuestIdentity(sessionID string) Identity { return Identity{SessionID: sessionID} }

func (i Identity) Validate() error {
	if (i.UserID == "") == (i.SessionID == "") {
		return ErrInvalidIdentity
	}
	return nil
}

func (i Identity) IsUser() bool { return i.UserID != "" }

// Key is a stable cache key for this identity.
func (i Identity) Key() string {
	if i.IsUser() {
		return "user:" + i.UserID
	}
	return "session:" + i.SessionID
}

type Cart struct {
	ID                string
	UserID            *string
	SessionID         *string
	Status            CartStatus
	CheckoutStartedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdentityKey is the cache key of whoever owns this cart.
func (c Cart) IdentityKey() string {
	var id Identity
	if c.UserID != nil {
		id.UserID = *c.UserID
	}
	if c.SessionID != nil {
		id.SessionID = *c.SessionID
	}
	return id.Key()
}

// CartItem references one variant. UnitPriceCents is a snapshot taken at
// add time and never re-read from the catalog. IsStockReserved records
// whether the item currently holds a live reservation; an expiry sweep may
// flip it to false while the cart stays ACTIVE.
type CartItem struct {
	ID              string
	CartID          string
	VariantID       string
	Quantity        int
	UnitPriceCents  int64
	IsStockReserved bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SnapshotItem struct {
	ItemID          string `json:"item_id"`
	VariantID       string `json:"variant_id"`
	Title           string `json:"title"`
	Format          string `json:"format"`
	Quantity        int    `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	LineTotalCents  int64  `json:"line_total_cents"`
	IsStockReserved bool   `json:"is_stock_reserved"`
}

// Snapshot is the cart view returned by every mutation.
type Snapshot struct {
	CartID        string         `json:"cart_id"`
	Status        CartStatus     `json:"status"`
	Items         []SnapshotItem `json:"items"`
	SubtotalCents int64          `json:"subtotal_cents"`
	TotalCents    int64          `json:"total_cents"`
}

// NewSnapshot totals the line items. Total currently equals subtotal;
// shipping and promotions are priced downstream.
func NewSnapshot(cart Cart, items []SnapshotItem) Snapshot {
	var subtotal int64
	for i := range items {
		items[i].LineTotalCents = int64(items[i].Quantity) * items[i].UnitPriceCents
		subtotal += items[i].LineTotalCents
	}
	return Snapshot{
		CartID:        cart.ID,
		Status:        cart.Status,
		Items:         items,
		SubtotalCents: subtotal,
		TotalCents:    subtotal,
	}
}
