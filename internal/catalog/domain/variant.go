package domain

import (
	"fmt"
	"time"
)

type Format string

const (
	FormatHardcover Format = "HARDCOVER"
	FormatPaperback Format = "PAPERBACK"
	FormatEbook     Format = "EBOOK"
	FormatAudiobook Format = "AUDIOBOOK"
)

// IsPhysical reports whether this format consumes physical stock. Digital
// formats never reserve and never decrement.
func (f Format) IsPhysical() bool {
	return f == FormatHardcover || f == FormatPaperback
}

// Variant is the stock-bearing unit of a catalog item. StockQuantity is the
// number of physical units owned, ReservedQuantity the units provisionally
// held by active carts and pending orders.
type Variant struct {
	ID               string
	SKU              string
	Title            string
	Format           Format
	PriceCents       int64
	StockQuantity    int
	ReservedQuantity int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (v Variant) Available() int {
	return v.StockQuantity - v.ReservedQuantity
}

// CanReserve checks availability for a prospective hold of qty units.
func (v Variant) CanReserve(qty int) error {
	if !v.Format.IsPhysical() {
		return nil
	}
	if available := v.Available(); available < qty {
		return &StockError{VariantID: v.ID, Requested: qty, Available: available}
	}
	return nil
}

// StockError carries the exact requested vs. available quantities so the
// client can adjust instead of guessing.
type StockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}
