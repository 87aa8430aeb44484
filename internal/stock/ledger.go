package stock

import (
	"errors"

	"stock_reserve/internal/model"

	"gorm.io/gorm"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrVariantNotFound = errors.New("variant not found")
)

// Ledger derives available-to-sell quantity. It never mutates anything
// and never caches: every read happens on the *gorm.DB handle the caller
// passes in, so a reservation attempt sees availability under its own
// transaction's isolation.
type Ledger struct{}

func NewLedger() *Ledger { return &Ledger{} }

// AvailableStock returns physical stock minus the sum of active
// reservation quantities for the product (or the variant, when given).
func (l *Ledger) AvailableStock(tx *gorm.DB, productID uint, variantID *uint) (int64, error) {
	physical, err := l.PhysicalStock(tx, productID, variantID)
	if err != nil {
		return 0, err
	}
	reserved, err := l.ActiveReserved(tx, productID, variantID)
	if err != nil {
		return 0, err
	}
	return physical - reserved, nil
}

// PhysicalStock reads the on-hand quantity of the product or variant row.
func (l *Ledger) PhysicalStock(tx *gorm.DB, productID uint, variantID *uint) (int64, error) {
	if variantID != nil {
		var v model.Variant
		if err := tx.Where("product_id = ?", productID).First(&v, *variantID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, ErrVariantNotFound
			}
			return 0, err
		}
		return v.Stock, nil
	}
	var p model.Product
	if err := tx.First(&p, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrProductNotFound
		}
		return 0, err
	}
	return p.Stock, nil
}

// ActiveReserved sums the quantities of currently active reservations
// for the product/variant.
func (l *Ledger) ActiveReserved(tx *gorm.DB, productID uint, variantID *uint) (int64, error) {
	q := tx.Model(&model.Reservation{}).
		Where("product_id = ? AND status = ?", productID, model.ReservationActive)
	if variantID != nil {
		q = q.Where("variant_id = ?", *variantID)
	} else {
		q = q.Where("variant_id IS NULL")
	}
	var sum int64
	// COALESCE: SUM over zero rows is NULL in sqlite.
	if err := q.Select("COALESCE(SUM(quantity), 0)").Scan(&sum).Error; err != nil {
		return 0, err
	}
	return sum, nil
}
