package model

import (
	"time"

	"gorm.io/gorm"
)

// Product is a sellable catalog item. Stock is the physical on-hand
// quantity; it is only decremented by a committed reservation and
// incremented by restock or post-commit cancellation compensation.
// Availability is never stored; it is derived per transaction from
// Stock minus the sum of active reservations.
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name       string `gorm:"size:128;not null" json:"name"`
	Stock      int64  `gorm:"not null;default:0" json:"stock"`
	PriceCents int64  `gorm:"not null" json:"price_cents"`
}

func (Product) TableName() string { return "products" }

// Variant is an optional sub-item of a product (size, color) that owns
// its physical stock independently. A reservation against a variant
// checks and decrements the variant row, not the parent product.
type Variant struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProductID  uint   `gorm:"not null;index" json:"product_id"`
	SKU        string `gorm:"size:64;uniqueIndex;not null" json:"sku"`
	Stock      int64  `gorm:"not null;default:0" json:"stock"`
	PriceCents int64  `gorm:"not null" json:"price_cents"`
}

func (Variant) TableName() string { return "variants" }
