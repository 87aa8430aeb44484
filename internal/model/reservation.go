package model

import (
	"time"

	"gorm.io/gorm"
)

// ReservationStatus is the lifecycle state of a stock hold.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"    // counted against available stock
	ReservationCommitted ReservationStatus = "committed" // converted to a physical deduction
	ReservationReleased  ReservationStatus = "released"  // voluntarily cancelled before commit
	ReservationExpired   ReservationStatus = "expired"   // TTL elapsed, reclaimed by the sweep
)

// Terminal reports whether the status permits no further transition.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationActive
}

// Reservation is a time-bounded hold of Quantity units on a product
// (optionally a specific variant). Quantity is immutable after creation;
// only Status moves, and only away from active. The stock ledger counts
// active rows only.
type Reservation struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ReservationID string            `gorm:"size:64;uniqueIndex;not null" json:"reservation_id"`
	ProductID     uint              `gorm:"not null;index:idx_reservations_item" json:"product_id"`
	VariantID     *uint             `gorm:"index:idx_reservations_item" json:"variant_id,omitempty"`
	RequesterID   string            `gorm:"size:64;not null;index" json:"requester_id"`
	Quantity      int64             `gorm:"not null" json:"quantity"`
	Status        ReservationStatus `gorm:"size:16;not null;default:active;index" json:"status"`
	ExpiresAt     time.Time         `gorm:"not null;index" json:"expires_at"`
	OrderNo       string            `gorm:"size:64;index" json:"order_no,omitempty"`
}

func (Reservation) TableName() string { return "reservations" }
