package model

import (
	"time"

	"gorm.io/gorm"
)

// Order is a customer's purchase intent, created at checkout once a
// reservation succeeded. Status only moves along the state machine's
// transition table; terminal orders (cancelled, refunded) are retained
// for audit and never deleted.
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo    string `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID     string `gorm:"size:64;not null;index" json:"user_id"`
	Status     string `gorm:"size:16;not null;default:pending;index" json:"status"`
	TotalCents int64  `gorm:"not null" json:"total_cents"`

	// One nullable timestamp per status; stamped exactly once when the
	// order first reaches that status.
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	FulfilledAt  *time.Time `json:"fulfilled_at,omitempty"`
	ShippedAt    *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem snapshots one ordered line: product/variant, quantity, and
// the price at checkout time so later catalog edits cannot change it.
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderNo    string `gorm:"size:64;not null;index" json:"order_no"`
	ProductID  uint   `gorm:"not null;index" json:"product_id"`
	VariantID  *uint  `json:"variant_id,omitempty"`
	Quantity   int64  `gorm:"not null" json:"quantity"`
	PriceCents int64  `gorm:"not null" json:"price_cents"`
}

func (OrderItem) TableName() string { return "order_items" }

// OrderEvent is one immutable audit record appended on every status
// transition. Rows are insert-only.
type OrderEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderNo    string `gorm:"size:64;not null;index" json:"order_no"`
	FromStatus string `gorm:"size:16;not null" json:"from_status"`
	ToStatus   string `gorm:"size:16;not null" json:"to_status"`
	Actor      string `gorm:"size:64;not null" json:"actor"`
	Note       string `gorm:"size:255" json:"note,omitempty"`
}

func (OrderEvent) TableName() string { return "order_events" }
