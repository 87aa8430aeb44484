package model

import (
	"time"

	"gorm.io/gorm"
)

// WebhookEventStatus is the processing state of one provider delivery.
type WebhookEventStatus string

const (
	WebhookPending   WebhookEventStatus = "pending"   // stored, not yet processed
	WebhookProcessed WebhookEventStatus = "processed" // effect applied exactly once
	WebhookError     WebhookEventStatus = "error"     // failed, eligible for retry until the cap
	WebhookRejected  WebhookEventStatus = "rejected"  // bad signature, stored for audit only
)

// WebhookEvent records one delivery of an external payment notification.
// The (provider, external_event_id) pair is unique: redelivery hits the
// index and is ignored, which is what makes receipt idempotent.
type WebhookEvent struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Provider        string             `gorm:"size:32;not null;uniqueIndex:ux_webhook_provider_event,priority:1" json:"provider"`
	ExternalEventID string             `gorm:"size:128;not null;uniqueIndex:ux_webhook_provider_event,priority:2" json:"external_event_id"`
	OrderNo         string             `gorm:"size:64;index" json:"order_no"`
	EventType       string             `gorm:"size:64;not null" json:"event_type"`
	Payload         string             `gorm:"type:text;not null" json:"payload"`
	Signature       string             `gorm:"size:128" json:"signature"`
	Status          WebhookEventStatus `gorm:"size:16;not null;default:pending;index" json:"status"`
	RetryCount      int                `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt     *time.Time         `gorm:"index" json:"next_retry_at,omitempty"`
	Archived        bool               `gorm:"not null;default:false;index" json:"archived"`
	LastError       string             `gorm:"size:255" json:"last_error,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
