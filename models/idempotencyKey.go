package models

import (
	"time"
)

// IdempotencyKey dedupes message handling per (handler_name, message_id).
// Batch ingestion uses message ids of the form "batch:<id>:row:<ordinal>" so
// a re-submitted batch never double-applies a row that already succeeded.
type IdempotencyKey struct {
	ID          int       `gorm:"primary_key" json:"id"`
	HandlerName string    `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId   string    `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status      string    `gorm:"size:20;not null;index" json:"status"`
	LastError   *string   `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
