package models

import (
	"context"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NotificationRecord is the transactional outbox row for productora
// notifications. It is written inside the same DB transaction as the ledger
// posting it describes; publishing to Pub/Sub happens after commit via the
// outbox dispatcher.
type NotificationRecord struct {
	ID           int                   `gorm:"primary_key;index:idx_notif_dispatch,priority:3" json:"id"`
	ProductoraId int                   `gorm:"not null;index" json:"productora_id"`
	EventKind    NotificationEventKind `gorm:"size:40;not null;index" json:"event_kind"`
	Amount       decimal.Decimal       `gorm:"type:decimal(20,2);not null" json:"amount"`
	BatchId      int                   `gorm:"index" json:"batch_id"`
	OccurredAt   time.Time             `gorm:"not null;index" json:"occurred_at"`
	// Outbox metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_notif_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_notif_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueNotification writes the record inside the caller's transaction and
// does NOT publish. If the surrounding transaction rolls back, so does the
// notification.
func EnqueueNotification(ctx context.Context, tx *gorm.DB, productoraId int, eventKind NotificationEventKind, amount decimal.Decimal, batchId int, occurredAt time.Time) error {
	record := NotificationRecord{
		ProductoraId:  productoraId,
		EventKind:     eventKind,
		Amount:        amount,
		BatchId:       batchId,
		OccurredAt:    occurredAt,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToNotificationMessage(record NotificationRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            record.ID,
		ProductoraId:  record.ProductoraId,
		EventKind:     string(record.EventKind),
		Amount:        record.Amount,
		BatchId:       record.BatchId,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}
