package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Batch is one reconciliation run. Rows are processed in their own
// transactions, so a batch can finalize with a mix of applied and rejected
// rows; Aborted is reserved for runs cancelled before reaching the end.
type Batch struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Kind          BatchKind   `gorm:"size:20;not null;index" json:"kind"`
	Status        BatchStatus `gorm:"size:20;not null;index" json:"status"`
	Checksum      string      `gorm:"size:64;index" json:"checksum"`
	SourceRef     string      `gorm:"size:255" json:"source_ref"`
	TotalRows     int         `gorm:"not null" json:"total_rows"`
	AppliedRows   int         `gorm:"not null" json:"applied_rows"`
	RejectedRows  int         `gorm:"not null" json:"rejected_rows"`
	StartedAt     time.Time   `gorm:"not null" json:"started_at"`
	FinalizedAt   *time.Time  `json:"finalized_at"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// BatchRejectedRow preserves enough of a failed row to re-submit it after
// the underlying problem is fixed.
type BatchRejectedRow struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BatchId    int       `gorm:"not null;index" json:"batch_id"`
	Ordinal    int       `gorm:"not null" json:"ordinal"`
	Reason     string    `gorm:"size:500;not null" json:"reason"`
	RawPayload string    `gorm:"type:text" json:"raw_payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BatchRow is one inbound row as submitted. Settlement rows carry an ISRC,
// every other kind addresses a productora by CUIT. Transfers additionally
// name the destination.
type BatchRow struct {
	Ordinal         int             `json:"ordinal"`
	Cuit            string          `json:"cuit" validate:"omitempty,len=11"`
	DestinationCuit string          `json:"destination_cuit" validate:"omitempty,len=11"`
	Isrc            string          `json:"isrc" validate:"omitempty,len=12"`
	Amount          decimal.Decimal `json:"amount" validate:"required"`
	Direction       string          `json:"direction" validate:"omitempty,oneof=debit credit"`
	Memo            string          `json:"memo" validate:"max=255"`
	EffectiveAt     *time.Time      `json:"effective_at"`
}

// BatchResult is the per-run summary returned to the caller once every row
// has been attempted.
type BatchResult struct {
	BatchId  int             `json:"batch_id"`
	Status   BatchStatus     `json:"status"`
	Applied  int             `json:"applied"`
	Rejected []RejectedRow   `json:"rejected"`
	Total    decimal.Decimal `json:"total_applied_amount"`
}

type RejectedRow struct {
	Ordinal int    `json:"ordinal"`
	Reason  string `json:"reason"`
}

func CreateBatchTx(tx *gorm.DB, kind BatchKind, checksum, sourceRef string, totalRows int) (*Batch, error) {
	batch := Batch{
		Kind:      kind,
		Status:    BatchStatusProcessing,
		Checksum:  checksum,
		SourceRef: sourceRef,
		TotalRows: totalRows,
		StartedAt: time.Now().UTC(),
	}
	err := tx.Create(&batch).Error
	if err != nil {
		return nil, err
	}
	err = SaveAuditCreate(tx, "batches", batch.ID, batch, "Batch ingestion started")
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	db := config.GetDB()
	var batch Batch
	err := db.WithContext(ctx).First(&batch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &batch, nil
}

// FindBatchByChecksum looks for a previous non-aborted run with the same
// content checksum. Only consulted when cross-batch dedup is enabled.
func FindBatchByChecksum(ctx context.Context, checksum string) (*Batch, error) {
	if checksum == "" {
		return nil, nil
	}
	db := config.GetDB()
	var batch Batch
	err := db.WithContext(ctx).
		Where("checksum = ? AND status <> ?", checksum, BatchStatusAborted).
		Order("id DESC").
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

func RecordRejectedRowTx(tx *gorm.DB, batchId, ordinal int, reason, rawPayload string) error {
	row := BatchRejectedRow{
		BatchId:    batchId,
		Ordinal:    ordinal,
		Reason:     reason,
		RawPayload: rawPayload,
	}
	return tx.Create(&row).Error
}

// FinalizeBatchTx stamps the run's outcome. Counts come from the ingest
// loop, not from re-reading rows, so an interrupted run never reports a
// partial count as final.
func FinalizeBatchTx(tx *gorm.DB, batch *Batch, status BatchStatus, applied, rejected int) error {
	before := *batch
	now := time.Now().UTC()
	err := tx.Model(batch).Updates(map[string]interface{}{
		"status":        status,
		"applied_rows":  applied,
		"rejected_rows": rejected,
		"finalized_at":  now,
	}).Error
	if err != nil {
		return err
	}
	batch.Status = status
	batch.AppliedRows = applied
	batch.RejectedRows = rejected
	batch.FinalizedAt = &now
	return SaveAuditUpdate(tx, "batches", batch.ID, before, *batch, "Batch "+string(status))
}

func ListRejectedRows(ctx context.Context, batchId int) ([]*BatchRejectedRow, error) {
	db := config.GetDB()
	var rows []*BatchRejectedRow
	err := db.WithContext(ctx).
		Where("batch_id = ?", batchId).
		Order("ordinal").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
