package models

import (
	"context"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
)

type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`  // e.g. LEDGER_CHAIN, OWNERSHIP_ALLOCATION
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"` // e.g. Productora, Phonogram
	EntityId      int       `gorm:"index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"` // human-readable mismatch detail
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	ReconCheckLedgerChain         = "LEDGER_CHAIN"
	ReconCheckCachedBalance       = "CACHED_BALANCE"
	ReconCheckOwnershipAllocation = "OWNERSHIP_ALLOCATION"
)

func ListReconciliationReports(ctx context.Context, checkType string, entityId int, since *time.Time) ([]*ReconciliationReport, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&ReconciliationReport{})
	if checkType != "" {
		dbCtx = dbCtx.Where("check_type = ?", checkType)
	}
	if entityId > 0 {
		dbCtx = dbCtx.Where("entity_id = ?", entityId)
	}
	if since != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *since)
	}
	var reports []*ReconciliationReport
	err := dbCtx.Order("created_at DESC, id DESC").Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}
