package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunLedgerReconciliationChecks recomputes every productora's balance chain
// and every phonogram's active allocation, writing mismatch rows to
// reconciliation_reports. A chain mismatch halts further posting for that
// productora until an operator clears the halt. Intended for a nightly
// schedule or an admin trigger.
func RunLedgerReconciliationChecks(ctx context.Context) (correlationId string, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db := config.GetDB()
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}
	logger := config.GetLogger()

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	now := time.Now().UTC()

	// 1) Ledger chain consistency per productora
	type productoraRow struct{ ID int }
	var productoras []productoraRow
	if err := db.WithContext(ctx).Raw(`SELECT p.id FROM productoras p`).Scan(&productoras).Error; err != nil {
		return cid, err
	}

	halted := 0
	for _, p := range productoras {
		mismatches, err := models.VerifyBalanceChain(ctx, p.ID)
		if err != nil {
			return cid, err
		}
		if len(mismatches) == 0 {
			continue
		}
		halted++
		for _, m := range mismatches {
			checkType, detail := chainMismatchReport(m)
			_ = db.WithContext(ctx).Create(&models.ReconciliationReport{
				CheckType:     checkType,
				EntityType:    "Productora",
				EntityId:      p.ID,
				Details:       detail,
				CorrelationId: cid,
				CreatedAt:     now,
			}).Error
		}
		if err := haltPosting(ctx, db, p.ID, cid); err != nil {
			return cid, err
		}
	}

	// 2) Ownership allocation: active shares must never exceed 100% at any
	// interval boundary
	type phonogramRow struct{ ID int }
	var phonograms []phonogramRow
	if err := db.WithContext(ctx).Raw(`
		SELECT DISTINCT oi.phonogram_id AS id FROM ownership_intervals oi
	`).Scan(&phonograms).Error; err != nil {
		return cid, err
	}

	overAllocated := 0
	for _, ph := range phonograms {
		var intervals []models.OwnershipInterval
		if err := db.WithContext(ctx).
			Where("phonogram_id = ?", ph.ID).
			Order("from_date, id").
			Find(&intervals).Error; err != nil {
			return cid, err
		}
		if at, total, over := overAllocationAt(intervals); over {
			overAllocated++
			_ = db.WithContext(ctx).Create(&models.ReconciliationReport{
				CheckType:     models.ReconCheckOwnershipAllocation,
				EntityType:    "Phonogram",
				EntityId:      ph.ID,
				Details:       fmt.Sprintf("active allocation reaches %s%% at %s", total.String(), at.Format("2006-01-02")),
				CorrelationId: cid,
				CreatedAt:     now,
			}).Error
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":                "ReconciliationChecks",
			"correlation_id":       cid,
			"productoras_checked":  len(productoras),
			"chains_halted":        halted,
			"phonograms_checked":   len(phonograms),
			"over_allocated_found": overAllocated,
		}).Info("ledger reconciliation checks completed")
	}
	return cid, nil
}

// chainMismatchReport classifies one verifier mismatch. TransactionId 0 is
// the verifier's marker for a cached balance diverging from the chain, which
// gets its own report type.
func chainMismatchReport(m models.ChainMismatch) (checkType, detail string) {
	if m.TransactionId == 0 {
		return models.ReconCheckCachedBalance, fmt.Sprintf("cached balance %s diverges from last snapshot %s",
			m.StoredBalance.StringFixed(2), m.ExpectedBalance.StringFixed(2))
	}
	return models.ReconCheckLedgerChain, fmt.Sprintf("transaction %d: stored snapshot %s, recomputed %s",
		m.TransactionId, m.StoredBalance.StringFixed(2), m.ExpectedBalance.StringFixed(2))
}

// A chain divergence is fatal for the productora: posting stays halted until
// manual reconciliation clears it.
func haltPosting(ctx context.Context, db *gorm.DB, productoraId int, correlationId string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var productora models.Productora
		if err := tx.First(&productora, productoraId).Error; err != nil {
			return err
		}
		if productora.PostingHalted {
			return nil
		}
		before := productora
		if err := tx.Model(&models.Productora{}).Where("id = ?", productoraId).
			Update("posting_halted", true).Error; err != nil {
			return err
		}
		after := productora
		after.PostingHalted = true
		return models.SaveAuditUpdate(tx, "productoras", productoraId, &before, &after,
			"Posting halted: chain inconsistency "+correlationId)
	})
}

// overAllocationAt scans the interval boundaries and returns the first
// instant where the active allocation exceeds 100%.
func overAllocationAt(intervals []models.OwnershipInterval) (time.Time, decimal.Decimal, bool) {
	for _, boundary := range intervals {
		shares := models.ActiveSharesAt(intervals, boundary.FromDate)
		total := models.TotalAllocation(shares)
		if total.GreaterThan(decimal.NewFromInt(100)) {
			return boundary.FromDate, total, true
		}
	}
	return time.Time{}, decimal.Zero, false
}
