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

// OwnershipInterval says "productora P owns X% of phonogram F from FromDate
// until ToDate" (nil ToDate = open-ended). Intervals are closed by setting
// ToDate when superseded, never deleted: historical royalty attribution
// depends on them.
type OwnershipInterval struct {
	ID           int             `gorm:"primary_key" json:"id"`
	PhonogramId  int             `gorm:"not null;index;index:idx_oi_phono_from,priority:1" json:"phonogram_id"`
	ProductoraId int             `gorm:"not null;index" json:"productora_id"`
	Percentage   decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"percentage"`
	FromDate     time.Time       `gorm:"not null;index:idx_oi_phono_from,priority:2" json:"from_date"`
	ToDate       *time.Time      `gorm:"index" json:"to_date"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type OwnershipShare struct {
	ProductoraId int             `json:"productora_id"`
	Percentage   decimal.Decimal `json:"percentage"`
}

var oneHundred = decimal.NewFromInt(100)

func (i *OwnershipInterval) BeforeDelete(tx *gorm.DB) error {
	return errors.New("ownership history: intervals cannot be deleted")
}

func (i *OwnershipInterval) BeforeUpdate(tx *gorm.DB) error {
	// Closing an interval (setting ToDate) is the only legal mutation.
	allowed := map[string]bool{
		"ToDate":    true,
		"UpdatedAt": true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("ownership history: only the end date may be set on intervals")
		}
	}
	return nil
}

// ActiveOwnershipTx returns the shares covering atDate, inside the caller's
// transaction. The returned percentages always sum to <= 100.
func ActiveOwnershipTx(tx *gorm.DB, phonogramId int, atDate time.Time) ([]OwnershipShare, error) {
	var intervals []OwnershipInterval
	err := tx.Model(&OwnershipInterval{}).
		Where("phonogram_id = ? AND from_date <= ? AND (to_date IS NULL OR to_date > ?)", phonogramId, atDate, atDate).
		Order("from_date, id").
		Find(&intervals).Error
	if err != nil {
		return nil, err
	}

	shares := make([]OwnershipShare, 0, len(intervals))
	for _, interval := range intervals {
		shares = append(shares, OwnershipShare{
			ProductoraId: interval.ProductoraId,
			Percentage:   interval.Percentage,
		})
	}
	return shares, nil
}

func ActiveOwnership(ctx context.Context, phonogramId int, atDate time.Time) ([]OwnershipShare, error) {
	db := config.GetDB()
	if _, err := GetPhonogram(ctx, phonogramId); err != nil {
		return nil, err
	}
	return ActiveOwnershipTx(db.WithContext(ctx), phonogramId, atDate)
}

// TotalAllocation sums the share percentages.
func TotalAllocation(shares []OwnershipShare) decimal.Decimal {
	total := decimal.Zero
	for _, share := range shares {
		total = total.Add(share.Percentage)
	}
	return total
}

// ActiveSharesAt filters an interval set down to the shares active at the
// given instant. Query-free so allocation reasoning is testable in memory.
func ActiveSharesAt(intervals []OwnershipInterval, at time.Time) []OwnershipShare {
	shares := make([]OwnershipShare, 0, len(intervals))
	for _, interval := range intervals {
		if interval.FromDate.After(at) {
			continue
		}
		if interval.ToDate != nil && !interval.ToDate.After(at) {
			continue
		}
		shares = append(shares, OwnershipShare{
			ProductoraId: interval.ProductoraId,
			Percentage:   interval.Percentage,
		})
	}
	return shares
}

// RegisterClaimTx closes any active interval for the same phonogram+productora
// pair and opens a new one from fromDate. fromResolver bypasses the
// over-allocation guard: conflict resolution redistributes existing
// allocations atomically and validates the split itself.
//
// Callers must hold the per-phonogram posting lock.
func RegisterClaimTx(tx *gorm.DB, phonogramId int, productoraId int, percentage decimal.Decimal, fromDate time.Time, fromResolver bool) (*OwnershipInterval, error) {

	if percentage.LessThanOrEqual(decimal.Zero) || percentage.GreaterThan(oneHundred) {
		return nil, fmt.Errorf("%w: percentage must be in (0,100]", ErrValidation)
	}
	if !percentage.Equal(percentage.Round(2)) {
		return nil, fmt.Errorf("%w: percentage precision is 2 decimal digits", ErrValidation)
	}

	var current *OwnershipInterval
	var existing OwnershipInterval
	err := tx.
		Where("phonogram_id = ? AND productora_id = ? AND (to_date IS NULL OR to_date > ?)", phonogramId, productoraId, fromDate).
		Order("from_date DESC").
		First(&existing).Error
	if err == nil {
		current = &existing
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if !fromResolver {
		shares, err := ActiveOwnershipTx(tx, phonogramId, fromDate)
		if err != nil {
			return nil, err
		}
		total := decimal.Zero
		for _, share := range shares {
			if current != nil && share.ProductoraId == productoraId {
				// the superseded interval is being closed, don't double count
				continue
			}
			total = total.Add(share.Percentage)
		}
		if total.Add(percentage).GreaterThan(oneHundred) {
			return nil, fmt.Errorf("%w: phonogram %d at %s would reach %s%%",
				ErrOverAllocation, phonogramId, fromDate.Format("2006-01-02"), total.Add(percentage).String())
		}
	}

	if current != nil {
		if !current.FromDate.Before(fromDate) {
			return nil, fmt.Errorf("%w: claim start must be after the superseded interval start", ErrValidation)
		}
		before := *current
		if err := tx.Model(&OwnershipInterval{}).Where("id = ?", current.ID).
			Update("to_date", fromDate).Error; err != nil {
			return nil, err
		}
		closed := *current
		closed.ToDate = &fromDate
		if err := SaveAuditUpdate(tx, "ownership_intervals", current.ID, &before, &closed, "Interval superseded"); err != nil {
			return nil, err
		}
	}

	interval := OwnershipInterval{
		PhonogramId:  phonogramId,
		ProductoraId: productoraId,
		Percentage:   percentage,
		FromDate:     fromDate,
	}
	if err := tx.Create(&interval).Error; err != nil {
		return nil, err
	}
	if err := SaveAuditCreate(tx, "ownership_intervals", interval.ID, &interval, "Ownership claim registered"); err != nil {
		return nil, err
	}
	return &interval, nil
}

// CloseActiveIntervalTx ends a productora's active interval at the given
// date without opening a replacement. Used by conflict resolution when a
// party's share is redistributed away. No-op when no active interval exists.
// An interval opening exactly at the close instant is superseded into a
// zero-length interval so a resolution landing on its start date still goes
// through; ActiveSharesAt never reports zero-length intervals as active.
func CloseActiveIntervalTx(tx *gorm.DB, phonogramId int, productoraId int, at time.Time) error {
	var existing OwnershipInterval
	err := tx.
		Where("phonogram_id = ? AND productora_id = ? AND from_date <= ? AND (to_date IS NULL OR to_date > ?)",
			phonogramId, productoraId, at, at).
		Order("from_date DESC").
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	before := existing
	if err := tx.Model(&OwnershipInterval{}).Where("id = ?", existing.ID).
		Update("to_date", at).Error; err != nil {
		return err
	}
	closed := existing
	closed.ToDate = &at
	return SaveAuditUpdate(tx, "ownership_intervals", existing.ID, &before, &closed, "Interval closed by conflict resolution")
}

// OwnershipHistory lists all intervals of a phonogram chronologically,
// including closed ones, for audit and report generation.
func OwnershipHistory(ctx context.Context, phonogramId int) ([]*OwnershipInterval, error) {
	db := config.GetDB()
	if _, err := GetPhonogram(ctx, phonogramId); err != nil {
		return nil, err
	}

	var results []*OwnershipInterval
	err := db.WithContext(ctx).
		Where("phonogram_id = ?", phonogramId).
		Order("from_date, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
