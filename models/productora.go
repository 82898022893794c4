package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Productora is a rights-holder company. CachedBalance is a read
// optimization: it must always equal the latest ledger snapshot and is
// recomputable from the transaction history.
type Productora struct {
	ID            int             `gorm:"primary_key" json:"id"`
	Cuit          string          `gorm:"size:11;not null;uniqueIndex" json:"cuit"`
	Name          string          `gorm:"size:255;not null" json:"name"`
	Email         string          `gorm:"size:255" json:"email"`
	Phone         string          `gorm:"size:30" json:"phone"`
	CachedBalance decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"cached_balance"`
	// PostingHalted blocks further ledger posts after a chain inconsistency
	// is detected, until manually reconciled.
	PostingHalted bool      `gorm:"not null;default:false" json:"posting_halted"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProductora struct {
	Cuit  string `json:"cuit" binding:"required"`
	Name  string `json:"name" binding:"required"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (p Productora) GetId() int {
	return p.ID
}

func productoraCuitCacheKey(cuit string) string {
	return "productora:cuit:" + cuit
}

func CreateProductora(ctx context.Context, input *NewProductora) (*Productora, error) {
	if err := utils.ValidateCuit(input.Cuit); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if err := utils.ValidatePhoneNumber(input.Phone); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	cuit := utils.NormalizeCuit(input.Cuit)

	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&Productora{}).Where("cuit = ?", cuit).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: duplicate cuit", ErrValidation)
	}

	productora := Productora{
		Cuit:          cuit,
		Name:          input.Name,
		Email:         input.Email,
		Phone:         input.Phone,
		CachedBalance: decimal.Zero,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&productora).Error; err != nil {
			return err
		}
		return SaveAuditCreate(tx, "productoras", productora.ID, &productora, "Productora registered")
	})
	if err != nil {
		return nil, err
	}
	return &productora, nil
}

func GetProductora(ctx context.Context, id int) (*Productora, error) {
	db := config.GetDB()
	var result Productora

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: productora %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &result, nil
}

// GetProductoraByCuitTx resolves a productora inside the caller's
// transaction, bypassing the cache.
func GetProductoraByCuitTx(tx *gorm.DB, cuit string) (*Productora, error) {
	cuit = utils.NormalizeCuit(cuit)
	var result Productora
	err := tx.Where("cuit = ?", cuit).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: productora with cuit %s", ErrNotFound, cuit)
		}
		return nil, err
	}
	return &result, nil
}

// GetProductoraByCuit resolves a productora from a batch-row tax id.
// Cached in redis; the cache holds only the id so balances are never stale.
func GetProductoraByCuit(ctx context.Context, cuit string) (*Productora, error) {
	cuit = utils.NormalizeCuit(cuit)

	var cachedId int
	exists, err := config.GetRedisObject(productoraCuitCacheKey(cuit), &cachedId)
	if err != nil {
		return nil, err
	}
	if exists && cachedId > 0 {
		return GetProductora(ctx, cachedId)
	}

	db := config.GetDB()
	var result Productora
	err = db.WithContext(ctx).Where("cuit = ?", cuit).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: productora with cuit %s", ErrNotFound, cuit)
		}
		return nil, err
	}

	if err := config.SetRedisObject(productoraCuitCacheKey(cuit), result.ID, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetProductoraBalance returns the cached balance. It must match the latest
// ledger snapshot; the reconciliation checks verify this continuously.
func GetProductoraBalance(ctx context.Context, id int) (decimal.Decimal, error) {
	productora, err := GetProductora(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return productora.CachedBalance, nil
}

type UpdateProductoraInput struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

func UpdateProductora(ctx context.Context, id int, input *UpdateProductoraInput) (*Productora, error) {
	current, err := GetProductora(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	if input.Name != nil {
		updated.Name = *input.Name
	}
	if input.Email != nil {
		updated.Email = *input.Email
	}
	if input.Phone != nil {
		if err := utils.ValidatePhoneNumber(*input.Phone); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		updated.Phone = *input.Phone
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Productora{}).Where("id = ?", id).
			Updates(map[string]interface{}{"name": updated.Name, "email": updated.Email, "phone": updated.Phone}).Error; err != nil {
			return err
		}
		return SaveAuditUpdate(tx, "productoras", id, current, &updated, "Productora contact data updated")
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ClearPostingHalt re-enables posting after a halted chain has been manually
// reconciled. Admin-only at the request layer; always audited.
func ClearPostingHalt(ctx context.Context, id int) error {
	current, err := GetProductora(ctx, id)
	if err != nil {
		return err
	}
	if !current.PostingHalted {
		return nil
	}

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Productora{}).Where("id = ?", id).
			Update("posting_halted", false).Error; err != nil {
			return err
		}
		updated := *current
		updated.PostingHalted = false
		return SaveAuditUpdate(tx, "productoras", id, current, &updated, "Posting halt cleared after manual reconciliation")
	})
}
