package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"gorm.io/gorm"
)

// Phonogram is a registered sound recording. Immutable once created except
// administrative correction.
type Phonogram struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Isrc      string    `gorm:"size:12;not null;uniqueIndex" json:"isrc"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	Artist    string    `gorm:"size:255;not null" json:"artist"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPhonogram struct {
	Isrc   string `json:"isrc" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Artist string `json:"artist" binding:"required"`
}

func (p Phonogram) GetId() int {
	return p.ID
}

func CreatePhonogram(ctx context.Context, input *NewPhonogram) (*Phonogram, error) {
	if err := utils.ValidateIsrc(input.Isrc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	isrc := utils.NormalizeIsrc(input.Isrc)

	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&Phonogram{}).Where("isrc = ?", isrc).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: duplicate isrc", ErrValidation)
	}

	phonogram := Phonogram{
		Isrc:   isrc,
		Title:  input.Title,
		Artist: input.Artist,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&phonogram).Error; err != nil {
			return err
		}
		return SaveAuditCreate(tx, "phonograms", phonogram.ID, &phonogram, "Phonogram registered")
	})
	if err != nil {
		return nil, err
	}
	return &phonogram, nil
}

func GetPhonogram(ctx context.Context, id int) (*Phonogram, error) {
	db := config.GetDB()
	var result Phonogram

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: phonogram %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &result, nil
}

// GetPhonogramByIsrcTx resolves a phonogram inside the caller's transaction.
func GetPhonogramByIsrcTx(tx *gorm.DB, isrc string) (*Phonogram, error) {
	var result Phonogram
	err := tx.Where("isrc = ?", utils.NormalizeIsrc(isrc)).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: phonogram with isrc %s", ErrNotFound, isrc)
		}
		return nil, err
	}
	return &result, nil
}

func GetPhonogramByIsrc(ctx context.Context, isrc string) (*Phonogram, error) {
	db := config.GetDB()
	var result Phonogram

	err := db.WithContext(ctx).Where("isrc = ?", utils.NormalizeIsrc(isrc)).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: phonogram with isrc %s", ErrNotFound, isrc)
		}
		return nil, err
	}
	return &result, nil
}

type CorrectPhonogramInput struct {
	Title  *string `json:"title"`
	Artist *string `json:"artist"`
}

// CorrectPhonogram is the administrative correction path: title/artist only,
// never the ISRC (historical royalty attribution hangs off it).
func CorrectPhonogram(ctx context.Context, id int, input *CorrectPhonogramInput) (*Phonogram, error) {
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	if !isAdmin {
		return nil, errors.New("administrative correction requires admin role")
	}

	current, err := GetPhonogram(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	if input.Title != nil {
		updated.Title = *input.Title
	}
	if input.Artist != nil {
		updated.Artist = *input.Artist
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Phonogram{}).Where("id = ?", id).
			Updates(map[string]interface{}{"title": updated.Title, "artist": updated.Artist}).Error; err != nil {
			return err
		}
		return SaveAuditUpdate(tx, "phonograms", id, current, &updated, "Administrative correction")
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
