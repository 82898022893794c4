package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"gorm.io/gorm"
)

// Conflict is a dispute among productoras over a phonogram's ownership
// split. It owns its InvolvedParty and Decision rows.
type Conflict struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PhonogramId     int             `gorm:"not null;index" json:"phonogram_id"`
	State           ConflictState   `gorm:"type:enum('Open','InProgress','Resolved','Rejected');not null;default:'Open';index" json:"state"`
	Description     string          `gorm:"type:text" json:"description"`
	OpenedAt        time.Time       `gorm:"not null" json:"opened_at"`
	ResolvedAt      *time.Time      `json:"resolved_at"`
	InvolvedParties []InvolvedParty `gorm:"foreignKey:ConflictId" json:"involved_parties"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvolvedParty struct {
	ID           int       `gorm:"primary_key" json:"id"`
	ConflictId   int       `gorm:"not null;index" json:"conflict_id"`
	ProductoraId int       `gorm:"not null;index" json:"productora_id"`
	Decision     *Decision `gorm:"foreignKey:InvolvedPartyId" json:"decision"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Decision is an involved party's vote. DecidedAt is set if and only if the
// value is no longer pending.
type Decision struct {
	ID              int           `gorm:"primary_key" json:"id"`
	InvolvedPartyId int           `gorm:"not null;uniqueIndex" json:"involved_party_id"`
	Value           DecisionValue `gorm:"type:enum('Pending','Accepted','Rejected');not null;default:'Pending'" json:"value"`
	DecidedAt       *time.Time    `json:"decided_at"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c Conflict) GetId() int {
	return c.ID
}

// GetConflictTx loads a conflict with parties and decisions inside the
// caller's transaction.
func GetConflictTx(tx *gorm.DB, id int) (*Conflict, error) {
	var conflict Conflict
	err := tx.Preload("InvolvedParties.Decision").First(&conflict, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: conflict %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &conflict, nil
}

func GetConflict(ctx context.Context, id int) (*Conflict, error) {
	db := config.GetDB()
	return GetConflictTx(db.WithContext(ctx), id)
}

// HasOpenConflictTx reports whether the phonogram has a conflict that is not
// yet in a terminal state. Settlements cannot be split while ownership is in
// dispute.
func HasOpenConflictTx(tx *gorm.DB, phonogramId int) (bool, error) {
	var count int64
	err := tx.Model(&Conflict{}).
		Where("phonogram_id = ? AND state IN ?", phonogramId,
			[]ConflictState{ConflictStateOpen, ConflictStateInProgress}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func ListConflicts(ctx context.Context, phonogramId *int, state *ConflictState) ([]*Conflict, error) {
	db := config.GetDB()
	var results []*Conflict

	dbCtx := db.WithContext(ctx).Preload("InvolvedParties.Decision")
	if phonogramId != nil && *phonogramId > 0 {
		dbCtx = dbCtx.Where("phonogram_id = ?", *phonogramId)
	}
	if state != nil && *state != "" {
		dbCtx = dbCtx.Where("state = ?", *state)
	}
	if err := dbCtx.Order("opened_at DESC, id DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
