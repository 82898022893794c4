package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FileConflict opens a dispute over a phonogram's ownership. Every claimant
// becomes an involved party with a pending decision.
func FileConflict(ctx context.Context, logger *logrus.Logger, phonogramId int, claimantProductoraIds []int, description string) (*models.Conflict, error) {

	if len(claimantProductoraIds) == 0 {
		return nil, fmt.Errorf("%w: a conflict needs at least one claimant", models.ErrValidation)
	}

	seen := make(map[int]bool, len(claimantProductoraIds))
	claimants := make([]int, 0, len(claimantProductoraIds))
	for _, id := range claimantProductoraIds {
		if !seen[id] {
			seen[id] = true
			claimants = append(claimants, id)
		}
	}

	if _, err := models.GetPhonogram(ctx, phonogramId); err != nil {
		return nil, err
	}
	for _, id := range claimants {
		if _, err := models.GetProductora(ctx, id); err != nil {
			return nil, err
		}
	}

	db := config.GetDB()
	var conflict models.Conflict
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conflict = models.Conflict{
			PhonogramId: phonogramId,
			State:       models.ConflictStateOpen,
			Description: description,
			OpenedAt:    time.Now().UTC(),
		}
		if err := tx.Create(&conflict).Error; err != nil {
			return err
		}
		for _, productoraId := range claimants {
			party := models.InvolvedParty{
				ConflictId:   conflict.ID,
				ProductoraId: productoraId,
			}
			if err := tx.Create(&party).Error; err != nil {
				return err
			}
			decision := models.Decision{
				InvolvedPartyId: party.ID,
				Value:           models.DecisionValuePending,
			}
			if err := tx.Create(&decision).Error; err != nil {
				return err
			}
		}
		return models.SaveAuditCreate(tx, "conflicts", conflict.ID, &conflict,
			fmt.Sprintf("Conflict filed with %d claimants", len(claimants)))
	})
	if err != nil {
		config.LogError(logger, "conflictWorkflow.go", "FileConflict", "CreateConflict", phonogramId, err)
		return nil, err
	}

	return models.GetConflict(ctx, conflict.ID)
}

// CastDecision records one party's vote and resolves the conflict when the
// vote completes it. The per-conflict advisory lock makes the "all decided"
// check race-free under simultaneous casts.
func CastDecision(ctx context.Context, logger *logrus.Logger, conflictId int, involvedPartyId int, value models.DecisionValue) (*models.Decision, error) {

	if value != models.DecisionValueAccepted && value != models.DecisionValueRejected {
		return nil, fmt.Errorf("%w: decision must be Accepted or Rejected", models.ErrValidation)
	}

	db := config.GetDB()
	var decision models.Decision
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		locks := newLockSet(conn)
		defer locks.ReleaseAll()
		if err := locks.LockConflict(conn, conflictId); err != nil {
			return err
		}
		return conn.Transaction(func(tx *gorm.DB) error {
			conflict, err := models.GetConflictTx(tx, conflictId)
			if err != nil {
				return err
			}
			if conflict.State.IsTerminal() {
				return fmt.Errorf("%w: conflict %d is %s", models.ErrConflictClosed, conflictId, conflict.State)
			}

			var party *models.InvolvedParty
			for i := range conflict.InvolvedParties {
				if conflict.InvolvedParties[i].ID == involvedPartyId {
					party = &conflict.InvolvedParties[i]
					break
				}
			}
			if party == nil {
				return fmt.Errorf("%w: involved party %d in conflict %d", models.ErrNotFound, involvedPartyId, conflictId)
			}
			if party.Decision == nil {
				return fmt.Errorf("%w: decision row for party %d", models.ErrNotFound, involvedPartyId)
			}
			if party.Decision.Value != models.DecisionValuePending {
				return fmt.Errorf("%w: party %d already decided %s", models.ErrAlreadyDecided, involvedPartyId, party.Decision.Value)
			}

			now := time.Now().UTC()
			before := *party.Decision
			if err := tx.Model(&models.Decision{}).Where("id = ?", party.Decision.ID).
				Updates(map[string]interface{}{"value": value, "decided_at": now}).Error; err != nil {
				return err
			}
			decision = before
			decision.Value = value
			decision.DecidedAt = &now
			if err := models.SaveAuditUpdate(tx, "decisions", decision.ID, &before, &decision,
				fmt.Sprintf("Decision cast: %s", value)); err != nil {
				return err
			}

			if conflict.State == models.ConflictStateOpen {
				stateBefore := *conflict
				if err := tx.Model(&models.Conflict{}).Where("id = ?", conflict.ID).
					Update("state", models.ConflictStateInProgress).Error; err != nil {
					return err
				}
				conflict.State = models.ConflictStateInProgress
				if err := models.SaveAuditUpdate(tx, "conflicts", conflict.ID, &stateBefore, conflict,
					"Conflict in progress"); err != nil {
					return err
				}
			}

			party.Decision.Value = value
			party.Decision.DecidedAt = &now
			return resolveIfComplete(ctx, tx, locks, logger, conflict)
		})
	})
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

// tallyDecisions reports whether every party has cast a decision and, if so,
// which parties accepted.
func tallyDecisions(parties []models.InvolvedParty) (complete bool, accepters []models.InvolvedParty) {
	accepters = make([]models.InvolvedParty, 0, len(parties))
	for _, party := range parties {
		if party.Decision == nil || party.Decision.Value == models.DecisionValuePending {
			return false, nil
		}
		if party.Decision.Value == models.DecisionValueAccepted {
			accepters = append(accepters, party)
		}
	}
	return true, accepters
}

// resolveIfComplete moves the conflict to a terminal state once every party
// has decided. Idempotent: terminal conflicts and incomplete votes are
// no-ops. Must run under the conflict lock.
func resolveIfComplete(ctx context.Context, tx *gorm.DB, locks *lockSet, logger *logrus.Logger, conflict *models.Conflict) error {

	if conflict.State.IsTerminal() {
		return nil
	}

	complete, accepters := tallyDecisions(conflict.InvolvedParties)
	if !complete {
		return nil
	}

	now := time.Now().UTC()
	before := *conflict

	if len(accepters) == 0 {
		// Everyone rejected: no ownership change.
		if err := tx.Model(&models.Conflict{}).Where("id = ?", conflict.ID).
			Updates(map[string]interface{}{"state": models.ConflictStateRejected, "resolved_at": now}).Error; err != nil {
			return err
		}
		conflict.State = models.ConflictStateRejected
		conflict.ResolvedAt = &now
		return models.SaveAuditUpdate(tx, "conflicts", conflict.ID, &before, conflict, "Conflict rejected by all parties")
	}

	if err := redistributeOwnership(tx, locks, conflict, accepters, now); err != nil {
		config.LogError(logger, "conflictWorkflow.go", "resolveIfComplete", "RedistributeOwnership", conflict.ID, err)
		return err
	}

	if err := tx.Model(&models.Conflict{}).Where("id = ?", conflict.ID).
		Updates(map[string]interface{}{"state": models.ConflictStateResolved, "resolved_at": now}).Error; err != nil {
		return err
	}
	conflict.State = models.ConflictStateResolved
	conflict.ResolvedAt = &now
	if err := models.SaveAuditUpdate(tx, "conflicts", conflict.ID, &before, conflict,
		fmt.Sprintf("Conflict resolved among %d accepting parties", len(accepters))); err != nil {
		return err
	}

	for _, party := range accepters {
		if err := models.EnqueueNotification(ctx, tx, party.ProductoraId,
			models.NotificationEventConflictResolved, decimal.Zero, 0, now); err != nil {
			return err
		}
	}
	return nil
}

// redistributeOwnership gives the disputed share to the accepting parties in
// equal parts. The disputed share is the involved parties' currently active
// allocation plus the phonogram's unclaimed remainder; uninvolved owners
// keep their intervals untouched.
func redistributeOwnership(tx *gorm.DB, locks *lockSet, conflict *models.Conflict, accepters []models.InvolvedParty, at time.Time) error {

	if err := locks.LockPhonogramOwnership(tx, conflict.PhonogramId); err != nil {
		return err
	}

	shares, err := models.ActiveOwnershipTx(tx, conflict.PhonogramId, at)
	if err != nil {
		return err
	}

	involved := make(map[int]bool, len(conflict.InvolvedParties))
	for _, party := range conflict.InvolvedParties {
		involved[party.ProductoraId] = true
	}

	uninvolvedTotal := decimal.Zero
	for _, share := range shares {
		if !involved[share.ProductoraId] {
			uninvolvedTotal = uninvolvedTotal.Add(share.Percentage)
		}
	}
	disputed := decimal.NewFromInt(100).Sub(uninvolvedTotal)
	if !disputed.IsPositive() {
		return fmt.Errorf("%w: nothing left to redistribute on phonogram %d", models.ErrOverAllocation, conflict.PhonogramId)
	}

	split := EqualSplit(disputed, len(accepters))

	for _, party := range conflict.InvolvedParties {
		if err := models.CloseActiveIntervalTx(tx, conflict.PhonogramId, party.ProductoraId, at); err != nil {
			return err
		}
	}
	for i, party := range accepters {
		if _, err := models.RegisterClaimTx(tx, conflict.PhonogramId, party.ProductoraId, split[i], at, true); err != nil {
			return err
		}
	}
	return nil
}

// EqualSplit divides a percentage into n parts of 2-decimal precision that
// sum exactly to the whole; the rounding remainder goes to the first part.
func EqualSplit(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	base := total.DivRound(decimal.NewFromInt(int64(n)), 4).RoundDown(2)
	parts := make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for i := range parts {
		parts[i] = base
		allocated = allocated.Add(base)
	}
	parts[0] = parts[0].Add(total.Sub(allocated))
	return parts
}
