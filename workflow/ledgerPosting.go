package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PostingInput carries one signed balance movement. Amount is the signed
// delta: credits positive, debits negative. PostedAt is stamped at post time
// unless set; EffectiveAt records the period the movement settles, which may
// lie in the past without affecting chain order.
type PostingInput struct {
	ProductoraId int
	Kind         models.LedgerTransactionKind
	Amount       decimal.Decimal
	Memo         string
	BatchId      int
	PostedAt     time.Time
	EffectiveAt  *time.Time
}

// PostLedgerTransaction appends one transaction to the productora's chain
// and refreshes the cached balance. The caller must hold the productora
// posting lock on the same connection and run this inside its transaction.
func PostLedgerTransaction(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, input PostingInput) (*models.LedgerTransaction, error) {

	if input.Amount.IsZero() {
		return nil, fmt.Errorf("%w: amount cannot be zero", models.ErrValidation)
	}
	if !utils.IsMoneyAmount(input.Amount.Abs()) {
		return nil, fmt.Errorf("%w: amount must have at most two decimal places", models.ErrValidation)
	}

	var productora models.Productora
	err := tx.First(&productora, input.ProductoraId).Error
	if err != nil {
		config.LogError(logger, "ledgerPosting.go", "PostLedgerTransaction", "GetProductora", input.ProductoraId, err)
		return nil, fmt.Errorf("%w: productora %d", models.ErrNotFound, input.ProductoraId)
	}
	if productora.PostingHalted {
		return nil, fmt.Errorf("%w: productora %d", models.ErrPostingHalted, input.ProductoraId)
	}

	last, err := models.LatestLedgerTransactionTx(tx, input.ProductoraId)
	if err != nil {
		config.LogError(logger, "ledgerPosting.go", "PostLedgerTransaction", "LatestLedgerTransaction", input.ProductoraId, err)
		return nil, err
	}
	previous := decimal.Zero
	if last != nil {
		previous = last.BalanceAfter
	}

	newBalance := previous.Add(input.Amount)
	if input.Amount.IsNegative() && input.Kind.RequiresNonNegativeBalance() && newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, requested %s", models.ErrInsufficientFunds,
			previous.StringFixed(2), input.Amount.StringFixed(2))
	}

	postedAt := input.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}

	txn := models.LedgerTransaction{
		ProductoraId: input.ProductoraId,
		Kind:         input.Kind,
		Amount:       input.Amount,
		BalanceAfter: newBalance,
		Memo:         input.Memo,
		BatchId:      input.BatchId,
		PostedAt:     postedAt,
		EffectiveAt:  input.EffectiveAt,
	}
	err = tx.Create(&txn).Error
	if err != nil {
		config.LogError(logger, "ledgerPosting.go", "PostLedgerTransaction", "CreateLedgerTransaction", txn, err)
		return nil, err
	}

	err = tx.Model(&models.Productora{}).Where("id = ?", input.ProductoraId).
		Update("cached_balance", newBalance).Error
	if err != nil {
		config.LogError(logger, "ledgerPosting.go", "PostLedgerTransaction", "UpdateCachedBalance", newBalance, err)
		return nil, err
	}

	err = models.SaveAuditCreate(tx, "ledger_transactions", txn.ID, txn,
		fmt.Sprintf("%s posted: %s", input.Kind, input.Amount.StringFixed(2)))
	if err != nil {
		config.LogError(logger, "ledgerPosting.go", "PostLedgerTransaction", "SaveAudit", txn, err)
		return nil, err
	}

	if eventKind, notify := notificationEventFor(input.Kind); notify {
		err = models.EnqueueNotification(ctx, tx, input.ProductoraId, eventKind, input.Amount, input.BatchId, postedAt)
		if err != nil {
			config.LogError(logger, "ledgerPosting.go", "PostLedgerTransaction", "EnqueueNotification", txn, err)
			return nil, err
		}
	}

	return &txn, nil
}

// Payments always notify the productora. Settlement credit notifications sit
// behind a flag because high-volume ingests can flood the topic.
func notificationEventFor(kind models.LedgerTransactionKind) (models.NotificationEventKind, bool) {
	switch kind {
	case models.LedgerTransactionKindPayment:
		return models.NotificationEventProductoraPaid, true
	case models.LedgerTransactionKindSettlement:
		if config.SettlementNotifyEvents() {
			return models.NotificationEventSettlementCredited, true
		}
	}
	return "", false
}

// PostTransfer moves funds between two productoras as a linked pair of
// transactions: a debit on the source, a credit on the destination. Both
// posting locks must already be held; lock order is ascending productora id
// to avoid deadlocks between concurrent opposite transfers.
func PostTransfer(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, sourceId, destinationId int, amount decimal.Decimal, memo string, batchId int, effectiveAt *time.Time) (*models.LedgerTransaction, *models.LedgerTransaction, error) {

	if sourceId == destinationId {
		return nil, nil, fmt.Errorf("%w: transfer source and destination must differ", models.ErrValidation)
	}
	if !utils.IsMoneyAmount(amount) {
		return nil, nil, fmt.Errorf("%w: transfer amount must be positive with at most two decimal places", models.ErrValidation)
	}

	// Both legs share one post timestamp.
	postedAt := time.Now().UTC()
	debit, err := PostLedgerTransaction(ctx, tx, logger, PostingInput{
		ProductoraId: sourceId,
		Kind:         models.LedgerTransactionKindTransfer,
		Amount:       amount.Neg(),
		Memo:         memo,
		BatchId:      batchId,
		PostedAt:     postedAt,
		EffectiveAt:  effectiveAt,
	})
	if err != nil {
		return nil, nil, err
	}
	credit, err := PostLedgerTransaction(ctx, tx, logger, PostingInput{
		ProductoraId: destinationId,
		Kind:         models.LedgerTransactionKindTransfer,
		Amount:       amount,
		Memo:         memo,
		BatchId:      batchId,
		PostedAt:     postedAt,
		EffectiveAt:  effectiveAt,
	})
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}
