package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var rowValidator = validator.New()

const batchIngestHandler = "BatchIngest"

// BatchChecksum is the canonical content hash of a submission, used for the
// optional cross-batch dedup.
func BatchChecksum(kind models.BatchKind, rows []models.BatchRow) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, row := range rows {
		effectiveAt := ""
		if row.EffectiveAt != nil {
			effectiveAt = row.EffectiveAt.UTC().Format(time.RFC3339Nano)
		}
		canonical, _ := json.Marshal(struct {
			Ordinal         int    `json:"o"`
			Cuit            string `json:"c"`
			DestinationCuit string `json:"d"`
			Isrc            string `json:"i"`
			Amount          string `json:"a"`
			Direction       string `json:"dir"`
			Memo            string `json:"m"`
			EffectiveAt     string `json:"e"`
		}{
			Ordinal:         row.Ordinal,
			Cuit:            utils.NormalizeCuit(row.Cuit),
			DestinationCuit: utils.NormalizeCuit(row.DestinationCuit),
			Isrc:            utils.NormalizeIsrc(row.Isrc),
			Amount:          row.Amount.StringFixed(2),
			Direction:       row.Direction,
			Memo:            row.Memo,
			EffectiveAt:     effectiveAt,
		})
		h.Write(canonical)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateBatchRow checks the shape of one row for its batch kind before any
// database work: required identifiers, CUIT check digits, ISRC format, and
// positive 2-decimal amounts.
func ValidateBatchRow(kind models.BatchKind, row models.BatchRow) error {
	if err := rowValidator.Struct(row); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}
	if !utils.IsMoneyAmount(row.Amount) {
		return fmt.Errorf("%w: amount must be positive with at most two decimal places", models.ErrValidation)
	}

	if kind == models.BatchKindSettlement {
		if row.Isrc == "" {
			return fmt.Errorf("%w: settlement row requires an isrc", models.ErrValidation)
		}
		if err := utils.ValidateIsrc(row.Isrc); err != nil {
			return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
		}
		return nil
	}

	if row.Cuit == "" {
		return fmt.Errorf("%w: row requires a cuit", models.ErrValidation)
	}
	if err := utils.ValidateCuit(row.Cuit); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}
	if kind == models.BatchKindTransfer {
		if row.DestinationCuit == "" {
			return fmt.Errorf("%w: transfer row requires a destination cuit", models.ErrValidation)
		}
		if err := utils.ValidateCuit(row.DestinationCuit); err != nil {
			return fmt.Errorf("%w: destination %s", models.ErrValidation, err.Error())
		}
	}
	return nil
}

// IngestBatch processes one decoded submission. Each row runs in its own DB
// transaction under the relevant advisory locks; a bad row is recorded and
// skipped, never aborting the batch. Cancellation stops processing further
// rows and finalizes the batch as Aborted with the partial counts.
func IngestBatch(ctx context.Context, logger *logrus.Logger, kind models.BatchKind, rows []models.BatchRow, sourceRef string) (*models.BatchResult, error) {

	db := config.GetDB()
	checksum := BatchChecksum(kind, rows)

	if config.BatchChecksumDedup() {
		prior, err := models.FindBatchByChecksum(ctx, checksum)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return nil, fmt.Errorf("%w: identical batch content already ingested as batch %d", models.ErrValidation, prior.ID)
		}
	}

	// Best-effort guard against the same file being submitted twice in
	// flight. The DB advisory locks remain authoritative.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "ingest:"+checksum, 5*time.Minute, nil)
		if err == nil {
			defer func() { _ = lock.Release(ctx) }()
		} else if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: identical batch content is being ingested", models.ErrValidation)
		}
	}

	var batch *models.Batch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		batch, txErr = models.CreateBatchTx(tx, kind, checksum, sourceRef, len(rows))
		return txErr
	})
	if err != nil {
		config.LogError(logger, "batchIngest.go", "IngestBatch", "CreateBatch", kind, err)
		return nil, err
	}

	result := models.BatchResult{
		BatchId: batch.ID,
		Total:   decimal.Zero,
	}
	aborted := false

	for i, row := range rows {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		if row.Ordinal == 0 {
			row.Ordinal = i + 1
		}

		applied, err := ingestRow(ctx, db, logger, batch, kind, row)
		if err != nil {
			rawPayload, _ := json.Marshal(row)
			reason := rowReason(err)
			recErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return models.RecordRejectedRowTx(tx, batch.ID, row.Ordinal, reason, string(rawPayload))
			})
			if recErr != nil {
				config.LogError(logger, "batchIngest.go", "IngestBatch", "RecordRejectedRow", row, recErr)
				return nil, recErr
			}
			result.Rejected = append(result.Rejected, models.RejectedRow{Ordinal: row.Ordinal, Reason: reason})
			continue
		}
		result.Applied++
		result.Total = result.Total.Add(applied)
	}

	status := models.BatchStatusFinalized
	if aborted {
		status = models.BatchStatusAborted
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := models.FinalizeBatchTx(tx, batch, status, result.Applied, len(result.Rejected)); err != nil {
			return err
		}
		if status == models.BatchStatusFinalized {
			return models.EnqueueNotification(ctx, tx, 0, models.NotificationEventBatchFinalized, result.Total, batch.ID, time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "batchIngest.go", "IngestBatch", "FinalizeBatch", batch.ID, err)
		return nil, err
	}
	result.Status = status

	logger.WithFields(logrus.Fields{
		"field":    "BatchIngest",
		"batch_id": batch.ID,
		"kind":     kind,
		"applied":  result.Applied,
		"rejected": len(result.Rejected),
		"aborted":  aborted,
	}).Info("batch ingestion finished")

	return &result, nil
}

// ingestRow applies one row in its own transaction and returns the total
// amount posted for it. Re-submitting an already-succeeded row is a no-op.
func ingestRow(ctx context.Context, db *gorm.DB, logger *logrus.Logger, batch *models.Batch, kind models.BatchKind, row models.BatchRow) (decimal.Decimal, error) {

	if err := ValidateBatchRow(kind, row); err != nil {
		return decimal.Zero, err
	}

	messageId := fmt.Sprintf("batch:%d:row:%d", batch.ID, row.Ordinal)
	applied := decimal.Zero

	// The advisory locks live on a pinned connection and are released only
	// after the row's transaction has committed, so no concurrent poster can
	// read the chain tip before this row's snapshot is visible.
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		locks := newLockSet(conn)
		defer locks.ReleaseAll()

		return conn.Transaction(func(tx *gorm.DB) error {
			skip, err := BeginIdempotency(tx, batchIngestHandler, messageId)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}

			switch kind {
			case models.BatchKindSettlement:
				applied, err = applySettlementRow(ctx, tx, locks, logger, batch, row)
			case models.BatchKindTransfer:
				applied, err = applyTransferRow(ctx, tx, locks, logger, batch, row)
			default:
				applied, err = applyDirectRow(ctx, tx, locks, logger, batch, kind, row)
			}
			if err != nil {
				return err
			}
			return MarkIdempotencySucceeded(tx, batchIngestHandler, messageId)
		})
	})
	if err != nil {
		// Record the failure outcome for the key outside the rolled-back tx,
		// unless another worker still owns the key.
		if !errors.Is(err, ErrIdempotencyInProgress) {
			markErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return MarkIdempotencyFailed(tx, batchIngestHandler, messageId, err)
			})
			if markErr != nil {
				config.LogError(logger, "batchIngest.go", "ingestRow", "MarkIdempotencyFailed", messageId, markErr)
			}
		}
		return decimal.Zero, err
	}
	return applied, nil
}

// applyDirectRow handles payment, rejection, and adjustment rows: one post
// against the productora resolved by CUIT. Payments debit, rejections
// credit the funds back, adjustments carry an explicit direction
// (default credit).
func applyDirectRow(ctx context.Context, tx *gorm.DB, locks *lockSet, logger *logrus.Logger, batch *models.Batch, kind models.BatchKind, row models.BatchRow) (decimal.Decimal, error) {

	productora, err := models.GetProductoraByCuitTx(tx, row.Cuit)
	if err != nil {
		return decimal.Zero, err
	}

	if err := locks.LockProductoraPosting(tx, productora.ID); err != nil {
		return decimal.Zero, err
	}

	amount := row.Amount
	switch kind {
	case models.BatchKindPayment:
		amount = amount.Neg()
	case models.BatchKindAdjustment:
		if row.Direction == "debit" {
			amount = amount.Neg()
		}
	}

	txn, err := PostLedgerTransaction(ctx, tx, logger, PostingInput{
		ProductoraId: productora.ID,
		Kind:         kind.TransactionKind(),
		Amount:       amount,
		Memo:         row.Memo,
		BatchId:      batch.ID,
		EffectiveAt:  row.EffectiveAt,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return txn.Amount.Abs(), nil
}

func applyTransferRow(ctx context.Context, tx *gorm.DB, locks *lockSet, logger *logrus.Logger, batch *models.Batch, row models.BatchRow) (decimal.Decimal, error) {

	source, err := models.GetProductoraByCuitTx(tx, row.Cuit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("source %w", err)
	}
	destination, err := models.GetProductoraByCuitTx(tx, row.DestinationCuit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("destination %w", err)
	}

	// Ascending lock order avoids deadlocks between opposite transfers.
	first, second := source.ID, destination.ID
	if first > second {
		first, second = second, first
	}
	if err := locks.LockProductoraPosting(tx, first); err != nil {
		return decimal.Zero, err
	}
	if err := locks.LockProductoraPosting(tx, second); err != nil {
		return decimal.Zero, err
	}

	_, _, err = PostTransfer(ctx, tx, logger, source.ID, destination.ID, row.Amount, row.Memo, batch.ID, row.EffectiveAt)
	if err != nil {
		return decimal.Zero, err
	}
	return row.Amount, nil
}

// applySettlementRow resolves the phonogram's active owners at the row's
// effective date and posts one pro-rata credit per owner. The chain itself
// orders by post time regardless of the effective date.
func applySettlementRow(ctx context.Context, tx *gorm.DB, locks *lockSet, logger *logrus.Logger, batch *models.Batch, row models.BatchRow) (decimal.Decimal, error) {

	phonogram, err := models.GetPhonogramByIsrcTx(tx, row.Isrc)
	if err != nil {
		return decimal.Zero, err
	}

	if err := locks.LockPhonogramOwnership(tx, phonogram.ID); err != nil {
		return decimal.Zero, err
	}

	open, err := models.HasOpenConflictTx(tx, phonogram.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if open {
		return decimal.Zero, fmt.Errorf("%w: phonogram %s has an unresolved ownership conflict", models.ErrValidation, phonogram.Isrc)
	}

	atDate := time.Now().UTC()
	if row.EffectiveAt != nil {
		atDate = row.EffectiveAt.UTC()
	}
	shares, err := models.ActiveOwnershipTx(tx, phonogram.ID, atDate)
	if err != nil {
		return decimal.Zero, err
	}

	allocations, err := SplitProRata(row.Amount, shares)
	if err != nil {
		return decimal.Zero, err
	}

	// Ascending lock order, same as transfers.
	lockIds := make([]int, 0, len(allocations))
	for _, allocation := range allocations {
		if !allocation.Amount.IsZero() {
			lockIds = append(lockIds, allocation.ProductoraId)
		}
	}
	sort.Ints(lockIds)
	for _, id := range lockIds {
		if err := locks.LockProductoraPosting(tx, id); err != nil {
			return decimal.Zero, err
		}
	}

	total := decimal.Zero
	for _, allocation := range allocations {
		if allocation.Amount.IsZero() {
			continue
		}
		txn, err := PostLedgerTransaction(ctx, tx, logger, PostingInput{
			ProductoraId: allocation.ProductoraId,
			Kind:         models.LedgerTransactionKindSettlement,
			Amount:       allocation.Amount,
			Memo:         fmt.Sprintf("settlement %s %s", phonogram.Isrc, row.Memo),
			BatchId:      batch.ID,
			EffectiveAt:  row.EffectiveAt,
		})
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(txn.Amount)
	}
	return total, nil
}

func rowReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
