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

// LedgerTransaction is one immutable balance movement. BalanceAfter is the
// snapshot computed at post time: for a given productora, ordered by
// posted_at then id, each snapshot equals the previous snapshot plus the
// signed amount. PostedAt is always stamped when the row is appended, so the
// chain order matches insertion order; EffectiveAt preserves the settled
// period when it differs (nil means effective at post time). Corrections are
// new offsetting transactions.
type LedgerTransaction struct {
	ID           int                   `gorm:"primary_key" json:"id"`
	ProductoraId int                   `gorm:"not null;index;index:idx_lt_prod_posted,priority:1" json:"productora_id"`
	Kind         LedgerTransactionKind `gorm:"type:enum('ST','PY','RJ','TR','AJ');not null;index" json:"kind"`
	Amount       decimal.Decimal       `gorm:"type:decimal(20,2);not null" json:"amount"`
	BalanceAfter decimal.Decimal       `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	Memo         string                `gorm:"size:255" json:"memo"`
	BatchId      int                   `gorm:"index" json:"batch_id"`
	PostedAt     time.Time             `gorm:"not null;index:idx_lt_prod_posted,priority:2" json:"posted_at"`
	EffectiveAt  *time.Time            `gorm:"index" json:"effective_at"`
	CreatedAt    time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

// Ledger immutability guardrails: ledger_transactions are append-only.

func (t *LedgerTransaction) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: ledger_transactions cannot be updated")
}

func (t *LedgerTransaction) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: ledger_transactions cannot be deleted")
}

func (t LedgerTransaction) GetId() int {
	return t.ID
}

func (t LedgerTransaction) GetCursor() string {
	return t.PostedAt.UTC().Format("2006-01-02 15:04:05.000000")
}

// LatestLedgerTransactionTx returns the newest transaction for a productora
// or nil when the ledger is empty.
func LatestLedgerTransactionTx(tx *gorm.DB, productoraId int) (*LedgerTransaction, error) {
	var last LedgerTransaction
	err := tx.Where("productora_id = ?", productoraId).
		Order("posted_at DESC, id DESC").
		First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &last, nil
}

type LedgerHistoryFilter struct {
	Kind    *LedgerTransactionKind
	BatchId *int
	From    *time.Time
	To      *time.Time
}

type LedgerTransactionsConnection struct {
	Edges    []*LedgerTransactionsEdge `json:"edges"`
	PageInfo *PageInfo                 `json:"pageInfo"`
}

type LedgerTransactionsEdge Edge[LedgerTransaction]

// PaginateLedgerHistory is the restartable, lazy history sequence: ordered by
// posted_at descending, ties broken by id.
func PaginateLedgerHistory(ctx context.Context, productoraId int, limit int, after *string, filter *LedgerHistoryFilter) (*LedgerTransactionsConnection, error) {

	if _, err := GetProductora(ctx, productoraId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&LedgerTransaction{}).Where("productora_id = ?", productoraId)
	if filter != nil {
		if filter.Kind != nil && *filter.Kind != "" {
			dbCtx = dbCtx.Where("kind = ?", *filter.Kind)
		}
		if filter.BatchId != nil && *filter.BatchId > 0 {
			dbCtx = dbCtx.Where("batch_id = ?", *filter.BatchId)
		}
		if filter.From != nil {
			dbCtx = dbCtx.Where("posted_at >= ?", *filter.From)
		}
		if filter.To != nil {
			dbCtx = dbCtx.Where("posted_at < ?", *filter.To)
		}
	}

	edges, pageInfo, err := FetchPageCompositeCursor[LedgerTransaction](dbCtx, limit, after, "posted_at", "<")
	if err != nil {
		return nil, err
	}
	var connection LedgerTransactionsConnection
	connection.PageInfo = pageInfo
	for _, edge := range edges {
		ledgerEdge := LedgerTransactionsEdge(edge)
		connection.Edges = append(connection.Edges, &ledgerEdge)
	}

	return &connection, err
}

// LedgerHistory returns the full chain, oldest first, for chain verification
// and statement export.
func LedgerHistory(ctx context.Context, productoraId int) ([]*LedgerTransaction, error) {
	db := config.GetDB()
	var results []*LedgerTransaction
	err := db.WithContext(ctx).
		Where("productora_id = ?", productoraId).
		Order("posted_at, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

type ChainMismatch struct {
	TransactionId   int             `json:"transaction_id"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
}

// VerifyBalanceChain recomputes the productora's chain from the beginning.
// First transaction's snapshot must equal its own amount; every later
// snapshot equals the previous snapshot plus the amount; the cached balance
// must equal the last snapshot.
func VerifyBalanceChain(ctx context.Context, productoraId int) ([]ChainMismatch, error) {
	productora, err := GetProductora(ctx, productoraId)
	if err != nil {
		return nil, err
	}

	history, err := LedgerHistory(ctx, productoraId)
	if err != nil {
		return nil, err
	}

	var mismatches []ChainMismatch
	running := decimal.Zero
	for _, txn := range history {
		running = running.Add(txn.Amount)
		if !running.Equal(txn.BalanceAfter) {
			mismatches = append(mismatches, ChainMismatch{
				TransactionId:   txn.ID,
				ExpectedBalance: running,
				StoredBalance:   txn.BalanceAfter,
			})
			// resynchronize on the stored snapshot so one divergence is
			// reported once, not for every following row
			running = txn.BalanceAfter
		}
	}

	if len(history) > 0 {
		last := history[len(history)-1]
		if !productora.CachedBalance.Equal(last.BalanceAfter) {
			mismatches = append(mismatches, ChainMismatch{
				TransactionId:   0,
				ExpectedBalance: last.BalanceAfter,
				StoredBalance:   productora.CachedBalance,
			})
		}
	} else if !productora.CachedBalance.IsZero() {
		mismatches = append(mismatches, ChainMismatch{
			TransactionId:   0,
			ExpectedBalance: decimal.Zero,
			StoredBalance:   productora.CachedBalance,
		})
	}

	return mismatches, nil
}

// RecomputeBalance sums amounts over the full history. Used by tests and the
// reconciliation checks; the cached balance on Productora is never treated
// as a source of truth.
func RecomputeBalance(ctx context.Context, productoraId int) (decimal.Decimal, error) {
	db := config.GetDB()
	var total decimal.NullDecimal
	err := db.WithContext(ctx).Model(&LedgerTransaction{}).
		Where("productora_id = ?", productoraId).
		Select("SUM(amount)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func ledgerTransactionNotFound(id int) error {
	return fmt.Errorf("%w: ledger transaction %d", ErrNotFound, id)
}

func GetLedgerTransaction(ctx context.Context, id int) (*LedgerTransaction, error) {
	db := config.GetDB()
	var result LedgerTransaction
	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerTransactionNotFound(id)
		}
		return nil, err
	}
	return &result, nil
}
