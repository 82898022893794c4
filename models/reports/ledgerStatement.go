package reports

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type LedgerStatementRow struct {
	TransactionId int             `json:"TransactionId"`
	PostedAt      time.Time       `json:"PostedAt"`
	EffectiveAt   *time.Time      `json:"EffectiveAt"`
	Kind          string          `json:"Kind"`
	Amount        decimal.Decimal `json:"Amount"`
	BalanceAfter  decimal.Decimal `json:"BalanceAfter"`
	Memo          string          `json:"Memo"`
	BatchId       int             `json:"BatchId"`
}

// GetLedgerStatement returns the productora's movements for the period,
// oldest first, with the balance snapshot carried on each row.
func GetLedgerStatement(ctx context.Context, productoraId int, fromDate, toDate time.Time) ([]*LedgerStatementRow, error) {

	if _, err := models.GetProductora(ctx, productoraId); err != nil {
		return nil, err
	}

	sql := `
SELECT
    lt.id AS transaction_id,
    lt.posted_at,
    lt.effective_at,
    lt.kind,
    lt.amount,
    lt.balance_after,
    lt.memo,
    lt.batch_id
FROM
    ledger_transactions lt
WHERE
    lt.productora_id = @productoraId
        AND lt.posted_at BETWEEN @fromDate AND @toDate
ORDER BY lt.posted_at, lt.id;
`

	var records []*LedgerStatementRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"productoraId": productoraId,
		"fromDate":     fromDate,
		"toDate":       toDate,
	}).Scan(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

func (r LedgerStatementRow) GetCellValues() []interface{} {
	effectiveAt := ""
	if r.EffectiveAt != nil {
		effectiveAt = r.EffectiveAt.Format("2006-01-02")
	}
	return []interface{}{
		r.TransactionId,
		r.PostedAt.Format("2006-01-02 15:04:05"),
		effectiveAt,
		r.Kind,
		r.Amount.StringFixed(2),
		r.BalanceAfter.StringFixed(2),
		r.Memo,
		r.BatchId,
	}
}

var ledgerStatementHeadings = []string{
	"Transaction Id", "Posted At", "Effective At", "Kind", "Amount", "Balance After", "Memo", "Batch Id",
}

// WriteLedgerStatementExcel streams the statement as an xlsx attachment.
func WriteLedgerStatementExcel(w http.ResponseWriter, rows []*LedgerStatementRow, filename string) error {

	f := excelize.NewFile()
	sheetName := "Sheet1"
	_, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	col := 'A'
	for _, h := range ledgerStatementHeadings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	rowNo := 2
	for _, d := range rows {
		col := 'A'
		for _, value := range d.GetCellValues() {
			f.SetCellValue(sheetName, string(col)+fmt.Sprint(rowNo), value)
			col++
		}
		rowNo++
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	return f.Write(w)
}
