package workflow

import (
	"testing"
	"time"

	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/stretchr/testify/require"
)

// CUITs below carry valid mod-11 check digits.
const (
	cuitA = "30712345671"
	cuitB = "30698765433"
)

func TestValidateBatchRowPayment(t *testing.T) {
	row := models.BatchRow{Cuit: cuitA, Amount: dec("150.00")}
	require.NoError(t, ValidateBatchRow(models.BatchKindPayment, row))
}

func TestValidateBatchRowPaymentMissingCuit(t *testing.T) {
	row := models.BatchRow{Amount: dec("150.00")}
	err := ValidateBatchRow(models.BatchKindPayment, row)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestValidateBatchRowBadCheckDigit(t *testing.T) {
	row := models.BatchRow{Cuit: "30712345679", Amount: dec("10.00")}
	err := ValidateBatchRow(models.BatchKindPayment, row)
	require.ErrorIs(t, err, models.ErrValidation)
	require.Contains(t, err.Error(), "check digit")
}

func TestValidateBatchRowAmountPrecision(t *testing.T) {
	cases := []struct {
		amount string
		ok     bool
	}{
		{"100.00", true},
		{"0.01", true},
		{"100.001", false},
		{"0", false},
		{"-5.00", false},
	}
	for _, tc := range cases {
		row := models.BatchRow{Cuit: cuitA, Amount: dec(tc.amount)}
		err := ValidateBatchRow(models.BatchKindAdjustment, row)
		if tc.ok {
			require.NoError(t, err, "amount %s", tc.amount)
		} else {
			require.ErrorIs(t, err, models.ErrValidation, "amount %s", tc.amount)
		}
	}
}

func TestValidateBatchRowSettlementNeedsIsrc(t *testing.T) {
	row := models.BatchRow{Amount: dec("99.50")}
	err := ValidateBatchRow(models.BatchKindSettlement, row)
	require.ErrorIs(t, err, models.ErrValidation)

	row.Isrc = "ARABC2400001"
	require.NoError(t, ValidateBatchRow(models.BatchKindSettlement, row))
}

func TestValidateBatchRowTransferNeedsBothCuits(t *testing.T) {
	row := models.BatchRow{Cuit: cuitA, Amount: dec("75.00")}
	err := ValidateBatchRow(models.BatchKindTransfer, row)
	require.ErrorIs(t, err, models.ErrValidation)

	row.DestinationCuit = cuitB
	require.NoError(t, ValidateBatchRow(models.BatchKindTransfer, row))
}

func TestValidateBatchRowAdjustmentDirection(t *testing.T) {
	row := models.BatchRow{Cuit: cuitA, Amount: dec("20.00"), Direction: "debit"}
	require.NoError(t, ValidateBatchRow(models.BatchKindAdjustment, row))

	row.Direction = "sideways"
	err := ValidateBatchRow(models.BatchKindAdjustment, row)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestBatchChecksumStable(t *testing.T) {
	rows := []models.BatchRow{
		{Cuit: cuitA, Amount: dec("100.00"), Memo: "march royalties"},
		{Cuit: cuitB, Amount: dec("55.10")},
	}

	first := BatchChecksum(models.BatchKindPayment, rows)
	second := BatchChecksum(models.BatchKindPayment, rows)
	require.Equal(t, first, second)
	require.Len(t, first, 64)
}

func TestBatchChecksumSensitivity(t *testing.T) {
	rows := []models.BatchRow{
		{Cuit: cuitA, Amount: dec("100.00")},
		{Cuit: cuitB, Amount: dec("55.10")},
	}
	base := BatchChecksum(models.BatchKindPayment, rows)

	// Different kind, different hash.
	require.NotEqual(t, base, BatchChecksum(models.BatchKindAdjustment, rows))

	// Row order matters: a reordered file is a different submission.
	swapped := []models.BatchRow{rows[1], rows[0]}
	require.NotEqual(t, base, BatchChecksum(models.BatchKindPayment, swapped))

	// Amounts are canonicalized to two decimals before hashing.
	sameAmount := []models.BatchRow{
		{Cuit: cuitA, Amount: dec("100")},
		{Cuit: cuitB, Amount: dec("55.1")},
	}
	require.Equal(t, base, BatchChecksum(models.BatchKindPayment, sameAmount))

	// Effective dates are part of the content: a resubmission covering a
	// different period is a different batch.
	effective := time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC)
	dated := []models.BatchRow{
		{Cuit: cuitA, Amount: dec("100.00"), EffectiveAt: &effective},
		{Cuit: cuitB, Amount: dec("55.10")},
	}
	require.NotEqual(t, base, BatchChecksum(models.BatchKindPayment, dated))

	otherPeriod := effective.AddDate(0, -3, 0)
	redated := []models.BatchRow{
		{Cuit: cuitA, Amount: dec("100.00"), EffectiveAt: &otherPeriod},
		{Cuit: cuitB, Amount: dec("55.10")},
	}
	require.NotEqual(t, BatchChecksum(models.BatchKindPayment, dated), BatchChecksum(models.BatchKindPayment, redated))

	// Explicit ordinals distinguish otherwise identical rows.
	numbered := []models.BatchRow{
		{Ordinal: 7, Cuit: cuitA, Amount: dec("100.00")},
		{Cuit: cuitB, Amount: dec("55.10")},
	}
	require.NotEqual(t, base, BatchChecksum(models.BatchKindPayment, numbered))
}
