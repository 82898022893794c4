package models_test

import (
	"testing"
	"time"

	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func pct(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(d int) time.Time {
	return time.Date(2026, time.January, d, 0, 0, 0, 0, time.UTC)
}

func TestActiveSharesAtFiltersByInterval(t *testing.T) {
	closed := day(10)
	intervals := []models.OwnershipInterval{
		{ProductoraId: 1, Percentage: pct("60"), FromDate: day(1)},
		{ProductoraId: 2, Percentage: pct("40"), FromDate: day(1), ToDate: &closed},
		{ProductoraId: 3, Percentage: pct("40"), FromDate: day(10)},
	}

	// On day 5 only productoras 1 and 2 are active.
	shares := models.ActiveSharesAt(intervals, day(5))
	require.Len(t, shares, 2)
	require.Equal(t, 1, shares[0].ProductoraId)
	require.Equal(t, 2, shares[1].ProductoraId)

	// On day 15 the closed interval has been superseded by productora 3.
	shares = models.ActiveSharesAt(intervals, day(15))
	require.Len(t, shares, 2)
	require.Equal(t, 1, shares[0].ProductoraId)
	require.Equal(t, 3, shares[1].ProductoraId)
}

func TestActiveSharesAtBoundaryInstants(t *testing.T) {
	closed := day(10)
	intervals := []models.OwnershipInterval{
		{ProductoraId: 1, Percentage: pct("50"), FromDate: day(1), ToDate: &closed},
		{ProductoraId: 2, Percentage: pct("50"), FromDate: day(10)},
	}

	// At the exact handover instant the closing interval is already out and
	// the new one is already in: no instant carries both.
	shares := models.ActiveSharesAt(intervals, day(10))
	require.Len(t, shares, 1)
	require.Equal(t, 2, shares[0].ProductoraId)

	// Before any interval starts nothing is allocated.
	require.Empty(t, models.ActiveSharesAt(intervals, day(1).Add(-time.Hour)))
}

func TestTotalAllocationSums(t *testing.T) {
	shares := []models.OwnershipShare{
		{ProductoraId: 1, Percentage: pct("33.33")},
		{ProductoraId: 2, Percentage: pct("33.33")},
		{ProductoraId: 3, Percentage: pct("33.34")},
	}
	require.True(t, models.TotalAllocation(shares).Equal(pct("100")))
	require.True(t, models.TotalAllocation(nil).IsZero())
}

func TestAllocationCeilingArithmetic(t *testing.T) {
	// The registration guard compares the active total plus the incoming
	// claim against 100. This covers the exact-fit and overflow cases.
	active := []models.OwnershipShare{
		{ProductoraId: 1, Percentage: pct("60")},
		{ProductoraId: 2, Percentage: pct("39.99")},
	}
	total := models.TotalAllocation(active)

	require.False(t, total.Add(pct("0.01")).GreaterThan(pct("100")))
	require.True(t, total.Add(pct("0.02")).GreaterThan(pct("100")))
}
