package workflow

import (
	"testing"

	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSplitProRataTwoOwners(t *testing.T) {
	shares := []models.OwnershipShare{
		{ProductoraId: 1, Percentage: dec("60")},
		{ProductoraId: 2, Percentage: dec("40")},
	}

	allocations, err := SplitProRata(dec("1000.00"), shares)
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	require.True(t, allocations[0].Amount.Equal(dec("600.00")), "got %s", allocations[0].Amount)
	require.True(t, allocations[1].Amount.Equal(dec("400.00")), "got %s", allocations[1].Amount)
}

func TestSplitProRataRemainderGoesToLargestShare(t *testing.T) {
	shares := []models.OwnershipShare{
		{ProductoraId: 1, Percentage: dec("33.33")},
		{ProductoraId: 2, Percentage: dec("33.33")},
		{ProductoraId: 3, Percentage: dec("33.34")},
	}

	allocations, err := SplitProRata(dec("100.00"), shares)
	require.NoError(t, err)

	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.Amount)
	}
	require.True(t, total.Equal(dec("100.00")), "allocations must sum exactly, got %s", total)

	// Productora 3 holds the largest share and absorbs the rounding remainder.
	require.True(t, allocations[2].Amount.GreaterThanOrEqual(allocations[0].Amount))
}

func TestSplitProRataPartialOwnershipUsesRelativeShares(t *testing.T) {
	// A single 50% owner receives the full amount: splitting is relative to
	// the registered shares, not to a notional 100%.
	shares := []models.OwnershipShare{
		{ProductoraId: 7, Percentage: dec("50")},
	}

	allocations, err := SplitProRata(dec("250.00"), shares)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	require.True(t, allocations[0].Amount.Equal(dec("250.00")), "got %s", allocations[0].Amount)
}

func TestSplitProRataNoOwnersFails(t *testing.T) {
	_, err := SplitProRata(dec("100.00"), nil)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestSplitProRataTinyAmount(t *testing.T) {
	shares := []models.OwnershipShare{
		{ProductoraId: 1, Percentage: dec("70")},
		{ProductoraId: 2, Percentage: dec("30")},
	}

	allocations, err := SplitProRata(dec("0.01"), shares)
	require.NoError(t, err)

	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.Amount)
	}
	require.True(t, total.Equal(dec("0.01")), "got %s", total)
	// The cent lands on the largest share; the other owner gets zero.
	require.True(t, allocations[0].Amount.Equal(dec("0.01")))
	require.True(t, allocations[1].Amount.IsZero())
}
