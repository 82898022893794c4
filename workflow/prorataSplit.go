package workflow

import (
	"fmt"

	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
)

type SettlementAllocation struct {
	ProductoraId int
	Amount       decimal.Decimal
}

// SplitProRata distributes a settlement amount across the active owners in
// proportion to their percentages. Each allocation is rounded down to 2
// decimal places and the rounding remainder goes to the largest share, so
// the allocations always sum to exactly the input amount.
func SplitProRata(amount decimal.Decimal, shares []models.OwnershipShare) ([]SettlementAllocation, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no active ownership to settle against", models.ErrValidation)
	}

	totalPct := models.TotalAllocation(shares)
	if !totalPct.IsPositive() {
		return nil, fmt.Errorf("%w: active ownership sums to zero", models.ErrValidation)
	}

	allocations := make([]SettlementAllocation, 0, len(shares))
	allocated := decimal.Zero
	largest := 0
	for i, share := range shares {
		portion := amount.Mul(share.Percentage).DivRound(totalPct, 4).RoundDown(2)
		allocations = append(allocations, SettlementAllocation{
			ProductoraId: share.ProductoraId,
			Amount:       portion,
		})
		allocated = allocated.Add(portion)
		if share.Percentage.GreaterThan(shares[largest].Percentage) {
			largest = i
		}
	}

	remainder := amount.Sub(allocated)
	if !remainder.IsZero() {
		allocations[largest].Amount = allocations[largest].Amount.Add(remainder)
	}
	return allocations, nil
}
