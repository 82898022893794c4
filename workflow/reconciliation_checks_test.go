package workflow

import (
	"testing"

	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/stretchr/testify/require"
)

func TestChainMismatchReportSnapshotDivergence(t *testing.T) {
	checkType, detail := chainMismatchReport(models.ChainMismatch{
		TransactionId:   42,
		ExpectedBalance: dec("150.00"),
		StoredBalance:   dec("160.00"),
	})
	require.Equal(t, models.ReconCheckLedgerChain, checkType)
	require.Contains(t, detail, "transaction 42")
	require.Contains(t, detail, "160.00")
	require.Contains(t, detail, "150.00")
}

func TestChainMismatchReportCachedBalanceDivergence(t *testing.T) {
	checkType, detail := chainMismatchReport(models.ChainMismatch{
		TransactionId:   0,
		ExpectedBalance: dec("300.00"),
		StoredBalance:   dec("290.00"),
	})
	require.Equal(t, models.ReconCheckCachedBalance, checkType)
	require.Contains(t, detail, "cached balance")
}
