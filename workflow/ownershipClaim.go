package workflow

import (
	"context"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RegisterOwnershipClaim registers a direct (non-conflict) claim under the
// per-phonogram lock, enforcing the 100% allocation ceiling.
func RegisterOwnershipClaim(ctx context.Context, logger *logrus.Logger, phonogramId int, productoraId int, percentage decimal.Decimal, fromDate time.Time) (*models.OwnershipInterval, error) {

	if _, err := models.GetPhonogram(ctx, phonogramId); err != nil {
		return nil, err
	}
	if _, err := models.GetProductora(ctx, productoraId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var interval *models.OwnershipInterval
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		locks := newLockSet(conn)
		defer locks.ReleaseAll()
		if err := locks.LockPhonogramOwnership(conn, phonogramId); err != nil {
			return err
		}
		return conn.Transaction(func(tx *gorm.DB) error {
			var txErr error
			interval, txErr = models.RegisterClaimTx(tx, phonogramId, productoraId, percentage, fromDate, false)
			return txErr
		})
	})
	if err != nil {
		config.LogError(logger, "ownershipClaim.go", "RegisterOwnershipClaim", "RegisterClaim", phonogramId, err)
		return nil, err
	}
	return interval, nil
}
