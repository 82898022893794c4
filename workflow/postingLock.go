package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// Advisory locks serialize posting per productora, claim registration per
// phonogram, and decision casting per conflict across instances.
//
// GET_LOCK is connection-scoped, not transaction-scoped. Callers pin one
// connection, take locks on it, run the posting transaction on that same
// connection, and release only after the transaction has committed or rolled
// back. Releasing inside the transaction opens a window where a concurrent
// poster reads the chain tip before this post's snapshot is visible and
// writes a duplicate BalanceAfter.

// lockSet tracks the advisory locks held on one pinned connection so they
// can all be released once the surrounding transaction has finished.
type lockSet struct {
	conn  *gorm.DB
	names []string
}

func newLockSet(conn *gorm.DB) *lockSet {
	return &lockSet{conn: conn}
}

// db may be the pinned connection itself or a transaction running on it;
// either way the lock attaches to the same underlying connection.
func (s *lockSet) acquire(db *gorm.DB, name string) error {
	var ok int
	if err := db.Raw("SELECT GET_LOCK(?, 30)", name).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire advisory lock %s", name)
	}
	s.names = append(s.names, name)
	return nil
}

// LockProductoraPosting serializes balance-chain appends for one productora.
func (s *lockSet) LockProductoraPosting(db *gorm.DB, productoraId int) error {
	return s.acquire(db, fmt.Sprintf("ledger:%d", productoraId))
}

// LockPhonogramOwnership serializes claim registration per phonogram so
// concurrent claims cannot both pass the allocation check.
func (s *lockSet) LockPhonogramOwnership(db *gorm.DB, phonogramId int) error {
	return s.acquire(db, fmt.Sprintf("ownership:%d", phonogramId))
}

// LockConflict serializes decision casting per conflict so the last decision
// resolves the conflict exactly once.
func (s *lockSet) LockConflict(db *gorm.DB, conflictId int) error {
	return s.acquire(db, fmt.Sprintf("conflict:%d", conflictId))
}

// ReleaseAll releases every held lock on the pinned connection, newest
// first. GET_LOCK is reentrant, so each acquisition gets its own release.
func (s *lockSet) ReleaseAll() {
	for i := len(s.names) - 1; i >= 0; i-- {
		var ok int
		_ = s.conn.Raw("SELECT RELEASE_LOCK(?)", s.names[i]).Scan(&ok).Error
	}
	s.names = nil
}
