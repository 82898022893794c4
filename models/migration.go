package models

import (
	"log"

	"bitbucket.org/fonodata/royalty_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Productora{}, &Phonogram{},
		&OwnershipInterval{},
		&Conflict{}, &InvolvedParty{}, &Decision{},
		&LedgerTransaction{},
		&Batch{}, &BatchRejectedRow{},
		&NotificationRecord{},
		&IdempotencyKey{},
		&AuditEntry{},
		&ReconciliationReport{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
