package config

import (
	"os"
	"strings"
)

// BatchChecksumDedup enables cross-batch duplicate detection: a batch whose
// row checksum matches a previously finalized batch of the same kind is
// refused before any row is processed.
//
// Set via env:
// - BATCH_CHECKSUM_DEDUP=true
func BatchChecksumDedup() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("BATCH_CHECKSUM_DEDUP")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SettlementNotifyEvents controls whether settlement credits (not only
// payments) enqueue productora notifications.
//
// Set via env:
// - SETTLEMENT_NOTIFY_EVENTS=true
func SettlementNotifyEvents() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SETTLEMENT_NOTIFY_EVENTS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
