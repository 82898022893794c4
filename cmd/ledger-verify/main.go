package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"bitbucket.org/fonodata/royalty_backend/workflow"
)

// ledger-verify runs the balance-chain and ownership-allocation checks across
// every productora and phonogram, prints the resulting reports, and exits
// non-zero when any inconsistency was found. Intended for Cloud Scheduler.
func main() {
	verbose := flag.Bool("verbose", false, "Print every reconciliation report row, not just the summary.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	}

	// Posting-halt audits read actor fields from the context.
	ctx = utils.SetActorIdInContext(ctx, 0)
	ctx = utils.SetActorNameInContext(ctx, "LedgerVerify")

	correlationId, err := workflow.RunLedgerReconciliationChecks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation checks failed: %v\n", err)
		os.Exit(1)
	}

	var reports []*models.ReconciliationReport
	if err := db.WithContext(ctx).
		Where("correlation_id = ?", correlationId).
		Order("id").
		Find(&reports).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list reports: %v\n", err)
		os.Exit(1)
	}

	if len(reports) == 0 {
		fmt.Printf("ledger-verify: all checks passed (correlation_id=%s)\n", correlationId)
		return
	}

	byCheck := map[string]int{}
	for _, rep := range reports {
		byCheck[rep.CheckType]++
		if *verbose {
			fmt.Printf("%s %s %d: %s\n", rep.CheckType, rep.EntityType, rep.EntityId, rep.Details)
		}
	}
	fmt.Fprintf(os.Stderr, "ledger-verify: %d inconsistencies found (correlation_id=%s)\n", len(reports), correlationId)
	for checkType, count := range byCheck {
		fmt.Fprintf(os.Stderr, "  %s: %d\n", checkType, count)
	}
	os.Exit(2)
}
