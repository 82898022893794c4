package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"bitbucket.org/fonodata/royalty_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// End-to-end ledger regression harness.
//
// Non-negotiable safety: this test is intended to catch changes that would alter:
// - balance chain snapshots written by posting
// - pro-rata settlement splits
// - partial-failure accounting of batch ingestion
//
// Usage (requires Docker): INTEGRATION_TESTS=1 go test ./models -run LedgerChain -v

func TestLedgerChainEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "royalty_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	// Audit hooks read actor fields from the context.
	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test")

	logger := config.GetLogger()

	// 1) Two productoras sharing one phonogram 60/40.
	austral, err := models.CreateProductora(ctx, &models.NewProductora{Cuit: "30712345671", Name: "Discos Austral SA"})
	if err != nil {
		t.Fatalf("CreateProductora: %v", err)
	}
	litoral, err := models.CreateProductora(ctx, &models.NewProductora{Cuit: "30698765433", Name: "Sello Litoral SRL"})
	if err != nil {
		t.Fatalf("CreateProductora: %v", err)
	}

	phono, err := models.CreatePhonogram(ctx, &models.NewPhonogram{Isrc: "ARABC2400001", Title: "Viento Sur", Artist: "Los Andariegos"})
	if err != nil {
		t.Fatalf("CreatePhonogram: %v", err)
	}

	fromDate := time.Now().UTC().AddDate(0, -1, 0)
	if _, err := workflow.RegisterOwnershipClaim(ctx, logger, phono.ID, austral.ID, mustDec(t, "60"), fromDate); err != nil {
		t.Fatalf("RegisterOwnershipClaim 60%%: %v", err)
	}
	if _, err := workflow.RegisterOwnershipClaim(ctx, logger, phono.ID, litoral.ID, mustDec(t, "40"), fromDate); err != nil {
		t.Fatalf("RegisterOwnershipClaim 40%%: %v", err)
	}

	// A claim pushing the allocation past 100% must be rejected.
	if _, err := workflow.RegisterOwnershipClaim(ctx, logger, phono.ID, austral.ID, mustDec(t, "65"), time.Now().UTC()); err == nil {
		t.Fatalf("expected over-allocation rejection, got nil")
	}

	// 2) Settlement batch: 1000 split 60/40.
	settlement, err := workflow.IngestBatch(ctx, logger, models.BatchKindSettlement, []models.BatchRow{
		{Isrc: "ARABC2400001", Amount: mustDec(t, "1000.00"), Memo: "Q1 radio"},
	}, "test-settlement-1")
	if err != nil {
		t.Fatalf("IngestBatch settlement: %v", err)
	}
	if settlement.Applied != 1 || len(settlement.Rejected) != 0 {
		t.Fatalf("settlement batch: applied=%d rejected=%d", settlement.Applied, len(settlement.Rejected))
	}

	assertBalance(t, ctx, austral.ID, "600.00")
	assertBalance(t, ctx, litoral.ID, "400.00")

	// 3) Payment batch with a mid-batch bad row: processing continues.
	payments, err := workflow.IngestBatch(ctx, logger, models.BatchKindPayment, []models.BatchRow{
		{Cuit: "30712345671", Amount: mustDec(t, "100.00")},
		{Cuit: "30712345671", Amount: mustDec(t, "100.00")},
		{Cuit: "30712345679", Amount: mustDec(t, "100.00")}, // bad check digit
		{Cuit: "30698765433", Amount: mustDec(t, "100.00")},
		{Cuit: "30712345671", Amount: mustDec(t, "100.00")},
	}, "test-payments-1")
	if err != nil {
		t.Fatalf("IngestBatch payments: %v", err)
	}
	if payments.Applied != 4 || len(payments.Rejected) != 1 {
		t.Fatalf("payment batch: applied=%d rejected=%d", payments.Applied, len(payments.Rejected))
	}
	if payments.Rejected[0].Ordinal != 3 {
		t.Fatalf("expected ordinal 3 rejected, got %d", payments.Rejected[0].Ordinal)
	}

	assertBalance(t, ctx, austral.ID, "300.00")
	assertBalance(t, ctx, litoral.ID, "300.00")

	// 4) A payment beyond the balance is rejected; the balance is untouched.
	overdraft, err := workflow.IngestBatch(ctx, logger, models.BatchKindPayment, []models.BatchRow{
		{Cuit: "30698765433", Amount: mustDec(t, "5000.00")},
	}, "test-overdraft-1")
	if err != nil {
		t.Fatalf("IngestBatch overdraft: %v", err)
	}
	if overdraft.Applied != 0 || len(overdraft.Rejected) != 1 {
		t.Fatalf("overdraft batch: applied=%d rejected=%d", overdraft.Applied, len(overdraft.Rejected))
	}
	assertBalance(t, ctx, litoral.ID, "300.00")

	// The rejected row's idempotency key records the FAILED outcome even
	// though its posting transaction rolled back.
	var overdraftKey models.IdempotencyKey
	if err := config.GetDB().WithContext(ctx).
		Where("handler_name = ? AND message_id = ?", "BatchIngest", fmt.Sprintf("batch:%d:row:1", overdraft.BatchId)).
		First(&overdraftKey).Error; err != nil {
		t.Fatalf("overdraft idempotency key: %v", err)
	}
	if overdraftKey.Status != models.IdempotencyStatusFailed {
		t.Fatalf("overdraft idempotency key: expected FAILED, got %s", overdraftKey.Status)
	}
	if overdraftKey.LastError == nil || *overdraftKey.LastError == "" {
		t.Fatalf("overdraft idempotency key: last_error not recorded")
	}

	// 5) Transfer between the two accounts.
	transfer, err := workflow.IngestBatch(ctx, logger, models.BatchKindTransfer, []models.BatchRow{
		{Cuit: "30712345671", DestinationCuit: "30698765433", Amount: mustDec(t, "50.00")},
	}, "test-transfer-1")
	if err != nil {
		t.Fatalf("IngestBatch transfer: %v", err)
	}
	if transfer.Applied != 1 {
		t.Fatalf("transfer batch: applied=%d", transfer.Applied)
	}
	assertBalance(t, ctx, austral.ID, "250.00")
	assertBalance(t, ctx, litoral.ID, "350.00")

	// 5b) A settlement filed late for a past period resolves owners at the
	// effective date but still appends at the chain tip.
	pastPeriod := fromDate.AddDate(0, 0, 1)
	backdated, err := workflow.IngestBatch(ctx, logger, models.BatchKindSettlement, []models.BatchRow{
		{Isrc: "ARABC2400001", Amount: mustDec(t, "100.00"), EffectiveAt: &pastPeriod, Memo: "late file"},
	}, "test-settlement-backdated")
	if err != nil {
		t.Fatalf("IngestBatch backdated settlement: %v", err)
	}
	if backdated.Applied != 1 {
		t.Fatalf("backdated settlement: applied=%d", backdated.Applied)
	}
	assertBalance(t, ctx, austral.ID, "310.00")
	assertBalance(t, ctx, litoral.ID, "390.00")

	// 6) The full chain replays cleanly for both accounts, backdated rows
	// included.
	for _, id := range []int{austral.ID, litoral.ID} {
		mismatches, err := models.VerifyBalanceChain(ctx, id)
		if err != nil {
			t.Fatalf("VerifyBalanceChain(%d): %v", id, err)
		}
		if len(mismatches) != 0 {
			t.Fatalf("VerifyBalanceChain(%d): %d mismatches", id, len(mismatches))
		}
	}

	// 7) Conflict lifecycle: a third party claims the phonogram, the existing
	// owners are pulled in, everyone accepts, ownership is redistributed.
	pampa, err := models.CreateProductora(ctx, &models.NewProductora{Cuit: "27123456780", Name: "Ediciones Pampa"})
	if err != nil {
		t.Fatalf("CreateProductora: %v", err)
	}

	conflict, err := workflow.FileConflict(ctx, logger, phono.ID, []int{austral.ID, litoral.ID, pampa.ID}, "registration dispute")
	if err != nil {
		t.Fatalf("FileConflict: %v", err)
	}
	if conflict.State != models.ConflictStateOpen {
		t.Fatalf("expected Open conflict, got %s", conflict.State)
	}

	// Settlements against a disputed phonogram are rejected while it is open.
	blocked, err := workflow.IngestBatch(ctx, logger, models.BatchKindSettlement, []models.BatchRow{
		{Isrc: "ARABC2400001", Amount: mustDec(t, "200.00")},
	}, "test-settlement-blocked")
	if err != nil {
		t.Fatalf("IngestBatch blocked settlement: %v", err)
	}
	if blocked.Applied != 0 || len(blocked.Rejected) != 1 {
		t.Fatalf("blocked settlement: applied=%d rejected=%d", blocked.Applied, len(blocked.Rejected))
	}

	for _, party := range conflict.InvolvedParties {
		if _, err := workflow.CastDecision(ctx, logger, conflict.ID, party.ID, models.DecisionValueAccepted); err != nil {
			t.Fatalf("CastDecision(%d): %v", party.ID, err)
		}
	}

	resolved, err := models.GetConflict(ctx, conflict.ID)
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if resolved.State != models.ConflictStateResolved {
		t.Fatalf("expected Resolved, got %s", resolved.State)
	}

	// All three accepted, so the 100% splits equally with the remainder cent
	// on the first accepter.
	shares, err := models.ActiveOwnership(ctx, phono.ID, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ActiveOwnership: %v", err)
	}
	if len(shares) != 3 {
		t.Fatalf("expected 3 shares after resolution, got %d", len(shares))
	}
	if total := models.TotalAllocation(shares); !total.Equal(mustDec(t, "100")) {
		t.Fatalf("post-resolution allocation: expected 100, got %s", total)
	}

	// Settlements flow again after resolution.
	reopened, err := workflow.IngestBatch(ctx, logger, models.BatchKindSettlement, []models.BatchRow{
		{Isrc: "ARABC2400001", Amount: mustDec(t, "300.00")},
	}, "test-settlement-2")
	if err != nil {
		t.Fatalf("IngestBatch post-resolution settlement: %v", err)
	}
	if reopened.Applied != 1 {
		t.Fatalf("post-resolution settlement: applied=%d", reopened.Applied)
	}

	// 8) A resolution landing on the exact instant a party's interval opened
	// still supersedes it.
	phono2, err := models.CreatePhonogram(ctx, &models.NewPhonogram{Isrc: "ARABC2400002", Title: "Luna del Litoral", Artist: "Los Andariegos"})
	if err != nil {
		t.Fatalf("CreatePhonogram: %v", err)
	}
	instant := time.Now().UTC().Truncate(time.Second)
	if _, err := workflow.RegisterOwnershipClaim(ctx, logger, phono2.ID, pampa.ID, mustDec(t, "100"), instant); err != nil {
		t.Fatalf("RegisterOwnershipClaim 100%%: %v", err)
	}
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.CloseActiveIntervalTx(tx, phono2.ID, pampa.ID, instant); err != nil {
			return err
		}
		_, err := models.RegisterClaimTx(tx, phono2.ID, austral.ID, mustDec(t, "100"), instant, true)
		return err
	})
	if err != nil {
		t.Fatalf("same-instant supersede: %v", err)
	}
	handover, err := models.ActiveOwnership(ctx, phono2.ID, instant.Add(time.Second))
	if err != nil {
		t.Fatalf("ActiveOwnership: %v", err)
	}
	if len(handover) != 1 || handover[0].ProductoraId != austral.ID {
		t.Fatalf("expected austral as sole owner after supersede, got %+v", handover)
	}

	// 9) Concurrent batches against one account: every post must see the
	// previous committed snapshot, so the chain replays cleanly and no two
	// transactions share a BalanceAfter.
	assertBalance(t, ctx, pampa.ID, "99.99")
	errCh := make(chan error, 4)
	for n := 0; n < 4; n++ {
		go func(n int) {
			res, err := workflow.IngestBatch(ctx, logger, models.BatchKindAdjustment, []models.BatchRow{
				{Cuit: "27123456780", Amount: mustDec(t, "10.00"), Direction: "credit", Memo: fmt.Sprintf("concurrent adj %d/1", n)},
				{Cuit: "27123456780", Amount: mustDec(t, "10.00"), Direction: "credit", Memo: fmt.Sprintf("concurrent adj %d/2", n)},
				{Cuit: "27123456780", Amount: mustDec(t, "10.00"), Direction: "credit", Memo: fmt.Sprintf("concurrent adj %d/3", n)},
			}, fmt.Sprintf("test-concurrent-%d", n))
			if err == nil && res.Applied != 3 {
				err = fmt.Errorf("concurrent batch %d: applied=%d rejected=%d", n, res.Applied, len(res.Rejected))
			}
			errCh <- err
		}(n)
	}
	for n := 0; n < 4; n++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent ingestion: %v", err)
		}
	}
	assertBalance(t, ctx, pampa.ID, "219.99")

	history, err := models.LedgerHistory(ctx, pampa.ID)
	if err != nil {
		t.Fatalf("LedgerHistory: %v", err)
	}
	seen := map[string]bool{}
	for _, txn := range history {
		key := txn.BalanceAfter.StringFixed(2)
		if seen[key] {
			t.Fatalf("duplicate balance snapshot %s in pampa's chain", key)
		}
		seen[key] = true
	}
	mismatches, err := models.VerifyBalanceChain(ctx, pampa.ID)
	if err != nil {
		t.Fatalf("VerifyBalanceChain(%d): %v", pampa.ID, err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("VerifyBalanceChain(%d): %d mismatches", pampa.ID, len(mismatches))
	}
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func assertBalance(t *testing.T, ctx context.Context, productoraId int, expected string) {
	t.Helper()
	balance, err := models.GetProductoraBalance(ctx, productoraId)
	if err != nil {
		t.Fatalf("GetProductoraBalance(%d): %v", productoraId, err)
	}
	want := mustDec(t, expected)
	if !balance.Equal(want) {
		t.Fatalf("productora %d balance: expected %s, got %s", productoraId, want, balance)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("royalty-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("royalty-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=royalty_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
