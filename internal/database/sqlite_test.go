package database

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/openrelief/fieldsync/internal/queue"
	"go.uber.org/zap"
)

var testDatabaseSequence int64

func testDSN() string {
	sequence := atomic.AddInt64(&testDatabaseSequence, 1)
	return fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", sequence)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteCreatesSchemaAndMigrationLedger(t *testing.T) {
	db, err := OpenSQLite(testDSN(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"queue_records", "response_cache", "device_identity", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("unexpected ledger query error: %v", err)
	}
	if applied == 0 {
		t.Fatalf("expected migrations recorded in the ledger")
	}
}

func TestMigrationsAreAppliedOnce(t *testing.T) {
	dsn := testDSN()
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	// Reopening the same database must not reapply recorded migrations.
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected reapply error: %v", err)
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).
		Where("name = ?", migrationNormalizeRecordKinds).
		Count(&applied).Error; err != nil {
		t.Fatalf("unexpected ledger query error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected a single ledger row, got %d", applied)
	}
}

func TestNormalizeRecordKindsRewritesLegacySpellings(t *testing.T) {
	db, err := OpenSQLite(testDSN(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	legacy := []queue.Record{
		{OfflineID: "1-a", Kind: "registration", PayloadJSON: "{}", Status: queue.StatusPending, CreatedAtSecond: 1},
		{OfflineID: "2-b", Kind: "beneficiary", PayloadJSON: "{}", Status: queue.StatusPending, CreatedAtSecond: 2},
		{OfflineID: "3-c", Kind: "distribution", PayloadJSON: "{}", Status: queue.StatusPending, CreatedAtSecond: 3},
		{OfflineID: "4-d", Kind: "loss", PayloadJSON: "{}", Status: queue.StatusPending, CreatedAtSecond: 4},
		{OfflineID: "5-e", Kind: queue.KindLossReport, PayloadJSON: "{}", Status: queue.StatusPending, CreatedAtSecond: 5},
	}
	for index := range legacy {
		if err := db.Create(&legacy[index]).Error; err != nil {
			t.Fatalf("failed to seed legacy record: %v", err)
		}
	}

	if err := normalizeRecordKinds(db); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	counts := map[queue.RecordKind]int64{}
	for _, kind := range []queue.RecordKind{
		queue.KindBeneficiaryRegistration,
		queue.KindAidDistribution,
		queue.KindLossReport,
	} {
		var count int64
		if err := db.Model(&queue.Record{}).Where("kind = ?", kind).Count(&count).Error; err != nil {
			t.Fatalf("unexpected count error: %v", err)
		}
		counts[kind] = count
	}
	if counts[queue.KindBeneficiaryRegistration] != 2 {
		t.Fatalf("expected 2 beneficiary registrations, got %d", counts[queue.KindBeneficiaryRegistration])
	}
	if counts[queue.KindAidDistribution] != 1 {
		t.Fatalf("expected 1 aid distribution, got %d", counts[queue.KindAidDistribution])
	}
	if counts[queue.KindLossReport] != 2 {
		t.Fatalf("expected 2 loss reports, got %d", counts[queue.KindLossReport])
	}
}
