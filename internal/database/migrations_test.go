package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"go.uber.org/zap"
)

func TestOpenSeedsCatalogOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "citypulse.db")
	options := Options{Driver: DriverSQLite, Path: databasePath, SeedCatalog: true}

	database, err := Open(options, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	var catalog []rewards.Reward
	if err := database.Order("cost ASC").Find(&catalog).Error; err != nil {
		testContext.Fatalf("failed to load catalog: %v", err)
	}
	if len(catalog) != len(defaultCatalog) {
		testContext.Fatalf("expected %d seeded rewards, got %d", len(defaultCatalog), len(catalog))
	}
	if catalog[0].Title != "$5 Coffee Shop Gift Card" || catalog[0].Cost != 50 || catalog[0].StockQuantity != 25 || !catalog[0].IsActive {
		testContext.Fatalf("unexpected first reward: %#v", catalog[0])
	}
	sqlDB, _ := database.DB()
	_ = sqlDB.Close()

	reopened, err := Open(options, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	var count int64
	if err := reopened.Model(&rewards.Reward{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != int64(len(defaultCatalog)) {
		testContext.Fatalf("catalog must be seeded once, found %d rewards", count)
	}

	var record migrationRecord
	if err := reopened.Where("name = ?", migrationSeedRewardCatalog).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenWithoutSeedLeavesCatalogEmpty(testContext *testing.T) {
	database, err := Open(Options{Path: filepath.Join(testContext.TempDir(), "empty.db")}, nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	var count int64
	if err := database.Model(&rewards.Reward{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected empty catalog, got %d", count)
	}
}

func TestBackfillCreditAccounts(testContext *testing.T) {
	database, err := Open(Options{Path: filepath.Join(testContext.TempDir(), "backfill.db")}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	first := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	entries := []ledger.Entry{
		{EntryID: "e1", UserID: "legacy", Amount: 10, Reason: "Report submitted: Pothole", Type: ledger.EntryTypeEarned, CreatedAt: first},
		{EntryID: "e2", UserID: "legacy", Amount: 2, Reason: "Voted on community report", Type: ledger.EntryTypeEarned, CreatedAt: first.Add(time.Hour)},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to seed entries: %v", err)
	}

	if err := applyMigrations(database, []migrationDefinition{{name: "test_backfill", apply: backfillCreditAccounts}}, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply backfill: %v", err)
	}

	var account ledger.Account
	if err := database.Where("user_id = ?", "legacy").Take(&account).Error; err != nil {
		testContext.Fatalf("expected backfilled account: %v", err)
	}
	if !account.LastEntryAt.Equal(first.Add(time.Hour)) {
		testContext.Fatalf("expected last entry anchor %s, got %s", first.Add(time.Hour), account.LastEntryAt)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "mysql", Path: "x.db"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
