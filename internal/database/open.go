package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"github.com/MarcoPoloResearchLab/citypulse/internal/users"
	"github.com/MarcoPoloResearchLab/citypulse/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures the backing database.
type Options struct {
	Driver      string
	Path        string
	DSN         string
	SeedCatalog bool
}

// Open establishes the connection, migrates the schema and applies data migrations.
func Open(opts Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, target, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driverName(opts.Driver) == DriverSQLite {
		// Row locks are not available, so every transaction runs on the one connection.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, migrationsFor(opts), logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(opts.Driver)), zap.String("target", target))
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ledger.Entry{},
		&ledger.Account{},
		&reports.Report{},
		&votes.Vote{},
		&votes.Event{},
		&rewards.Reward{},
		&rewards.Redemption{},
		&users.Profile{},
		&migrationRecord{},
	)
}

func dialectorFor(opts Options) (gorm.Dialector, string, error) {
	switch driverName(opts.Driver) {
	case DriverSQLite:
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(path), path, nil
	case DriverPostgres:
		dsn := strings.TrimSpace(opts.DSN)
		if dsn == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return postgres.Open(dsn), "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

func driverName(driver string) string {
	if strings.TrimSpace(driver) == "" {
		return DriverSQLite
	}
	return strings.ToLower(strings.TrimSpace(driver))
}
