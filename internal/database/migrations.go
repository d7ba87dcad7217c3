package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillCreditAccounts = "2026-03-02_backfill_credit_accounts"
	migrationSeedRewardCatalog      = "2026-03-09_seed_reward_catalog"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var defaultCatalog = []rewards.Reward{
	{Title: "$5 Coffee Shop Gift Card", Description: "Enjoy a free coffee at participating local cafes", Category: "digital", Cost: 50, StockQuantity: 25},
	{Title: "CityPulse T-Shirt", Description: "Show your civic pride with official CityPulse merchandise", Category: "physical", Cost: 100, StockQuantity: 10},
	{Title: "Priority Support Badge", Description: "Get faster response times on your reports for 30 days", Category: "digital", Cost: 75, StockQuantity: 50},
	{Title: "City Hall Tour", Description: "Exclusive behind-the-scenes tour of your local government", Category: "experience", Cost: 200, StockQuantity: 5},
}

func migrationsFor(opts Options) []migrationDefinition {
	migrations := []migrationDefinition{
		{name: migrationBackfillCreditAccounts, apply: backfillCreditAccounts},
	}
	if opts.SeedCatalog {
		migrations = append(migrations, migrationDefinition{name: migrationSeedRewardCatalog, apply: seedRewardCatalog(ids.NewUUIDProvider(), time.Now)})
	}
	return migrations
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCreditAccounts creates lock rows for users whose entries predate
// the credit_accounts table, anchored at their latest entry.
func backfillCreditAccounts(db *gorm.DB) error {
	return db.Exec(`INSERT INTO credit_accounts (user_id, last_entry_at, created_at)
SELECT user_id, MAX(created_at), MAX(created_at)
FROM credit_entries
WHERE user_id NOT IN (SELECT user_id FROM credit_accounts)
GROUP BY user_id`).Error
}

// seedRewardCatalog installs the launch catalog when no rewards exist yet.
func seedRewardCatalog(idProvider ids.Provider, clock func() time.Time) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		var existing int64
		if err := db.Model(&rewards.Reward{}).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		now := clock().UTC()
		catalog := make([]rewards.Reward, 0, len(defaultCatalog))
		for _, item := range defaultCatalog {
			rewardID, err := idProvider.NewID()
			if err != nil {
				return err
			}
			item.RewardID = rewardID
			item.IsActive = true
			item.CreatedAt = now
			item.UpdatedAt = now
			catalog = append(catalog, item)
		}
		return db.Create(&catalog).Error
	}
}
