package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_credit_accounts",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&domain.CreditAccount{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.CreditAccount{})
			},
		},
		{
			ID: "000002_create_batch_transactions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&domain.BatchTransaction{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_transactions_batch_id ON batch_transactions (batch_id)`,
					`CREATE INDEX IF NOT EXISTS idx_batch_transactions_tenant_created ON batch_transactions (tenant_id, created_at)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.BatchTransaction{})
			},
		},
	})

	return m.Migrate()
}
