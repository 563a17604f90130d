package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository is the durable shadow of the in-memory credit ledger.
type AccountRepository interface {
	GetByTenant(ctx context.Context, tenantID string) (*domain.CreditAccount, error)
	List(ctx context.Context) ([]domain.CreditAccount, error)
	Save(ctx context.Context, account *domain.CreditAccount) error
}

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) (AccountRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	return &accountRepository{db: db}, nil
}

func (r *accountRepository) GetByTenant(ctx context.Context, tenantID string) (*domain.CreditAccount, error) {
	var account domain.CreditAccount
	err := r.db.WithContext(ctx).First(&account, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit account: %w", err)
	}
	return &account, nil
}

func (r *accountRepository) List(ctx context.Context) ([]domain.CreditAccount, error) {
	var accounts []domain.CreditAccount
	if err := r.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list credit accounts: %w", err)
	}
	return accounts, nil
}

// Save upserts by tenant so the ledger flush path needs no read-first.
func (r *accountRepository) Save(ctx context.Context, account *domain.CreditAccount) error {
	if account == nil {
		return fmt.Errorf("%w: account is required", domain.ErrValidation)
	}
	if err := account.Validate(); err != nil {
		return err
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "lifetime_spent", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		return fmt.Errorf("failed to save credit account: %w", err)
	}
	return nil
}
