package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"gorm.io/gorm"
)

// TransactionRepository persists the once-per-batch audit records.
type TransactionRepository interface {
	Create(ctx context.Context, tx *domain.BatchTransaction) error
	GetByBatchID(ctx context.Context, batchID string) (*domain.BatchTransaction, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.BatchTransaction, error)
}

const defaultTransactionListLimit = 50

type transactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) (TransactionRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	return &transactionRepository{db: db}, nil
}

func (r *transactionRepository) Create(ctx context.Context, tx *domain.BatchTransaction) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction is required", domain.ErrValidation)
	}
	if err := tx.Validate(); err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to create batch transaction: %w", err)
	}
	return nil
}

func (r *transactionRepository) GetByBatchID(ctx context.Context, batchID string) (*domain.BatchTransaction, error) {
	var tx domain.BatchTransaction
	err := r.db.WithContext(ctx).First(&tx, "batch_id = ?", strings.TrimSpace(batchID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch transaction: %w", err)
	}
	return &tx, nil
}

func (r *transactionRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.BatchTransaction, error) {
	if limit < 1 {
		limit = defaultTransactionListLimit
	}

	var txs []domain.BatchTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list batch transactions: %w", err)
	}
	return txs, nil
}
