package generation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists generation records.
type Repository interface {
	Create(ctx context.Context, record *Record) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new generation repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, record *Record) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create generation record: %w", err)
	}
	return nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	var records []Record
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list generation records: %w", err)
	}
	return records, nil
}
