package catalog

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists plan definitions. Plans live in the database so
// Stripe identifiers can be rotated without a deploy; the in-memory
// Catalog is rebuilt from this table at startup.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new plan repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Seed inserts the given plans, leaving already-present rows untouched
// so operator edits to Stripe IDs survive restarts.
func (r *Repository) Seed(ctx context.Context, plans []Plan) error {
	if len(plans) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&plans).Error
}

// LoadAll returns every plan row.
func (r *Repository) LoadAll(ctx context.Context) ([]Plan, error) {
	var plans []Plan
	if err := r.db.WithContext(ctx).Order("tier_rank asc").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// FindByID returns the plan with the given ID.
func (r *Repository) FindByID(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := r.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}
