package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists billing profiles, pending plan changes and
// processed webhook events.
type Repository interface {
	// Profile operations
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error)
	CreateProfile(ctx context.Context, profile *Profile) error
	SaveProfile(ctx context.Context, profile *Profile) error

	// Pending change operations
	GetPendingChange(ctx context.Context, userID uuid.UUID) (*PendingChange, error)
	SavePendingChange(ctx context.Context, change *PendingChange) error
	DeletePendingChange(ctx context.Context, userID uuid.UUID) error

	// Webhook event operations
	WebhookEventExists(ctx context.Context, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, eventID, eventType, payload string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new billing repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// --- Profiles ---

func (r *repository) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	var profile Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}

func (r *repository) GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	var profile Profile
	err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by customer: %w", err)
	}
	return &profile, nil
}

func (r *repository) CreateProfile(ctx context.Context, profile *Profile) error {
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (r *repository) SaveProfile(ctx context.Context, profile *Profile) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(profile).Error
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// --- Pending changes ---

func (r *repository) GetPendingChange(ctx context.Context, userID uuid.UUID) (*PendingChange, error) {
	var change PendingChange
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending change: %w", err)
	}
	return &change, nil
}

// SavePendingChange replaces the user's queued plan change. At most one
// exists per user, so the write is an upsert keyed on user_id.
func (r *repository) SavePendingChange(ctx context.Context, change *PendingChange) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(change).Error
	if err != nil {
		return fmt.Errorf("save pending change: %w", err)
	}
	return nil
}

func (r *repository) DeletePendingChange(ctx context.Context, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&PendingChange{}).Error
	if err != nil {
		return fmt.Errorf("delete pending change: %w", err)
	}
	return nil
}

// --- Webhook events ---

func (r *repository) WebhookEventExists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return count > 0, nil
}

// RecordWebhookEvent stores a processed gateway event. Replayed events
// are ignored.
func (r *repository) RecordWebhookEvent(ctx context.Context, eventID, eventType, payload string) error {
	event := WebhookEvent{
		ID:          eventID,
		Type:        eventType,
		Payload:     payload,
		ProcessedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event).Error
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}
