package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists usage counters. Increments happen inside the
// database so concurrent commits cannot lose updates.
type Repository interface {
	// GetCycle returns the counter row, or nil when nothing has been
	// used this cycle.
	GetCycle(ctx context.Context, userID uuid.UUID, cycleID string) (*UsageCycle, error)

	// Increment adds n to the cycle's counter unconditionally and
	// returns the new total, creating the row if needed.
	Increment(ctx context.Context, userID uuid.UUID, cycle Cycle, n int) (int, error)

	// TryReserve adds n to the cycle's counter only if the result stays
	// within limit. It reports whether the reservation was applied and
	// the counter value afterwards.
	TryReserve(ctx context.Context, userID uuid.UUID, cycle Cycle, n, limit int) (bool, int, error)

	// IncrementSubject adds n to the cycle's per-subject counter,
	// creating the row if needed.
	IncrementSubject(ctx context.Context, userID uuid.UUID, cycleID, subject string, n int) error

	// ListSubjects returns the cycle's per-subject counters.
	ListSubjects(ctx context.Context, userID uuid.UUID, cycleID string) ([]SubjectUsage, error)

	// ListCycles returns the user's most recent cycles, newest first.
	ListCycles(ctx context.Context, userID uuid.UUID, limit int) ([]UsageCycle, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new quota repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetCycle(ctx context.Context, userID uuid.UUID, cycleID string) (*UsageCycle, error) {
	var cycle UsageCycle
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND cycle_id = ?", userID, cycleID).
		First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage cycle: %w", err)
	}
	return &cycle, nil
}

func (r *repository) Increment(ctx context.Context, userID uuid.UUID, cycle Cycle, n int) (int, error) {
	row := UsageCycle{
		ID:            uuid.New(),
		UserID:        userID,
		CycleID:       cycle.ID,
		CycleStart:    cycle.Start,
		CycleEnd:      cycle.End,
		QuestionsUsed: n,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "cycle_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"questions_used": gorm.Expr("usage_cycles.questions_used + ?", n),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}

	current, err := r.GetCycle(ctx, userID, cycle.ID)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, fmt.Errorf("usage cycle vanished after increment")
	}
	return current.QuestionsUsed, nil
}

func (r *repository) TryReserve(ctx context.Context, userID uuid.UUID, cycle Cycle, n, limit int) (bool, int, error) {
	// Make sure the row exists before the conditional update.
	seed := UsageCycle{
		ID:         uuid.New(),
		UserID:     userID,
		CycleID:    cycle.ID,
		CycleStart: cycle.Start,
		CycleEnd:   cycle.End,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return false, 0, fmt.Errorf("seed usage cycle: %w", err)
	}

	// The guard and the increment run in one statement; two concurrent
	// reservations cannot both slip under the limit.
	result := r.db.WithContext(ctx).
		Model(&UsageCycle{}).
		Where("user_id = ? AND cycle_id = ? AND questions_used + ? <= ?", userID, cycle.ID, n, limit).
		Update("questions_used", gorm.Expr("questions_used + ?", n))
	if result.Error != nil {
		return false, 0, fmt.Errorf("reserve usage: %w", result.Error)
	}

	current, err := r.GetCycle(ctx, userID, cycle.ID)
	if err != nil {
		return false, 0, err
	}
	if current == nil {
		return false, 0, fmt.Errorf("usage cycle vanished after reserve")
	}
	return result.RowsAffected > 0, current.QuestionsUsed, nil
}

func (r *repository) IncrementSubject(ctx context.Context, userID uuid.UUID, cycleID, subject string, n int) error {
	row := SubjectUsage{
		ID:            uuid.New(),
		UserID:        userID,
		CycleID:       cycleID,
		Subject:       subject,
		QuestionsUsed: n,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "cycle_id"}, {Name: "subject"}},
			DoUpdates: clause.Assignments(map[string]any{
				"questions_used": gorm.Expr("usage_subjects.questions_used + ?", n),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("increment subject usage: %w", err)
	}
	return nil
}

func (r *repository) ListSubjects(ctx context.Context, userID uuid.UUID, cycleID string) ([]SubjectUsage, error) {
	var subjects []SubjectUsage
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND cycle_id = ?", userID, cycleID).
		Order("subject ASC").
		Find(&subjects).Error
	if err != nil {
		return nil, fmt.Errorf("list subject usage: %w", err)
	}
	return subjects, nil
}

func (r *repository) ListCycles(ctx context.Context, userID uuid.UUID, limit int) ([]UsageCycle, error) {
	var cycles []UsageCycle
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("cycle_start DESC").
		Limit(limit).
		Find(&cycles).Error
	if err != nil {
		return nil, fmt.Errorf("list usage cycles: %w", err)
	}
	return cycles, nil
}
