package quota

import (
	"time"

	"github.com/google/uuid"
)

// UsageCycle is one user's question counter for one billing cycle. The
// database row is authoritative; redis mirrors it for fast reads.
type UsageCycle struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_cycle" json:"user_id"`
	CycleID       string    `gorm:"size:16;not null;uniqueIndex:idx_user_cycle" json:"cycle_id"`
	CycleStart    time.Time `gorm:"not null" json:"cycle_start"`
	CycleEnd      time.Time `gorm:"not null" json:"cycle_end"`
	QuestionsUsed int       `gorm:"not null;default:0" json:"questions_used"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (UsageCycle) TableName() string {
	return "usage_cycles"
}

// SubjectUsage breaks a cycle's counter down by question type. The
// total on UsageCycle is authoritative for limit decisions; these rows
// are reporting data.
type SubjectUsage struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_cycle_subject" json:"user_id"`
	CycleID       string    `gorm:"size:16;not null;uniqueIndex:idx_user_cycle_subject" json:"cycle_id"`
	Subject       string    `gorm:"size:32;not null;uniqueIndex:idx_user_cycle_subject" json:"subject"`
	QuestionsUsed int       `gorm:"not null;default:0" json:"questions_used"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (SubjectUsage) TableName() string {
	return "usage_subjects"
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Requested int       `json:"requested"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	CycleID   string    `json:"cycle_id"`
	ResetsAt  time.Time `json:"resets_at"`
}

// UsageStatus is the full usage picture returned by GET /usage.
type UsageStatus struct {
	PlanID     string         `json:"plan_id"`
	CycleID    string         `json:"cycle_id"`
	CycleStart time.Time      `json:"cycle_start"`
	CycleEnd   time.Time      `json:"cycle_end"`
	Used       int            `json:"used"`
	Limit      int            `json:"limit"`
	Remaining  int            `json:"remaining"`
	Breakdown  map[string]int `json:"breakdown"`
}
