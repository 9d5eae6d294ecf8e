package generation

import (
	"time"

	"github.com/google/uuid"
)

// Record statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one generation attempt and its quota footprint.
type Record struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	QuestionType  string    `gorm:"size:32;not null" json:"question_type"`
	DocType       string    `gorm:"size:16" json:"doc_type,omitempty"`
	QuestionCount int       `gorm:"not null" json:"question_count"`
	Model         string    `gorm:"size:64" json:"model"`
	Status        string    `gorm:"size:16;not null" json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName returns the database table name.
func (Record) TableName() string {
	return "generation_records"
}

// Question is a single generated assessment question.
type Question struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
	Answer  string   `json:"answer"`
}
