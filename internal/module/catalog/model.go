package catalog

import (
	"time"

	"github.com/lib/pq"
)

// Plan identifiers, ordered by tier. Starter is the free tier every
// account lands on; the rest are paid Stripe products.
const (
	PlanStarter    = "starter"
	PlanBasic      = "basic"
	PlanEssentials = "essentials"
	PlanPlus       = "plus"
	PlanAdvanced   = "advanced"
)

// Billing intervals accepted on plan change requests.
const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// Plan describes a subscription tier: its quota ceiling, feature gates
// and the Stripe identifiers it is sold under.
type Plan struct {
	ID                   string         `gorm:"primaryKey;size:32" json:"id"`
	Name                 string         `gorm:"size:64;not null" json:"name"`
	TierRank             int            `gorm:"not null;uniqueIndex" json:"tier_rank"`
	MonthlyQuestionLimit int            `gorm:"not null" json:"monthly_question_limit"`
	AllowedQuestionTypes pq.StringArray `gorm:"type:text[]" json:"allowed_question_types"`
	AllowedDocTypes      pq.StringArray `gorm:"type:text[]" json:"allowed_doc_types"`
	MaxUploadBytes       int64          `gorm:"not null" json:"max_upload_bytes"`
	PriceMonthlyCents    int64          `gorm:"not null" json:"price_monthly_cents"`
	PriceYearlyCents     int64          `gorm:"not null" json:"price_yearly_cents"`
	StripeProductID      string         `gorm:"size:64;index" json:"-"`
	StripePriceMonthlyID string         `gorm:"size:64;index" json:"-"`
	StripePriceYearlyID  string         `gorm:"size:64;index" json:"-"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// TableName returns the database table name for the Plan model.
func (Plan) TableName() string {
	return "plans"
}

// IsFree reports whether the plan has no paid Stripe subscription
// backing it.
func (p *Plan) IsFree() bool {
	return p.StripeProductID == ""
}

// PriceID returns the Stripe price ID for the given billing interval.
func (p *Plan) PriceID(interval string) string {
	if interval == IntervalYearly {
		return p.StripePriceYearlyID
	}
	return p.StripePriceMonthlyID
}

// AllowsQuestionType reports whether the plan permits generating the
// given question type.
func (p *Plan) AllowsQuestionType(questionType string) bool {
	for _, qt := range p.AllowedQuestionTypes {
		if qt == questionType {
			return true
		}
	}
	return false
}

// AllowsDocType reports whether the plan permits uploading the given
// source document type.
func (p *Plan) AllowsDocType(docType string) bool {
	for _, dt := range p.AllowedDocTypes {
		if dt == docType {
			return true
		}
	}
	return false
}
