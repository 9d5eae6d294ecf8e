package billing

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus mirrors the gateway's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusUnpaid            SubscriptionStatus = "unpaid"
)

// Usable reports whether the status grants access to the paid plan's
// entitlements. Past-due keeps access while the gateway retries
// payment; the terminal states do not.
func (s SubscriptionStatus) Usable() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Transition kinds recognised by the plan state machine.
const (
	ChangeUpgrade   = "upgrade"
	ChangeDowngrade = "downgrade"
	ChangeCancel    = "cancel"
	ChangeNoop      = "noop"
)

// Profile is the local mirror of a user's billing state. The gateway
// is authoritative; this row is a cache that webhooks and explicit
// syncs keep fresh.
type Profile struct {
	UserID               uuid.UUID          `gorm:"type:uuid;primaryKey" json:"user_id"`
	Email                string             `gorm:"size:255;not null" json:"email"`
	PlanID               string             `gorm:"size:32;not null;default:'starter'" json:"plan_id"`
	Interval             string             `gorm:"size:16" json:"interval,omitempty"`
	Status               SubscriptionStatus `gorm:"size:32;not null;default:'active'" json:"status"`
	StripeCustomerID     string             `gorm:"size:64;index" json:"-"`
	StripeSubscriptionID string             `gorm:"size:64;index" json:"-"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// TableName returns the database table name.
func (Profile) TableName() string {
	return "billing_profiles"
}

// HasSubscription reports whether the profile is backed by a gateway
// subscription.
func (p *Profile) HasSubscription() bool {
	return p.StripeSubscriptionID != ""
}

// PendingChange records a deferred plan transition that takes effect at
// the end of the current billing period. At most one exists per user.
type PendingChange struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Kind             string    `gorm:"size:16;not null" json:"kind"`
	FromPlanID       string    `gorm:"size:32;not null" json:"from_plan_id"`
	ToPlanID         string    `gorm:"size:32;not null" json:"to_plan_id"`
	Interval         string    `gorm:"size:16" json:"interval,omitempty"`
	StripeScheduleID string    `gorm:"size:64" json:"-"`
	EffectiveAt      time.Time `gorm:"not null" json:"effective_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName returns the database table name.
func (PendingChange) TableName() string {
	return "pending_plan_changes"
}

// PlanState is the read model handed to quota checks and the HTTP
// surface: the effective plan now, plus whatever transition is queued.
type PlanState struct {
	UserID             uuid.UUID          `json:"user_id"`
	PlanID             string             `json:"plan_id"`
	Interval           string             `json:"interval,omitempty"`
	Status             SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	AccountCreatedAt   time.Time          `json:"account_created_at"`
	Pending            *PendingChange     `json:"pending_change,omitempty"`
}

// WebhookEvent records a processed gateway event for idempotency.
type WebhookEvent struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Type        string    `gorm:"size:64;not null;index" json:"type"`
	Payload     string    `gorm:"type:jsonb" json:"payload"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// TableName returns the database table name.
func (WebhookEvent) TableName() string {
	return "billing_webhook_events"
}
