package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/quizmith/server/internal/infra/events"
)

// EventPlanStateChanged is published whenever a user's effective plan
// state changes: transitions, pending-change edits, and webhook syncs.
const EventPlanStateChanged = "billing.plan_state_changed"

// PlanStateChangedEvent carries the user whose plan state moved and
// what moved it.
type PlanStateChangedEvent struct {
	events.BaseEvent
	UserID uuid.UUID `json:"user_id"`
	PlanID string    `json:"plan_id"`
	Reason string    `json:"reason"`
}

// NewPlanStateChangedEvent creates a plan state change event.
func NewPlanStateChangedEvent(userID uuid.UUID, planID, reason string) PlanStateChangedEvent {
	return PlanStateChangedEvent{
		BaseEvent: events.NewBaseEvent(EventPlanStateChanged, userID, "Profile"),
		UserID:    userID,
		PlanID:    planID,
		Reason:    reason,
	}
}

// NewCacheInvalidationHandler returns the handler that drops the cached
// plan state whenever it changes. All invalidation flows through this
// subscription so no write path needs to know about the cache.
func NewCacheInvalidationHandler(cache PlanStateCache) events.Handler {
	return events.HandlerFunc{
		Type: EventPlanStateChanged,
		Fn: func(ctx context.Context, event events.Event) error {
			e, ok := event.(PlanStateChangedEvent)
			if !ok {
				return nil
			}
			cache.Invalidate(ctx, e.UserID)
			return nil
		},
	}
}
