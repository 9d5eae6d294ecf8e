package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/infra/events"
	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/shared/metrics"
)

// ChangeResult describes the outcome of a plan change request.
type ChangeResult struct {
	Kind                 string     `json:"kind"`
	State                *PlanState `json:"state"`
	ProrationAmountCents int64      `json:"proration_amount_cents,omitempty"`
	EffectiveAt          *time.Time `json:"effective_at,omitempty"`
}

// ChangePreview describes what a plan change would do without doing it.
type ChangePreview struct {
	Kind                 string     `json:"kind"`
	TargetPlanID         string     `json:"target_plan_id"`
	ProrationAmountCents int64      `json:"proration_amount_cents"`
	EffectiveAt          *time.Time `json:"effective_at,omitempty"`
}

// Service is the plan state machine. It classifies a requested
// transition against the user's current state, talks to the gateway,
// and persists the result. A user lock guards local reads and writes
// but is never held across a gateway call; after a gateway round-trip
// the state is re-read under the lock before writing.
type Service struct {
	catalog *catalog.Catalog
	gateway SubscriptionGateway
	repo    Repository
	cache   PlanStateCache
	locks   *userLocks
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates the plan state machine.
func NewService(
	cat *catalog.Catalog,
	gateway SubscriptionGateway,
	repo Repository,
	cache PlanStateCache,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		catalog: cat,
		gateway: gateway,
		repo:    repo,
		cache:   cache,
		locks:   newUserLocks(),
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// EnsureProfile creates a starter-tier profile for the user if none
// exists, and returns it.
func (s *Service) EnsureProfile(ctx context.Context, userID uuid.UUID, email string) (*Profile, error) {
	mu := s.locks.lock(userID)
	defer mu.Unlock()

	profile, err := s.repo.GetProfile(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if err != ErrProfileNotFound {
		return nil, err
	}

	profile = &Profile{
		UserID: userID,
		Email:  email,
		PlanID: catalog.PlanStarter,
		Status: StatusActive,
	}
	if err := s.repo.CreateProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// EnsureProvisioned makes sure the user has a profile, creating a
// starter one on first contact. A plan-state cache hit proves the
// profile exists and skips the database entirely, so this is cheap
// enough to run on every authenticated request.
func (s *Service) EnsureProvisioned(ctx context.Context, userID uuid.UUID, email string) error {
	if state := s.cache.Get(ctx, userID); state != nil {
		return nil
	}
	_, err := s.EnsureProfile(ctx, userID, email)
	return err
}

// GetPlanState returns the user's effective plan state, reading through
// the cache.
func (s *Service) GetPlanState(ctx context.Context, userID uuid.UUID) (*PlanState, error) {
	if state := s.cache.Get(ctx, userID); state != nil {
		return state, nil
	}

	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	pending, err := s.repo.GetPendingChange(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()

	state := buildPlanState(profile, pending)
	s.cache.Set(ctx, state)
	return state, nil
}

// ListPlans returns every plan in tier order.
func (s *Service) ListPlans() []*catalog.Plan {
	return s.catalog.All()
}

// ChangePlan moves the user toward the target plan. Upgrades take
// effect immediately with proration; downgrades and cancellations are
// deferred to the end of the current period. Requesting the plan the
// user is already on is a no-op.
func (s *Service) ChangePlan(ctx context.Context, userID uuid.UUID, targetPlanID, interval string) (*ChangeResult, error) {
	target, err := s.catalog.Get(targetPlanID)
	if err != nil {
		return nil, err
	}
	interval, err = normalizeInterval(interval)
	if err != nil {
		return nil, err
	}
	if !target.IsFree() && target.PriceID(interval) == "" {
		return nil, fmt.Errorf("plan %s has no %s price: %w", target.ID, interval, ErrInconsistentState)
	}

	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	pending, err := s.repo.GetPendingChange(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	current, err := s.catalog.Get(profile.PlanID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("profile references unknown plan %s: %w", profile.PlanID, ErrInconsistentState)
	}
	snapshot := *profile
	mu.Unlock()

	kind := classifyChange(current, target, &snapshot, interval)

	var result *ChangeResult
	switch kind {
	case ChangeNoop:
		result = &ChangeResult{Kind: ChangeNoop, State: buildPlanState(&snapshot, pending)}
	case ChangeUpgrade:
		result, err = s.upgrade(ctx, &snapshot, pending, target, interval)
	case ChangeDowngrade:
		result, err = s.downgrade(ctx, &snapshot, pending, target, interval)
	case ChangeCancel:
		result, err = s.cancel(ctx, &snapshot, pending)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.PlanTransitionsTotal.WithLabelValues(kind, outcome).Inc()
	if err != nil {
		return nil, err
	}

	s.logger.Info("plan change applied",
		zap.String("user_id", userID.String()),
		zap.String("kind", kind),
		zap.String("target_plan", targetPlanID))
	return result, nil
}

// PreviewChange reports what ChangePlan would do, including the
// prorated charge an upgrade would incur, without modifying anything.
func (s *Service) PreviewChange(ctx context.Context, userID uuid.UUID, targetPlanID, interval string) (*ChangePreview, error) {
	target, err := s.catalog.Get(targetPlanID)
	if err != nil {
		return nil, err
	}
	interval, err = normalizeInterval(interval)
	if err != nil {
		return nil, err
	}

	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	current, err := s.catalog.Get(profile.PlanID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("profile references unknown plan %s: %w", profile.PlanID, ErrInconsistentState)
	}
	snapshot := *profile
	mu.Unlock()

	kind := classifyChange(current, target, &snapshot, interval)
	preview := &ChangePreview{Kind: kind, TargetPlanID: target.ID}

	switch kind {
	case ChangeUpgrade:
		if !snapshot.HasSubscription() {
			// First paid subscription; the full price is due.
			if interval == catalog.IntervalYearly {
				preview.ProrationAmountCents = target.PriceYearlyCents
			} else {
				preview.ProrationAmountCents = target.PriceMonthlyCents
			}
			return preview, nil
		}
		sub, err := s.gateway.FetchSubscription(ctx, snapshot.StripeSubscriptionID)
		if err != nil {
			return nil, err
		}
		amount, err := s.gateway.PreviewProration(ctx, sub.CustomerID, sub.ID, sub.ItemID, target.PriceID(interval))
		if err != nil {
			return nil, err
		}
		preview.ProrationAmountCents = amount
	case ChangeDowngrade, ChangeCancel:
		effective := snapshot.CurrentPeriodEnd
		preview.EffectiveAt = &effective
	}
	return preview, nil
}

// CancelPendingChange abandons the user's queued downgrade or
// cancellation, leaving the current plan untouched.
func (s *Service) CancelPendingChange(ctx context.Context, userID uuid.UUID) (*PlanState, error) {
	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	pending, err := s.repo.GetPendingChange(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if pending == nil && !profile.CancelAtPeriodEnd {
		mu.Unlock()
		return nil, ErrNoPendingChange
	}
	snapshot := *profile
	mu.Unlock()

	if pending != nil && pending.StripeScheduleID != "" {
		if err := s.gateway.ReleaseSchedule(ctx, pending.StripeScheduleID); err != nil {
			return nil, err
		}
	}
	if snapshot.CancelAtPeriodEnd {
		if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, snapshot.StripeSubscriptionID, false); err != nil {
			return nil, err
		}
	}

	return s.commitProfile(ctx, userID, "pending_change_cancelled", func(p *Profile) error {
		p.CancelAtPeriodEnd = false
		return s.repo.DeletePendingChange(ctx, userID)
	})
}

// Reactivate clears a pending end-of-period cancellation, keeping the
// subscription running.
func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID) (*PlanState, error) {
	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if !profile.HasSubscription() {
		mu.Unlock()
		return nil, ErrNoSubscription
	}
	if !profile.CancelAtPeriodEnd {
		mu.Unlock()
		return nil, ErrNotCancelling
	}
	snapshot := *profile
	mu.Unlock()

	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, snapshot.StripeSubscriptionID, false); err != nil {
		return nil, err
	}

	return s.commitProfile(ctx, userID, "reactivated", func(p *Profile) error {
		p.CancelAtPeriodEnd = false
		return s.repo.DeletePendingChange(ctx, userID)
	})
}

// SyncUser refreshes the user's local state from the gateway.
func (s *Service) SyncUser(ctx context.Context, userID uuid.UUID) error {
	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return err
	}
	subID := profile.StripeSubscriptionID
	mu.Unlock()

	if subID == "" {
		return nil
	}
	sub, err := s.gateway.FetchSubscription(ctx, subID)
	if err != nil {
		return err
	}
	return s.SyncSubscription(ctx, sub)
}

// SyncSubscription reconciles the local mirror with an authoritative
// gateway subscription. Webhooks land here; the payload is only a
// trigger, the passed subscription is what gets trusted.
func (s *Service) SyncSubscription(ctx context.Context, sub *Subscription) error {
	plan, err := s.resolvePlan(sub)
	if err != nil {
		return err
	}

	userID, err := s.resolveUser(ctx, sub)
	if err != nil {
		return err
	}

	mu := s.locks.lock(userID)
	defer func() {
		mu.Unlock()
		s.bus.PublishAsync(NewPlanStateChangedEvent(userID, plan.ID, "gateway_sync"))
	}()

	profile, err := s.repo.GetProfile(ctx, userID)
	if err == ErrProfileNotFound {
		profile = &Profile{UserID: userID, PlanID: catalog.PlanStarter, Status: StatusActive}
	} else if err != nil {
		return err
	}

	if terminal(sub.Status) {
		// Subscription is gone; the user falls back to the free tier.
		profile.PlanID = catalog.PlanStarter
		profile.Interval = ""
		profile.Status = StatusActive
		profile.StripeSubscriptionID = ""
		profile.CancelAtPeriodEnd = false
		profile.StripeCustomerID = sub.CustomerID
		if err := s.repo.SaveProfile(ctx, profile); err != nil {
			return err
		}
		return s.repo.DeletePendingChange(ctx, userID)
	}

	profile.PlanID = plan.ID
	profile.Interval = sub.Interval
	profile.Status = sub.Status
	profile.StripeCustomerID = sub.CustomerID
	profile.StripeSubscriptionID = sub.ID
	profile.CurrentPeriodStart = sub.CurrentPeriodStart
	profile.CurrentPeriodEnd = sub.CurrentPeriodEnd
	profile.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if err := s.repo.SaveProfile(ctx, profile); err != nil {
		return err
	}

	// A consumed or released schedule, or a cleared cancel flag, means
	// the pending change no longer exists at the gateway.
	pending, err := s.repo.GetPendingChange(ctx, userID)
	if err != nil {
		return err
	}
	if pending != nil {
		stale := (pending.Kind == ChangeDowngrade && sub.ScheduleID == "") ||
			(pending.Kind == ChangeCancel && !sub.CancelAtPeriodEnd)
		if stale {
			return s.repo.DeletePendingChange(ctx, userID)
		}
	}
	return nil
}

// --- transitions ---

func (s *Service) upgrade(ctx context.Context, snapshot *Profile, pending *PendingChange, target *catalog.Plan, interval string) (*ChangeResult, error) {
	priceID := target.PriceID(interval)
	idempotencyKey := fmt.Sprintf("plan-change-%s-%s-%s-%d",
		snapshot.UserID, target.ID, interval, snapshot.CurrentPeriodStart.Unix())

	// An existing schedule blocks in-place price updates.
	if pending != nil && pending.StripeScheduleID != "" {
		if err := s.gateway.ReleaseSchedule(ctx, pending.StripeScheduleID); err != nil {
			return nil, err
		}
	}

	var sub *Subscription
	var prorated int64
	var err error
	if !snapshot.HasSubscription() {
		customerID := snapshot.StripeCustomerID
		if customerID == "" {
			customerID, err = s.gateway.EnsureCustomer(ctx, snapshot.UserID, snapshot.Email)
			if err != nil {
				return nil, err
			}
		}
		sub, err = s.gateway.CreateSubscription(ctx, snapshot.UserID, customerID, priceID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		// No prior subscription means no proration; the charge is the
		// full plan price.
		if interval == IntervalYearly {
			prorated = target.PriceYearlyCents
		} else {
			prorated = target.PriceMonthlyCents
		}
	} else {
		sub, err = s.gateway.FetchSubscription(ctx, snapshot.StripeSubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.PriceID != priceID {
			// The estimate is informational; a preview failure must not
			// block the upgrade itself.
			amount, previewErr := s.gateway.PreviewProration(ctx, snapshot.StripeCustomerID, sub.ID, sub.ItemID, priceID)
			if previewErr != nil {
				s.logger.Warn("proration preview failed",
					zap.String("user_id", snapshot.UserID.String()),
					zap.Error(previewErr))
			} else {
				prorated = amount
			}
			sub, err = s.gateway.UpgradeNow(ctx, sub.ID, sub.ItemID, priceID, idempotencyKey)
			if err != nil {
				return nil, err
			}
		}
		if snapshot.CancelAtPeriodEnd {
			sub, err = s.gateway.SetCancelAtPeriodEnd(ctx, sub.ID, false)
			if err != nil {
				return nil, err
			}
		}
	}

	state, err := s.applySubscription(ctx, snapshot.UserID, target, sub, "upgrade")
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Kind: ChangeUpgrade, State: state, ProrationAmountCents: prorated}, nil
}

func (s *Service) downgrade(ctx context.Context, snapshot *Profile, pending *PendingChange, target *catalog.Plan, interval string) (*ChangeResult, error) {
	if !snapshot.HasSubscription() {
		return nil, fmt.Errorf("downgrade without subscription: %w", ErrInconsistentState)
	}

	// Same downgrade already queued; nothing to do at the gateway.
	if pending != nil && pending.Kind == ChangeDowngrade &&
		pending.ToPlanID == target.ID && pending.Interval == interval {
		effective := pending.EffectiveAt
		return &ChangeResult{
			Kind:        ChangeDowngrade,
			State:       buildPlanState(snapshot, pending),
			EffectiveAt: &effective,
		}, nil
	}

	if pending != nil && pending.StripeScheduleID != "" {
		if err := s.gateway.ReleaseSchedule(ctx, pending.StripeScheduleID); err != nil {
			return nil, err
		}
	}
	if snapshot.CancelAtPeriodEnd {
		if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, snapshot.StripeSubscriptionID, false); err != nil {
			return nil, err
		}
	}

	scheduleID, effectiveAt, err := s.gateway.ScheduleDowngrade(ctx, snapshot.StripeSubscriptionID, target.PriceID(interval))
	if err != nil {
		return nil, err
	}

	change := &PendingChange{
		UserID:           snapshot.UserID,
		Kind:             ChangeDowngrade,
		FromPlanID:       snapshot.PlanID,
		ToPlanID:         target.ID,
		Interval:         interval,
		StripeScheduleID: scheduleID,
		EffectiveAt:      effectiveAt,
	}
	state, err := s.commitProfile(ctx, snapshot.UserID, "downgrade_scheduled", func(p *Profile) error {
		p.CancelAtPeriodEnd = false
		return s.repo.SavePendingChange(ctx, change)
	})
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Kind: ChangeDowngrade, State: state, EffectiveAt: &effectiveAt}, nil
}

func (s *Service) cancel(ctx context.Context, snapshot *Profile, pending *PendingChange) (*ChangeResult, error) {
	if !snapshot.HasSubscription() {
		// Already on the free tier.
		return &ChangeResult{Kind: ChangeNoop, State: buildPlanState(snapshot, pending)}, nil
	}

	if pending != nil && pending.Kind == ChangeCancel && snapshot.CancelAtPeriodEnd {
		effective := pending.EffectiveAt
		return &ChangeResult{
			Kind:        ChangeCancel,
			State:       buildPlanState(snapshot, pending),
			EffectiveAt: &effective,
		}, nil
	}

	if pending != nil && pending.StripeScheduleID != "" {
		if err := s.gateway.ReleaseSchedule(ctx, pending.StripeScheduleID); err != nil {
			return nil, err
		}
	}

	sub, err := s.gateway.SetCancelAtPeriodEnd(ctx, snapshot.StripeSubscriptionID, true)
	if err != nil {
		return nil, err
	}

	effectiveAt := sub.CurrentPeriodEnd
	change := &PendingChange{
		UserID:      snapshot.UserID,
		Kind:        ChangeCancel,
		FromPlanID:  snapshot.PlanID,
		ToPlanID:    catalog.PlanStarter,
		EffectiveAt: effectiveAt,
	}
	state, err := s.commitProfile(ctx, snapshot.UserID, "cancel_scheduled", func(p *Profile) error {
		p.CancelAtPeriodEnd = true
		p.CurrentPeriodStart = sub.CurrentPeriodStart
		p.CurrentPeriodEnd = sub.CurrentPeriodEnd
		return s.repo.SavePendingChange(ctx, change)
	})
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Kind: ChangeCancel, State: state, EffectiveAt: &effectiveAt}, nil
}

// applySubscription persists an authoritative subscription result under
// the user lock and returns the new state.
func (s *Service) applySubscription(ctx context.Context, userID uuid.UUID, plan *catalog.Plan, sub *Subscription, reason string) (*PlanState, error) {
	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}

	profile.PlanID = plan.ID
	profile.Interval = sub.Interval
	profile.Status = sub.Status
	profile.StripeCustomerID = sub.CustomerID
	profile.StripeSubscriptionID = sub.ID
	profile.CurrentPeriodStart = sub.CurrentPeriodStart
	profile.CurrentPeriodEnd = sub.CurrentPeriodEnd
	profile.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

	if err := s.repo.SaveProfile(ctx, profile); err != nil {
		mu.Unlock()
		return nil, err
	}
	if err := s.repo.DeletePendingChange(ctx, userID); err != nil {
		mu.Unlock()
		return nil, err
	}
	state := buildPlanState(profile, nil)
	mu.Unlock()

	s.bus.Publish(ctx, NewPlanStateChangedEvent(userID, plan.ID, reason))
	return state, nil
}

// commitProfile re-reads the profile under the lock, applies mutate,
// saves, and publishes the change event.
func (s *Service) commitProfile(ctx context.Context, userID uuid.UUID, reason string, mutate func(*Profile) error) (*PlanState, error) {
	mu := s.locks.lock(userID)
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if err := mutate(profile); err != nil {
		mu.Unlock()
		return nil, err
	}
	if err := s.repo.SaveProfile(ctx, profile); err != nil {
		mu.Unlock()
		return nil, err
	}
	pending, err := s.repo.GetPendingChange(ctx, userID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	state := buildPlanState(profile, pending)
	mu.Unlock()

	s.bus.Publish(ctx, NewPlanStateChangedEvent(userID, profile.PlanID, reason))
	return state, nil
}

// --- helpers ---

func (s *Service) resolvePlan(sub *Subscription) (*catalog.Plan, error) {
	plan, err := s.catalog.ByPriceID(sub.PriceID)
	if err == nil {
		return plan, nil
	}
	plan, err = s.catalog.ByProductID(sub.ProductID)
	if err != nil {
		return nil, fmt.Errorf("subscription %s price %s matches no plan: %w",
			sub.ID, sub.PriceID, ErrInconsistentState)
	}
	return plan, nil
}

func (s *Service) resolveUser(ctx context.Context, sub *Subscription) (uuid.UUID, error) {
	profile, err := s.repo.GetProfileByCustomerID(ctx, sub.CustomerID)
	if err == nil {
		return profile.UserID, nil
	}
	if err != ErrProfileNotFound {
		return uuid.Nil, err
	}
	userID, parseErr := uuid.Parse(sub.UserID)
	if parseErr != nil {
		return uuid.Nil, fmt.Errorf("subscription %s maps to no local user: %w", sub.ID, ErrInconsistentState)
	}
	return userID, nil
}

// classifyChange decides what kind of transition the request is.
func classifyChange(current, target *catalog.Plan, profile *Profile, interval string) string {
	if target.IsFree() {
		if current.IsFree() {
			return ChangeNoop
		}
		return ChangeCancel
	}
	if target.TierRank > current.TierRank {
		return ChangeUpgrade
	}
	if target.TierRank < current.TierRank {
		return ChangeDowngrade
	}
	// Same tier: an interval switch is applied immediately, anything
	// else is already in effect.
	if profile.Interval != interval {
		return ChangeUpgrade
	}
	return ChangeNoop
}

// terminal reports whether the status means the subscription no longer
// grants anything.
func terminal(status SubscriptionStatus) bool {
	switch status {
	case StatusCanceled, StatusIncompleteExpired, StatusUnpaid:
		return true
	default:
		return false
	}
}

func normalizeInterval(interval string) (string, error) {
	switch interval {
	case "":
		return catalog.IntervalMonthly, nil
	case catalog.IntervalMonthly, catalog.IntervalYearly:
		return interval, nil
	default:
		return "", catalog.ErrInvalidInterval
	}
}

func buildPlanState(profile *Profile, pending *PendingChange) *PlanState {
	return &PlanState{
		UserID:             profile.UserID,
		PlanID:             profile.PlanID,
		Interval:           profile.Interval,
		Status:             profile.Status,
		CancelAtPeriodEnd:  profile.CancelAtPeriodEnd,
		CurrentPeriodStart: profile.CurrentPeriodStart,
		CurrentPeriodEnd:   profile.CurrentPeriodEnd,
		AccountCreatedAt:   profile.CreatedAt,
		Pending:            pending,
	}
}
