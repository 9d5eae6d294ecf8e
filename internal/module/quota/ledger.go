package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/module/billing"
	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/shared/metrics"
)

// PlanStateProvider supplies the effective plan state a quota decision
// is made against.
type PlanStateProvider interface {
	GetPlanState(ctx context.Context, userID uuid.UUID) (*billing.PlanState, error)
}

// CounterMirror is the fast-read mirror of usage counters.
type CounterMirror interface {
	Get(ctx context.Context, userID uuid.UUID, cycleID string) (int, bool)
	Set(ctx context.Context, userID uuid.UUID, cycle Cycle, used int)
	Invalidate(ctx context.Context, userID uuid.UUID, cycleID string)
}

// Ledger tracks question usage against plan limits, one counter per
// billing cycle. Check is a pure read; Commit is an atomic conditional
// increment, so a burst of concurrent commits can never push usage past
// the limit.
type Ledger struct {
	repo    Repository
	plans   *catalog.Catalog
	billing PlanStateProvider
	mirror  CounterMirror
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewLedger creates a quota ledger.
func NewLedger(
	repo Repository,
	plans *catalog.Catalog,
	billingSvc PlanStateProvider,
	mirror CounterMirror,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Ledger {
	return &Ledger{
		repo:    repo,
		plans:   plans,
		billing: billingSvc,
		mirror:  mirror,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Check reports whether n more questions fit in the current cycle. It
// never mutates anything; a passing check does not hold a reservation.
func (l *Ledger) Check(ctx context.Context, userID uuid.UUID, n int) (*Decision, error) {
	plan, cycle, err := l.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	used, err := l.currentUsage(ctx, userID, cycle)
	if err != nil {
		return nil, err
	}

	decision := buildDecision(plan, cycle, used, n)
	l.recordCheck(decision)
	return decision, nil
}

// Commit atomically adds n questions to the current cycle, failing with
// ErrQuotaExceeded if that would pass the limit. The returned decision
// reflects the counter after the commit (or the counter that refused
// it). The subject feeds the per-type breakdown; the total alone gates
// the limit.
//
// Callers commit before doing the work and Release what was not
// produced; a crash between the two leaves the committed amount
// consumed until the generation records are reconciled against the
// counter.
func (l *Ledger) Commit(ctx context.Context, userID uuid.UUID, subject string, n int) (*Decision, error) {
	plan, cycle, err := l.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	applied, used, err := l.repo.TryReserve(ctx, userID, cycle, n, plan.MonthlyQuestionLimit)
	if err != nil {
		return nil, err
	}
	l.mirror.Set(ctx, userID, cycle, used)

	if !applied {
		decision := buildDecision(plan, cycle, used, n)
		l.recordCheck(decision)
		return decision, ErrQuotaExceeded
	}

	// Breakdown rows are reporting data; a failed write must not undo
	// an accepted reservation.
	if err := l.repo.IncrementSubject(ctx, userID, cycle.ID, subject, n); err != nil {
		l.logger.Warn("failed to record subject usage",
			zap.String("user_id", userID.String()),
			zap.String("subject", subject),
			zap.Error(err))
	}

	decision := buildDecision(plan, cycle, used, 0)
	decision.Requested = n
	l.metrics.QuotaChecksTotal.WithLabelValues("allowed").Inc()
	return decision, nil
}

// Release returns n previously committed questions to the cycle, e.g.
// when generation fails after the commit.
func (l *Ledger) Release(ctx context.Context, userID uuid.UUID, subject string, n int) error {
	_, cycle, err := l.resolve(ctx, userID)
	if err != nil {
		return err
	}

	used, err := l.repo.Increment(ctx, userID, cycle, -n)
	if err != nil {
		return err
	}
	if err := l.repo.IncrementSubject(ctx, userID, cycle.ID, subject, -n); err != nil {
		l.logger.Warn("failed to release subject usage",
			zap.String("user_id", userID.String()),
			zap.String("subject", subject),
			zap.Error(err))
	}
	if used < 0 {
		// Should not happen; resync the row rather than propagate a
		// negative counter.
		l.logger.Warn("usage counter went negative",
			zap.String("user_id", userID.String()),
			zap.Int("used", used))
		used = 0
	}
	l.mirror.Set(ctx, userID, cycle, used)
	return nil
}

// Status returns the full usage picture for the current cycle.
func (l *Ledger) Status(ctx context.Context, userID uuid.UUID) (*UsageStatus, error) {
	plan, cycle, err := l.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	used, err := l.currentUsage(ctx, userID, cycle)
	if err != nil {
		return nil, err
	}

	subjects, err := l.repo.ListSubjects(ctx, userID, cycle.ID)
	if err != nil {
		return nil, err
	}
	breakdown := make(map[string]int, len(subjects))
	for _, s := range subjects {
		if s.QuestionsUsed > 0 {
			breakdown[s.Subject] = s.QuestionsUsed
		}
	}

	remaining := plan.MonthlyQuestionLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return &UsageStatus{
		PlanID:     plan.ID,
		CycleID:    cycle.ID,
		CycleStart: cycle.Start,
		CycleEnd:   cycle.End,
		Used:       used,
		Limit:      plan.MonthlyQuestionLimit,
		Remaining:  remaining,
		Breakdown:  breakdown,
	}, nil
}

// History returns the user's most recent usage cycles, newest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit int) ([]UsageCycle, error) {
	if limit <= 0 || limit > 24 {
		limit = 12
	}
	return l.repo.ListCycles(ctx, userID, limit)
}

// resolve loads the plan and the billing cycle quota is counted
// against. Paid subscriptions anchor cycles to the gateway's period
// start; free accounts anchor to account creation.
func (l *Ledger) resolve(ctx context.Context, userID uuid.UUID) (*catalog.Plan, Cycle, error) {
	state, err := l.billing.GetPlanState(ctx, userID)
	if err != nil {
		return nil, Cycle{}, err
	}

	planID := state.PlanID
	if !state.Status.Usable() {
		planID = catalog.PlanStarter
	}
	plan, err := l.plans.Get(planID)
	if err != nil {
		return nil, Cycle{}, fmt.Errorf("plan state references unknown plan %s: %w", planID, err)
	}

	anchor := state.CurrentPeriodStart
	if anchor.IsZero() {
		anchor = state.AccountCreatedAt
	}
	return plan, CycleFor(anchor, l.now()), nil
}

// currentUsage reads the mirror first and falls back to the database,
// refreshing the mirror on a miss.
func (l *Ledger) currentUsage(ctx context.Context, userID uuid.UUID, cycle Cycle) (int, error) {
	if used, ok := l.mirror.Get(ctx, userID, cycle.ID); ok {
		return used, nil
	}

	row, err := l.repo.GetCycle(ctx, userID, cycle.ID)
	if err != nil {
		return 0, err
	}
	used := 0
	if row != nil {
		used = row.QuestionsUsed
	}
	l.mirror.Set(ctx, userID, cycle, used)
	return used, nil
}

func (l *Ledger) recordCheck(d *Decision) {
	if d.Allowed {
		l.metrics.QuotaChecksTotal.WithLabelValues("allowed").Inc()
		return
	}
	l.metrics.QuotaChecksTotal.WithLabelValues("denied").Inc()
	l.metrics.QuotaDenialsTotal.WithLabelValues("quota_exceeded").Inc()
}

func buildDecision(plan *catalog.Plan, cycle Cycle, used, n int) *Decision {
	remaining := plan.MonthlyQuestionLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   used+n <= plan.MonthlyQuestionLimit,
		Requested: n,
		Used:      used,
		Limit:     plan.MonthlyQuestionLimit,
		Remaining: remaining,
		CycleID:   cycle.ID,
		ResetsAt:  cycle.End,
	}
}
