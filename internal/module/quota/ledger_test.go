package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/module/billing"
	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/shared/metrics"
)

// --- In-memory fakes ---

type memRepo struct {
	mu       sync.Mutex
	rows     map[string]*UsageCycle
	subjects map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		rows:     make(map[string]*UsageCycle),
		subjects: make(map[string]int),
	}
}

func (r *memRepo) key(userID uuid.UUID, cycleID string) string {
	return userID.String() + ":" + cycleID
}

func (r *memRepo) GetCycle(_ context.Context, userID uuid.UUID, cycleID string) (*UsageCycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[r.key(userID, cycleID)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (r *memRepo) ensure(userID uuid.UUID, cycle Cycle) *UsageCycle {
	k := r.key(userID, cycle.ID)
	row, ok := r.rows[k]
	if !ok {
		row = &UsageCycle{
			ID:         uuid.New(),
			UserID:     userID,
			CycleID:    cycle.ID,
			CycleStart: cycle.Start,
			CycleEnd:   cycle.End,
		}
		r.rows[k] = row
	}
	return row
}

func (r *memRepo) Increment(_ context.Context, userID uuid.UUID, cycle Cycle, n int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.ensure(userID, cycle)
	row.QuestionsUsed += n
	return row.QuestionsUsed, nil
}

func (r *memRepo) TryReserve(_ context.Context, userID uuid.UUID, cycle Cycle, n, limit int) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.ensure(userID, cycle)
	if row.QuestionsUsed+n > limit {
		return false, row.QuestionsUsed, nil
	}
	row.QuestionsUsed += n
	return true, row.QuestionsUsed, nil
}

func (r *memRepo) IncrementSubject(_ context.Context, userID uuid.UUID, cycleID, subject string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects[r.key(userID, cycleID)+":"+subject] += n
	return nil
}

func (r *memRepo) ListSubjects(_ context.Context, userID uuid.UUID, cycleID string) ([]SubjectUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := r.key(userID, cycleID) + ":"
	var out []SubjectUsage
	for k, used := range r.subjects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, SubjectUsage{
				UserID:        userID,
				CycleID:       cycleID,
				Subject:       k[len(prefix):],
				QuestionsUsed: used,
			})
		}
	}
	return out, nil
}

func (r *memRepo) ListCycles(_ context.Context, userID uuid.UUID, limit int) ([]UsageCycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []UsageCycle
	for _, row := range r.rows {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memMirror struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemMirror() *memMirror {
	return &memMirror{counts: make(map[string]int)}
}

func (m *memMirror) Get(_ context.Context, userID uuid.UUID, cycleID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	used, ok := m.counts[userID.String()+":"+cycleID]
	return used, ok
}

func (m *memMirror) Set(_ context.Context, userID uuid.UUID, cycle Cycle, used int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID.String()+":"+cycle.ID] = used
}

func (m *memMirror) Invalidate(_ context.Context, userID uuid.UUID, cycleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, userID.String()+":"+cycleID)
}

type fakeBilling struct {
	state *billing.PlanState
}

func (f *fakeBilling) GetPlanState(_ context.Context, _ uuid.UUID) (*billing.PlanState, error) {
	return f.state, nil
}

// --- Fixtures ---

var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

func paidState(userID uuid.UUID, planID string) *billing.PlanState {
	return &billing.PlanState{
		UserID:             userID,
		PlanID:             planID,
		Status:             billing.StatusActive,
		CurrentPeriodStart: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
	}
}

func newTestLedger(state *billing.PlanState) (*Ledger, *memRepo, *memMirror) {
	repo := newMemRepo()
	mirror := newMemMirror()
	m := metrics.NewWith("test", prometheus.NewRegistry())
	ledger := NewLedger(repo, catalog.New(catalog.DefaultPlans()), &fakeBilling{state: state}, mirror, m, zap.NewNop())
	ledger.now = func() time.Time { return testNow }
	return ledger, repo, mirror
}

// --- Tests ---

func TestCheck_DeniesWhenRequestWouldExceed(t *testing.T) {
	userID := uuid.New()
	ledger, repo, _ := newTestLedger(paidState(userID, catalog.PlanStarter))

	// Starter allows 50 per cycle; 48 already used.
	cycle := CycleFor(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), testNow)
	_, err := repo.Increment(context.Background(), userID, cycle, 48)
	require.NoError(t, err)

	decision, err := ledger.Check(context.Background(), userID, 5)
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, 48, decision.Used)
	assert.Equal(t, 2, decision.Remaining)
	assert.Equal(t, 50, decision.Limit)
}

func TestCheck_AllowsWithinLimit(t *testing.T) {
	userID := uuid.New()
	ledger, _, _ := newTestLedger(paidState(userID, catalog.PlanBasic))

	decision, err := ledger.Check(context.Background(), userID, 10)
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.Equal(t, 300, decision.Limit)
	assert.Equal(t, 300, decision.Remaining)
}

func TestCheck_IsPure(t *testing.T) {
	userID := uuid.New()
	ledger, repo, _ := newTestLedger(paidState(userID, catalog.PlanBasic))

	for i := 0; i < 5; i++ {
		_, err := ledger.Check(context.Background(), userID, 10)
		require.NoError(t, err)
	}

	cycle := CycleFor(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), testNow)
	row, err := repo.GetCycle(context.Background(), userID, cycle.ID)
	require.NoError(t, err)
	if row != nil {
		assert.Zero(t, row.QuestionsUsed)
	}
}

func TestCommit_IncrementsAtomically(t *testing.T) {
	userID := uuid.New()
	ledger, _, _ := newTestLedger(paidState(userID, catalog.PlanBasic))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Commit(context.Background(), userID, "multiple_choice", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := ledger.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, workers, status.Used)
}

func TestCommit_NeverExceedsLimit(t *testing.T) {
	userID := uuid.New()
	ledger, _, _ := newTestLedger(paidState(userID, catalog.PlanStarter))

	// 60 concurrent single commits against a limit of 50: exactly 50
	// succeed and the counter stops at the limit.
	const attempts = 60
	var wg sync.WaitGroup
	var denied sync.Map
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ledger.Commit(context.Background(), userID, "multiple_choice", 1); err != nil {
				denied.Store(i, err)
			}
		}(i)
	}
	wg.Wait()

	deniedCount := 0
	denied.Range(func(_, v any) bool {
		assert.ErrorIs(t, v.(error), ErrQuotaExceeded)
		deniedCount++
		return true
	})
	assert.Equal(t, 10, deniedCount)

	status, err := ledger.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 50, status.Used)
	assert.Zero(t, status.Remaining)
}

func TestCommit_DeniedReturnsDecision(t *testing.T) {
	userID := uuid.New()
	ledger, _, _ := newTestLedger(paidState(userID, catalog.PlanStarter))

	_, err := ledger.Commit(context.Background(), userID, "multiple_choice", 48)
	require.NoError(t, err)

	decision, err := ledger.Commit(context.Background(), userID, "multiple_choice", 5)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	require.NotNil(t, decision)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 2, decision.Remaining)
}

func TestRelease_ReturnsQuestions(t *testing.T) {
	userID := uuid.New()
	ledger, _, _ := newTestLedger(paidState(userID, catalog.PlanStarter))

	_, err := ledger.Commit(context.Background(), userID, "true_false", 10)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(context.Background(), userID, "true_false", 4))

	status, err := ledger.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 6, status.Used)
	assert.Equal(t, 44, status.Remaining)
}

func TestStatus_BreaksUsageDownBySubject(t *testing.T) {
	userID := uuid.New()
	ledger, _, _ := newTestLedger(paidState(userID, catalog.PlanBasic))

	_, err := ledger.Commit(context.Background(), userID, "multiple_choice", 6)
	require.NoError(t, err)
	_, err = ledger.Commit(context.Background(), userID, "essay", 2)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(context.Background(), userID, "essay", 1))

	status, err := ledger.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 7, status.Used)
	assert.Equal(t, map[string]int{"multiple_choice": 6, "essay": 1}, status.Breakdown)
}

func TestLedger_CyclesAnchoredToBillingPeriod(t *testing.T) {
	userID := uuid.New()
	state := paidState(userID, catalog.PlanBasic)
	ledger, repo, _ := newTestLedger(state)

	_, err := ledger.Commit(context.Background(), userID, "short_answer", 3)
	require.NoError(t, err)

	cycle := CycleFor(state.CurrentPeriodStart, testNow)
	row, err := repo.GetCycle(context.Background(), userID, cycle.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, state.CurrentPeriodStart, row.CycleStart)
}

func TestLedger_FreeTierAnchorsToAccountCreation(t *testing.T) {
	userID := uuid.New()
	created := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	state := &billing.PlanState{
		UserID:           userID,
		PlanID:           catalog.PlanStarter,
		Status:           billing.StatusActive,
		AccountCreatedAt: created,
	}
	ledger, repo, _ := newTestLedger(state)

	_, err := ledger.Commit(context.Background(), userID, "multiple_choice", 1)
	require.NoError(t, err)

	cycle := CycleFor(created, testNow)
	row, err := repo.GetCycle(context.Background(), userID, cycle.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 5, row.CycleStart.Day())
}

func TestLedger_UnusableStatusFallsBackToStarterLimit(t *testing.T) {
	userID := uuid.New()
	state := paidState(userID, catalog.PlanAdvanced)
	state.Status = billing.StatusUnpaid
	ledger, _, _ := newTestLedger(state)

	decision, err := ledger.Check(context.Background(), userID, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, decision.Limit)
}

func TestStatus_MirrorStaysConsistent(t *testing.T) {
	userID := uuid.New()
	ledger, _, mirror := newTestLedger(paidState(userID, catalog.PlanBasic))

	_, err := ledger.Commit(context.Background(), userID, "multiple_choice", 7)
	require.NoError(t, err)

	cycle := CycleFor(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), testNow)
	used, ok := mirror.Get(context.Background(), userID, cycle.ID)
	require.True(t, ok)
	assert.Equal(t, 7, used)

	status, err := ledger.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 7, status.Used)
}
