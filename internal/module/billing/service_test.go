package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/infra/events"
	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/shared/metrics"
)

// --- Mock implementations ---

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Profile), args.Error(1)
}

func (m *MockRepository) GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Profile), args.Error(1)
}

func (m *MockRepository) CreateProfile(ctx context.Context, profile *Profile) error {
	args := m.Called(ctx, profile)
	return args.Error(0)
}

func (m *MockRepository) SaveProfile(ctx context.Context, profile *Profile) error {
	args := m.Called(ctx, profile)
	return args.Error(0)
}

func (m *MockRepository) GetPendingChange(ctx context.Context, userID uuid.UUID) (*PendingChange, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PendingChange), args.Error(1)
}

func (m *MockRepository) SavePendingChange(ctx context.Context, change *PendingChange) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

func (m *MockRepository) DeletePendingChange(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockRepository) WebhookEventExists(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) RecordWebhookEvent(ctx context.Context, eventID, eventType, payload string) error {
	args := m.Called(ctx, eventID, eventType, payload)
	return args.Error(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	args := m.Called(ctx, userID, email)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) CreateSubscription(ctx context.Context, userID uuid.UUID, customerID, priceID, idempotencyKey string) (*Subscription, error) {
	args := m.Called(ctx, userID, customerID, priceID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Subscription), args.Error(1)
}

func (m *MockGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Subscription), args.Error(1)
}

func (m *MockGateway) UpgradeNow(ctx context.Context, subscriptionID, itemID, priceID, idempotencyKey string) (*Subscription, error) {
	args := m.Called(ctx, subscriptionID, itemID, priceID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Subscription), args.Error(1)
}

func (m *MockGateway) ScheduleDowngrade(ctx context.Context, subscriptionID, priceID string) (string, time.Time, error) {
	args := m.Called(ctx, subscriptionID, priceID)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}

func (m *MockGateway) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	args := m.Called(ctx, scheduleID)
	return args.Error(0)
}

func (m *MockGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	args := m.Called(ctx, subscriptionID, cancel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Subscription), args.Error(1)
}

func (m *MockGateway) CancelNow(ctx context.Context, subscriptionID string) (*Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Subscription), args.Error(1)
}

func (m *MockGateway) PreviewProration(ctx context.Context, customerID, subscriptionID, itemID, priceID string) (int64, error) {
	args := m.Called(ctx, customerID, subscriptionID, itemID, priceID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGateway) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	args := m.Called(payload, signature)
	return args.Get(0).(stripe.Event), args.Error(1)
}

// memCache is an in-memory PlanStateCache for tests.
type memCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*PlanState
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[uuid.UUID]*PlanState)}
}

func (c *memCache) Get(_ context.Context, userID uuid.UUID) *PlanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[userID]
}

func (c *memCache) Set(_ context.Context, state *PlanState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[state.UserID] = state
}

func (c *memCache) Invalidate(_ context.Context, userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// --- Fixtures ---

var (
	periodStart = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(0, 1, 0)
)

func newTestService(repo Repository, gateway SubscriptionGateway, cache PlanStateCache) (*Service, *events.Bus) {
	bus := events.NewBus(zap.NewNop())
	m := metrics.NewWith("test", prometheus.NewRegistry())
	svc := NewService(catalog.New(catalog.DefaultPlans()), gateway, repo, cache, bus, m, zap.NewNop())
	return svc, bus
}

func starterProfile(userID uuid.UUID) *Profile {
	return &Profile{
		UserID: userID,
		Email:  "learner@example.com",
		PlanID: catalog.PlanStarter,
		Status: StatusActive,
	}
}

func paidProfile(userID uuid.UUID, planID string) *Profile {
	return &Profile{
		UserID:               userID,
		Email:                "learner@example.com",
		PlanID:               planID,
		Interval:             catalog.IntervalMonthly,
		Status:               StatusActive,
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
	}
}

func gatewaySub(planID, priceID string) *Subscription {
	return &Subscription{
		ID:                 "sub_123",
		CustomerID:         "cus_123",
		Status:             StatusActive,
		PriceID:            priceID,
		ProductID:          "prod_" + planID,
		ItemID:             "si_123",
		Interval:           catalog.IntervalMonthly,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
}

// --- ChangePlan ---

func TestChangePlan_UpgradeIsImmediate(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)
	gateway.On("FetchSubscription", mock.Anything, "sub_123").
		Return(gatewaySub(catalog.PlanBasic, "price_basic_monthly"), nil)
	gateway.On("PreviewProration", mock.Anything, "cus_123", "sub_123", "si_123", "price_plus_monthly").
		Return(int64(2750), nil)
	gateway.On("UpgradeNow", mock.Anything, "sub_123", "si_123", "price_plus_monthly", mock.Anything).
		Return(gatewaySub(catalog.PlanPlus, "price_plus_monthly"), nil)

	var saved *Profile
	repo.On("SaveProfile", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*Profile)
	}).Return(nil)
	repo.On("DeletePendingChange", mock.Anything, userID).Return(nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanPlus, "")
	require.NoError(t, err)

	assert.Equal(t, ChangeUpgrade, result.Kind)
	assert.Equal(t, catalog.PlanPlus, result.State.PlanID)
	assert.Equal(t, int64(2750), result.ProrationAmountCents)
	require.NotNil(t, saved)
	assert.Equal(t, catalog.PlanPlus, saved.PlanID)
	gateway.AssertExpectations(t)
}

func TestChangePlan_FirstUpgradeCreatesSubscription(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(starterProfile(userID), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)
	gateway.On("EnsureCustomer", mock.Anything, userID, "learner@example.com").Return("cus_new", nil)
	gateway.On("CreateSubscription", mock.Anything, userID, "cus_new", "price_basic_monthly", mock.Anything).
		Return(gatewaySub(catalog.PlanBasic, "price_basic_monthly"), nil)
	repo.On("SaveProfile", mock.Anything, mock.Anything).Return(nil)
	repo.On("DeletePendingChange", mock.Anything, userID).Return(nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanBasic, catalog.IntervalMonthly)
	require.NoError(t, err)

	assert.Equal(t, ChangeUpgrade, result.Kind)
	assert.Equal(t, catalog.PlanBasic, result.State.PlanID)
	// First subscription: the charge is the full monthly price.
	assert.Equal(t, int64(900), result.ProrationAmountCents)
}

func TestChangePlan_RetriedUpgradeIsIdempotent(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	// The gateway already holds the target price; no update is issued.
	profile := paidProfile(userID, catalog.PlanBasic)
	repo.On("GetProfile", mock.Anything, userID).Return(profile, nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)
	gateway.On("FetchSubscription", mock.Anything, "sub_123").
		Return(gatewaySub(catalog.PlanPlus, "price_plus_monthly"), nil)
	repo.On("SaveProfile", mock.Anything, mock.Anything).Return(nil)
	repo.On("DeletePendingChange", mock.Anything, userID).Return(nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanPlus, "")
	require.NoError(t, err)

	assert.Equal(t, catalog.PlanPlus, result.State.PlanID)
	gateway.AssertNotCalled(t, "UpgradeNow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChangePlan_DowngradeIsDeferred(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanPlus), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)
	gateway.On("ScheduleDowngrade", mock.Anything, "sub_123", "price_basic_monthly").
		Return("sched_1", periodEnd, nil)

	var savedChange *PendingChange
	repo.On("SavePendingChange", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		savedChange = args.Get(1).(*PendingChange)
	}).Return(nil)
	repo.On("SaveProfile", mock.Anything, mock.Anything).Return(nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanBasic, "")
	require.NoError(t, err)

	assert.Equal(t, ChangeDowngrade, result.Kind)
	// Current entitlements stay until the period ends.
	assert.Equal(t, catalog.PlanPlus, result.State.PlanID)
	require.NotNil(t, result.EffectiveAt)
	assert.Equal(t, periodEnd, *result.EffectiveAt)
	require.NotNil(t, savedChange)
	assert.Equal(t, catalog.PlanBasic, savedChange.ToPlanID)
	assert.Equal(t, "sched_1", savedChange.StripeScheduleID)
}

func TestChangePlan_RepeatedDowngradeIsIdempotent(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	pending := &PendingChange{
		UserID:           userID,
		Kind:             ChangeDowngrade,
		FromPlanID:       catalog.PlanPlus,
		ToPlanID:         catalog.PlanBasic,
		Interval:         catalog.IntervalMonthly,
		StripeScheduleID: "sched_1",
		EffectiveAt:      periodEnd,
	}
	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanPlus), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(pending, nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanBasic, "")
	require.NoError(t, err)

	assert.Equal(t, ChangeDowngrade, result.Kind)
	gateway.AssertNotCalled(t, "ScheduleDowngrade", mock.Anything, mock.Anything, mock.Anything)
}

func TestChangePlan_SamePlanIsNoop(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanBasic, catalog.IntervalMonthly)
	require.NoError(t, err)

	assert.Equal(t, ChangeNoop, result.Kind)
	assert.Equal(t, catalog.PlanBasic, result.State.PlanID)
	repo.AssertNotCalled(t, "SaveProfile", mock.Anything, mock.Anything)
}

func TestChangePlan_CancelDefersToStarter(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	cancelled := gatewaySub(catalog.PlanBasic, "price_basic_monthly")
	cancelled.CancelAtPeriodEnd = true
	gateway.On("SetCancelAtPeriodEnd", mock.Anything, "sub_123", true).Return(cancelled, nil)

	var savedChange *PendingChange
	repo.On("SavePendingChange", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		savedChange = args.Get(1).(*PendingChange)
	}).Return(nil)
	repo.On("SaveProfile", mock.Anything, mock.Anything).Return(nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanStarter, "")
	require.NoError(t, err)

	assert.Equal(t, ChangeCancel, result.Kind)
	assert.Equal(t, catalog.PlanBasic, result.State.PlanID)
	assert.True(t, result.State.CancelAtPeriodEnd)
	require.NotNil(t, savedChange)
	assert.Equal(t, catalog.PlanStarter, savedChange.ToPlanID)
}

func TestChangePlan_CancelOnStarterIsNoop(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(starterProfile(userID), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	result, err := svc.ChangePlan(context.Background(), userID, catalog.PlanStarter, "")
	require.NoError(t, err)
	assert.Equal(t, ChangeNoop, result.Kind)
}

func TestChangePlan_UnknownPlan(t *testing.T) {
	userID := uuid.New()
	svc, bus := newTestService(new(MockRepository), new(MockGateway), newMemCache())
	defer bus.Stop()

	_, err := svc.ChangePlan(context.Background(), userID, "enterprise", "")
	assert.ErrorIs(t, err, catalog.ErrPlanNotFound)
}

func TestChangePlan_GatewayDownLeavesStateUntouched(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)
	gateway.On("FetchSubscription", mock.Anything, "sub_123").Return(nil, ErrGatewayUnavailable)

	_, err := svc.ChangePlan(context.Background(), userID, catalog.PlanPlus, "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	repo.AssertNotCalled(t, "SaveProfile", mock.Anything, mock.Anything)
}

// --- CancelPendingChange / Reactivate ---

func TestCancelPendingChange_ReleasesSchedule(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	pending := &PendingChange{
		UserID:           userID,
		Kind:             ChangeDowngrade,
		FromPlanID:       catalog.PlanPlus,
		ToPlanID:         catalog.PlanBasic,
		StripeScheduleID: "sched_1",
		EffectiveAt:      periodEnd,
	}
	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanPlus), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(pending, nil).Once()
	gateway.On("ReleaseSchedule", mock.Anything, "sched_1").Return(nil)
	repo.On("DeletePendingChange", mock.Anything, userID).Return(nil)
	repo.On("SaveProfile", mock.Anything, mock.Anything).Return(nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	state, err := svc.CancelPendingChange(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, catalog.PlanPlus, state.PlanID)
	assert.Nil(t, state.Pending)
	gateway.AssertExpectations(t)
}

func TestCancelPendingChange_NothingPending(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	svc, bus := newTestService(repo, new(MockGateway), newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	_, err := svc.CancelPendingChange(context.Background(), userID)
	assert.ErrorIs(t, err, ErrNoPendingChange)
}

func TestReactivate_ClearsCancelFlag(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	gateway := new(MockGateway)
	svc, bus := newTestService(repo, gateway, newMemCache())
	defer bus.Stop()

	profile := paidProfile(userID, catalog.PlanBasic)
	profile.CancelAtPeriodEnd = true
	repo.On("GetProfile", mock.Anything, userID).Return(profile, nil)
	gateway.On("SetCancelAtPeriodEnd", mock.Anything, "sub_123", false).
		Return(gatewaySub(catalog.PlanBasic, "price_basic_monthly"), nil)
	repo.On("SaveProfile", mock.Anything, mock.Anything).Return(nil)
	repo.On("DeletePendingChange", mock.Anything, userID).Return(nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	state, err := svc.Reactivate(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, state.CancelAtPeriodEnd)
}

func TestReactivate_NotCancelling(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	svc, bus := newTestService(repo, new(MockGateway), newMemCache())
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)

	_, err := svc.Reactivate(context.Background(), userID)
	assert.ErrorIs(t, err, ErrNotCancelling)
}

// --- SyncSubscription ---

func TestSyncSubscription_PopulatesMissingProfile(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	svc, bus := newTestService(repo, new(MockGateway), newMemCache())

	sub := gatewaySub(catalog.PlanEssentials, "price_essentials_monthly")
	sub.UserID = userID.String()

	repo.On("GetProfileByCustomerID", mock.Anything, "cus_123").Return(nil, ErrProfileNotFound)
	repo.On("GetProfile", mock.Anything, userID).Return(nil, ErrProfileNotFound)

	var saved *Profile
	repo.On("SaveProfile", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*Profile)
	}).Return(nil)
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil)

	err := svc.SyncSubscription(context.Background(), sub)
	require.NoError(t, err)
	bus.Stop()

	require.NotNil(t, saved)
	assert.Equal(t, userID, saved.UserID)
	assert.Equal(t, catalog.PlanEssentials, saved.PlanID)
	assert.Equal(t, "sub_123", saved.StripeSubscriptionID)
}

func TestSyncSubscription_TerminalRevertsToStarter(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	svc, bus := newTestService(repo, new(MockGateway), newMemCache())

	sub := gatewaySub(catalog.PlanBasic, "price_basic_monthly")
	sub.Status = StatusCanceled

	repo.On("GetProfileByCustomerID", mock.Anything, "cus_123").
		Return(paidProfile(userID, catalog.PlanBasic), nil)
	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil)

	var saved *Profile
	repo.On("SaveProfile", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*Profile)
	}).Return(nil)
	repo.On("DeletePendingChange", mock.Anything, userID).Return(nil)

	err := svc.SyncSubscription(context.Background(), sub)
	require.NoError(t, err)
	bus.Stop()

	require.NotNil(t, saved)
	assert.Equal(t, catalog.PlanStarter, saved.PlanID)
	assert.Empty(t, saved.StripeSubscriptionID)
}

func TestSyncSubscription_UnknownPrice(t *testing.T) {
	svc, bus := newTestService(new(MockRepository), new(MockGateway), newMemCache())
	defer bus.Stop()

	sub := gatewaySub("mystery", "price_mystery")
	err := svc.SyncSubscription(context.Background(), sub)
	assert.ErrorIs(t, err, ErrInconsistentState)
}

// --- GetPlanState ---

func TestGetPlanState_ReadsThroughCache(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	cache := newMemCache()
	svc, bus := newTestService(repo, new(MockGateway), cache)
	defer bus.Stop()

	repo.On("GetProfile", mock.Anything, userID).Return(paidProfile(userID, catalog.PlanBasic), nil).Once()
	repo.On("GetPendingChange", mock.Anything, userID).Return(nil, nil).Once()

	first, err := svc.GetPlanState(context.Background(), userID)
	require.NoError(t, err)

	// Second read is served from the cache; the mock would fail on an
	// unexpected second repository call.
	second, err := svc.GetPlanState(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, first.PlanID, second.PlanID)
	repo.AssertExpectations(t)
}

// --- classifyChange ---

func TestClassifyChange(t *testing.T) {
	cat := catalog.New(catalog.DefaultPlans())
	starter, _ := cat.Get(catalog.PlanStarter)
	basic, _ := cat.Get(catalog.PlanBasic)
	plus, _ := cat.Get(catalog.PlanPlus)

	monthly := &Profile{Interval: catalog.IntervalMonthly}

	tests := []struct {
		name     string
		current  *catalog.Plan
		target   *catalog.Plan
		interval string
		want     string
	}{
		{"upgrade from free", starter, basic, "monthly", ChangeUpgrade},
		{"upgrade paid to paid", basic, plus, "monthly", ChangeUpgrade},
		{"downgrade paid to paid", plus, basic, "monthly", ChangeDowngrade},
		{"cancel to free", basic, starter, "monthly", ChangeCancel},
		{"free to free", starter, starter, "monthly", ChangeNoop},
		{"same plan same interval", basic, basic, "monthly", ChangeNoop},
		{"same plan interval switch", basic, basic, "yearly", ChangeUpgrade},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyChange(tt.current, tt.target, monthly, tt.interval))
		})
	}
}

func TestEnsureProvisioned_CreatesStarterProfileOnFirstContact(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	repo.On("GetProfile", mock.Anything, userID).Return(nil, ErrProfileNotFound)
	repo.On("CreateProfile", mock.Anything, mock.MatchedBy(func(p *Profile) bool {
		return p.UserID == userID &&
			p.Email == "learner@example.com" &&
			p.PlanID == catalog.PlanStarter &&
			p.Status == StatusActive
	})).Return(nil)

	svc, bus := newTestService(repo, new(MockGateway), newMemCache())
	defer bus.Stop()

	err := svc.EnsureProvisioned(context.Background(), userID, "learner@example.com")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestEnsureProvisioned_ExistingProfileIsNotRecreated(t *testing.T) {
	userID := uuid.New()
	repo := new(MockRepository)
	repo.On("GetProfile", mock.Anything, userID).Return(starterProfile(userID), nil)

	svc, bus := newTestService(repo, new(MockGateway), newMemCache())
	defer bus.Stop()

	err := svc.EnsureProvisioned(context.Background(), userID, "learner@example.com")
	require.NoError(t, err)
	repo.AssertNotCalled(t, "CreateProfile", mock.Anything, mock.Anything)
}

func TestEnsureProvisioned_CacheHitSkipsDatabase(t *testing.T) {
	userID := uuid.New()
	cache := newMemCache()
	cache.Set(context.Background(), &PlanState{UserID: userID, PlanID: catalog.PlanBasic, Status: StatusActive})

	repo := new(MockRepository)
	svc, bus := newTestService(repo, new(MockGateway), cache)
	defer bus.Stop()

	err := svc.EnsureProvisioned(context.Background(), userID, "learner@example.com")
	require.NoError(t, err)
	repo.AssertNotCalled(t, "GetProfile", mock.Anything, mock.Anything)
}

func TestCacheInvalidationHandler_DropsCachedState(t *testing.T) {
	userID := uuid.New()
	cache := newMemCache()
	cache.Set(context.Background(), &PlanState{UserID: userID, PlanID: catalog.PlanBasic, Status: StatusActive})

	handler := NewCacheInvalidationHandler(cache)
	assert.Equal(t, EventPlanStateChanged, handler.EventType())

	err := handler.Handle(context.Background(), NewPlanStateChangedEvent(userID, catalog.PlanPlus, "upgrade"))
	require.NoError(t, err)
	assert.Nil(t, cache.Get(context.Background(), userID))
}
