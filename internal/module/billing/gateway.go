package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/shared/metrics"
)

// Subscription is the gateway's normalized view of a subscription.
// Every field is required; a gateway payload that cannot fill one maps
// to ErrInconsistentState rather than a zero value.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	PriceID            string
	ProductID          string
	ItemID             string
	Interval           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	ScheduleID         string
	UserID             string
}

// SubscriptionGateway wraps the payment provider's subscription API.
// Implementations must be safe for concurrent use and must never be
// called while a user lock is held.
type SubscriptionGateway interface {
	// EnsureCustomer returns the provider customer ID for the user,
	// creating one if needed. Creation is idempotent per user.
	EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error)

	// CreateSubscription starts a paid subscription for the customer.
	CreateSubscription(ctx context.Context, userID uuid.UUID, customerID, priceID, idempotencyKey string) (*Subscription, error)

	// FetchSubscription loads the authoritative subscription state.
	FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpgradeNow switches the subscription item to a higher-tier price
	// immediately, generating proration line items.
	UpgradeNow(ctx context.Context, subscriptionID, itemID, priceID, idempotencyKey string) (*Subscription, error)

	// ScheduleDowngrade queues a price switch for the end of the
	// current period and returns the schedule ID and effective time.
	ScheduleDowngrade(ctx context.Context, subscriptionID, priceID string) (string, time.Time, error)

	// ReleaseSchedule detaches a schedule, leaving the subscription on
	// its current price.
	ReleaseSchedule(ctx context.Context, scheduleID string) error

	// SetCancelAtPeriodEnd flags (or unflags) the subscription to end
	// when the current period does.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)

	// CancelNow terminates the subscription immediately.
	CancelNow(ctx context.Context, subscriptionID string) (*Subscription, error)

	// PreviewProration returns the immediate charge, in cents, that an
	// in-place switch to priceID would produce.
	PreviewProration(ctx context.Context, customerID, subscriptionID, itemID, priceID string) (int64, error)

	// VerifyWebhook checks the event signature and returns the parsed
	// event.
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
}

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// stripeGateway implements SubscriptionGateway against Stripe. Each
// call runs through a circuit breaker and retries transient failures
// with exponential backoff before reporting ErrGatewayUnavailable.
type stripeGateway struct {
	api           *client.API
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[any]
	maxRetries    int
	timeout       time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// StripeGatewayConfig holds gateway tuning knobs.
type StripeGatewayConfig struct {
	APIKey         string
	WebhookSecret  string
	MaxRetries     int
	RequestTimeout time.Duration
}

// NewStripeGateway creates a SubscriptionGateway backed by Stripe.
func NewStripeGateway(cfg *StripeGatewayConfig, m *metrics.Metrics, logger *zap.Logger) SubscriptionGateway {
	api := &client.API{}
	api.Init(cfg.APIKey, nil)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "stripe",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &stripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		breaker:       breaker,
		maxRetries:    maxRetries,
		timeout:       timeout,
		metrics:       m,
		logger:        logger,
	}
}

func (g *stripeGateway) EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.execute(ctx, "ensure_customer", func() (any, error) {
		params := &stripe.CustomerParams{
			Email:    stripe.String(email),
			Metadata: map[string]string{"user_id": userID.String()},
		}
		params.Context = ctx
		params.SetIdempotencyKey("customer-" + userID.String())
		return g.api.Customers.New(params)
	})
	if err != nil {
		return "", err
	}
	return result.(*stripe.Customer).ID, nil
}

func (g *stripeGateway) CreateSubscription(ctx context.Context, userID uuid.UUID, customerID, priceID, idempotencyKey string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.execute(ctx, "create_subscription", func() (any, error) {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(customerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(priceID)},
			},
			PaymentBehavior: stripe.String("error_if_incomplete"),
			Metadata:        map[string]string{"user_id": userID.String()},
		}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey)
		return g.api.Subscriptions.New(params)
	})
	if err != nil {
		return nil, err
	}
	return mapSubscription(result.(*stripe.Subscription))
}

func (g *stripeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.execute(ctx, "fetch_subscription", func() (any, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return g.api.Subscriptions.Get(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return mapSubscription(result.(*stripe.Subscription))
}

func (g *stripeGateway) UpgradeNow(ctx context.Context, subscriptionID, itemID, priceID, idempotencyKey string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.execute(ctx, "upgrade_subscription", func() (any, error) {
		params := &stripe.SubscriptionParams{
			Items: []*stripe.SubscriptionItemsParams{
				{
					ID:    stripe.String(itemID),
					Price: stripe.String(priceID),
				},
			},
			ProrationBehavior: stripe.String("create_prorations"),
		}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey)
		return g.api.Subscriptions.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return mapSubscription(result.(*stripe.Subscription))
}

func (g *stripeGateway) ScheduleDowngrade(ctx context.Context, subscriptionID, priceID string) (string, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	created, err := g.execute(ctx, "create_schedule", func() (any, error) {
		params := &stripe.SubscriptionScheduleParams{
			FromSubscription: stripe.String(subscriptionID),
		}
		params.Context = ctx
		return g.api.SubscriptionSchedules.New(params)
	})
	if err != nil {
		return "", time.Time{}, err
	}

	sched := created.(*stripe.SubscriptionSchedule)
	if len(sched.Phases) == 0 || len(sched.Phases[0].Items) == 0 {
		return "", time.Time{}, fmt.Errorf("schedule %s has no current phase: %w", sched.ID, ErrInconsistentState)
	}
	current := sched.Phases[0]
	effectiveAt := time.Unix(current.EndDate, 0).UTC()

	updated, err := g.execute(ctx, "update_schedule", func() (any, error) {
		params := &stripe.SubscriptionScheduleParams{
			EndBehavior: stripe.String("release"),
			Phases: []*stripe.SubscriptionSchedulePhaseParams{
				{
					Items: []*stripe.SubscriptionSchedulePhaseItemParams{
						{Price: stripe.String(current.Items[0].Price.ID)},
					},
					StartDate: stripe.Int64(current.StartDate),
					EndDate:   stripe.Int64(current.EndDate),
				},
				{
					Items: []*stripe.SubscriptionSchedulePhaseItemParams{
						{Price: stripe.String(priceID)},
					},
				},
			},
		}
		params.Context = ctx
		return g.api.SubscriptionSchedules.Update(sched.ID, params)
	})
	if err != nil {
		return "", time.Time{}, err
	}

	return updated.(*stripe.SubscriptionSchedule).ID, effectiveAt, nil
}

func (g *stripeGateway) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.execute(ctx, "release_schedule", func() (any, error) {
		params := &stripe.SubscriptionScheduleReleaseParams{}
		params.Context = ctx
		return g.api.SubscriptionSchedules.Release(scheduleID, params)
	})
	return err
}

func (g *stripeGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	ctx, cancelTimeout := context.WithTimeout(ctx, g.timeout)
	defer cancelTimeout()

	result, err := g.execute(ctx, "set_cancel_at_period_end", func() (any, error) {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(cancel),
		}
		params.Context = ctx
		return g.api.Subscriptions.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return mapSubscription(result.(*stripe.Subscription))
}

func (g *stripeGateway) CancelNow(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.execute(ctx, "cancel_subscription", func() (any, error) {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		return g.api.Subscriptions.Cancel(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return mapSubscription(result.(*stripe.Subscription))
}

func (g *stripeGateway) PreviewProration(ctx context.Context, customerID, subscriptionID, itemID, priceID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prorationDate := time.Now().Unix()

	result, err := g.execute(ctx, "preview_proration", func() (any, error) {
		params := &stripe.InvoiceUpcomingParams{
			Customer:     stripe.String(customerID),
			Subscription: stripe.String(subscriptionID),
			SubscriptionItems: []*stripe.SubscriptionItemsParams{
				{
					ID:    stripe.String(itemID),
					Price: stripe.String(priceID),
				},
			},
			SubscriptionProrationDate: stripe.Int64(prorationDate),
		}
		params.Context = ctx
		return g.api.Invoices.Upcoming(params)
	})
	if err != nil {
		return 0, err
	}

	var amount int64
	inv := result.(*stripe.Invoice)
	for _, line := range inv.Lines.Data {
		if line.Proration && line.Period != nil && line.Period.Start == prorationDate {
			amount += line.Amount
		}
	}
	return amount, nil
}

func (g *stripeGateway) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signature, g.webhookSecret)
}

// execute runs a gateway call through the circuit breaker, retrying
// transient failures with exponential backoff. Non-transient gateway
// errors are returned as-is so callers can map them.
func (g *stripeGateway) execute(ctx context.Context, operation string, call func() (any, error)) (any, error) {
	var lastErr error

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			g.metrics.GatewayRetriesTotal.WithLabelValues(operation).Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", operation, ErrGatewayUnavailable)
			case <-time.After(backoffDelay(attempt)):
			}
		}

		result, err := g.breaker.Execute(call)
		if err == nil {
			g.metrics.GatewayRequestsTotal.WithLabelValues(operation, "success").Inc()
			return result, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.metrics.GatewayRequestsTotal.WithLabelValues(operation, "breaker_open").Inc()
			g.logger.Warn("gateway circuit open", zap.String("operation", operation))
			return nil, fmt.Errorf("%s: %w", operation, ErrGatewayUnavailable)
		}

		if !isTransient(err) {
			g.metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
			return nil, mapStripeError(operation, err)
		}

		g.logger.Warn("transient gateway error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	g.metrics.GatewayRequestsTotal.WithLabelValues(operation, "unavailable").Inc()
	g.logger.Error("gateway unavailable after retries",
		zap.String("operation", operation),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%s: %w", operation, ErrGatewayUnavailable)
}

// backoffDelay returns the delay before the given retry attempt,
// doubling each time with up to 25% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// isTransient reports whether the error is worth retrying: server-side
// gateway failures, rate limits, and network errors are; request errors
// are not.
func isTransient(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429
	}
	// Non-API errors are connection-level failures.
	return true
}

// mapStripeError converts permanent gateway errors into the local error
// taxonomy.
func mapStripeError(operation string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
		return fmt.Errorf("%s: %s: %w", operation, stripeErr.Code, ErrInconsistentState)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// mapSubscription normalizes a gateway subscription payload. Payloads
// missing the item, price or product are rejected instead of defaulted.
func mapSubscription(sub *stripe.Subscription) (*Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("nil subscription payload: %w", ErrInconsistentState)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items: %w", sub.ID, ErrInconsistentState)
	}

	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.ID == "" {
		return nil, fmt.Errorf("subscription %s item has no price: %w", sub.ID, ErrInconsistentState)
	}
	if item.Price.Product == nil || item.Price.Product.ID == "" {
		return nil, fmt.Errorf("subscription %s price has no product: %w", sub.ID, ErrInconsistentState)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, fmt.Errorf("subscription %s has no customer: %w", sub.ID, ErrInconsistentState)
	}

	interval := ""
	if item.Price.Recurring != nil {
		switch item.Price.Recurring.Interval {
		case stripe.PriceRecurringIntervalMonth:
			interval = "monthly"
		case stripe.PriceRecurringIntervalYear:
			interval = "yearly"
		}
	}

	out := &Subscription{
		ID:                 sub.ID,
		CustomerID:         sub.Customer.ID,
		Status:             SubscriptionStatus(sub.Status),
		PriceID:            item.Price.ID,
		ProductID:          item.Price.Product.ID,
		ItemID:             item.ID,
		Interval:           interval,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		UserID:             sub.Metadata["user_id"],
	}
	if sub.Schedule != nil {
		out.ScheduleID = sub.Schedule.ID
	}
	return out, nil
}
