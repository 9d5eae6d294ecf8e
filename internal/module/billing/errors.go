package billing

import "errors"

var (
	// ErrGatewayUnavailable is returned when the payment gateway cannot
	// be reached after retries, or its circuit breaker is open. Local
	// state has not been modified when this is returned.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInconsistentState is returned when the gateway's view of a
	// subscription cannot be reconciled with the plan catalog, e.g. a
	// price ID no plan is sold under.
	ErrInconsistentState = errors.New("subscription state inconsistent with catalog")

	// ErrProfileNotFound is returned when no billing profile exists for
	// the user.
	ErrProfileNotFound = errors.New("billing profile not found")

	// ErrNoPendingChange is returned when a cancel-pending-change is
	// requested but nothing is scheduled.
	ErrNoPendingChange = errors.New("no pending plan change")

	// ErrNoSubscription is returned when an operation requires an
	// active paid subscription and the user has none.
	ErrNoSubscription = errors.New("no active subscription")

	// ErrNotCancelling is returned when reactivation is requested but
	// the subscription is not set to cancel.
	ErrNotCancelling = errors.New("subscription is not scheduled for cancellation")
)
