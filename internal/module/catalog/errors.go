package catalog

import "errors"

var (
	// ErrPlanNotFound is returned when no plan matches the given
	// identifier, Stripe price ID or Stripe product ID.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidInterval is returned when a billing interval is neither
	// monthly nor yearly.
	ErrInvalidInterval = errors.New("invalid billing interval")
)
