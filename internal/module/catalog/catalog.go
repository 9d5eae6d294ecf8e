package catalog

import (
	"sort"
)

// Catalog is an immutable in-memory index of the plan set. Plans change
// rarely enough that the catalog is built once at startup and shared;
// lookups by plan ID, Stripe price ID and Stripe product ID are all
// O(1).
type Catalog struct {
	byID        map[string]*Plan
	byPriceID   map[string]*Plan
	byProductID map[string]*Plan
	ordered     []*Plan
}

// New builds a catalog from the given plan set.
func New(plans []Plan) *Catalog {
	c := &Catalog{
		byID:        make(map[string]*Plan, len(plans)),
		byPriceID:   make(map[string]*Plan, len(plans)),
		byProductID: make(map[string]*Plan, len(plans)),
	}

	for i := range plans {
		p := &plans[i]
		c.byID[p.ID] = p
		if p.StripePriceMonthlyID != "" {
			c.byPriceID[p.StripePriceMonthlyID] = p
		}
		if p.StripePriceYearlyID != "" {
			c.byPriceID[p.StripePriceYearlyID] = p
		}
		if p.StripeProductID != "" {
			c.byProductID[p.StripeProductID] = p
		}
		c.ordered = append(c.ordered, p)
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].TierRank < c.ordered[j].TierRank
	})

	return c
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(planID string) (*Plan, error) {
	p, ok := c.byID[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p, nil
}

// ByPriceID returns the plan sold under the given Stripe price ID.
func (c *Catalog) ByPriceID(priceID string) (*Plan, error) {
	p, ok := c.byPriceID[priceID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p, nil
}

// ByProductID returns the plan sold under the given Stripe product ID.
func (c *Catalog) ByProductID(productID string) (*Plan, error) {
	p, ok := c.byProductID[productID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p, nil
}

// All returns every plan ordered by ascending tier rank.
func (c *Catalog) All() []*Plan {
	out := make([]*Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Starter returns the free tier plan.
func (c *Catalog) Starter() *Plan {
	return c.byID[PlanStarter]
}

// Compare orders two plans by tier: negative when a is below b, zero
// when equal, positive when a is above b.
func (c *Catalog) Compare(a, b *Plan) int {
	return a.TierRank - b.TierRank
}
