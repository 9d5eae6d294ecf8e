package quota

import "time"

// Cycle identifies the billing cycle containing a point in time. Cycles
// are whole months stepped from the anchor: the subscription's current
// period start for paid users, the account creation time otherwise.
type Cycle struct {
	ID    string
	Start time.Time
	End   time.Time
}

// CycleFor computes the cycle containing now for the given anchor. A
// zero or future anchor falls back to a cycle starting at now.
func CycleFor(anchor, now time.Time) Cycle {
	anchor = anchor.UTC()
	now = now.UTC()
	if anchor.IsZero() || anchor.After(now) {
		anchor = now
	}

	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	start := anchor.AddDate(0, months, 0)
	if start.After(now) {
		months--
		start = anchor.AddDate(0, months, 0)
	}
	// Deriving both bounds from the anchor keeps month-end anchors from
	// drifting cycle over cycle.
	end := anchor.AddDate(0, months+1, 0)

	return Cycle{
		ID:    start.Format("2006-01"),
		Start: start,
		End:   end,
	}
}
