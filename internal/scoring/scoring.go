// Package scoring computes the adaptive eviction score used by the LRU
// strategy. It is pure and stateless: no I/O, no mongo import, so it can
// be exercised with plain table-driven tests.
package scoring

import (
	"math"
	"time"
)

// Tuning constants from §4.2.
const (
	// IdleTimeWeight converts milliseconds of inactivity into score
	// penalty.
	IdleTimeWeight = 0.001
	// PriorityBase is the numerator of the priority weighting term.
	PriorityBase = 1000.0
	// VeryLarge is the finite sentinel weight given to priority == -1
	// connections, half the representable int64 range so it still
	// orders predictably instead of behaving like an infinity.
	VeryLarge = float64(math.MaxInt64 / 2)
)

// Input is the subset of a live connection's state the score is a pure
// function of.
type Input struct {
	Now          time.Time
	CreatedAt    time.Time
	LastActivity time.Time
	UseCount     int64
	Priority     int
}

// Score computes the eviction score per §4.2. Lower is more evictable.
func Score(in Input) float64 {
	lifetimeMs := float64(in.Now.Sub(in.CreatedAt).Milliseconds())

	var avgInterval float64
	if in.UseCount > 0 {
		avgInterval = lifetimeMs / float64(in.UseCount)
	} else {
		avgInterval = lifetimeMs
	}

	useScore := float64(in.UseCount) / math.Max(avgInterval, 1)

	idleMs := float64(in.Now.Sub(in.LastActivity).Milliseconds())
	idlePenalty := idleMs * IdleTimeWeight

	var priorityWeight float64
	if in.Priority == -1 {
		priorityWeight = VeryLarge
	} else {
		priorityWeight = PriorityBase / float64(in.Priority+1)
	}

	return useScore - idlePenalty + priorityWeight
}
