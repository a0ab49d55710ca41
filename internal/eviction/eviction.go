// Package eviction implements the three interchangeable eviction
// policies of §4.3: Manual, Timeout, and LRU-adaptive.
package eviction

import (
	"sort"
	"time"

	"github.com/cloudresty/go-polymongo/internal/scoring"
)

// Candidate is the subset of a live connection's state a Strategy needs
// to decide eviction, decoupled from the cache's own ConnectionInfo type
// so this package never imports the driver.
type Candidate struct {
	DBName       string
	Priority     int
	WatchCount   int
	LastActivity time.Time
	CreatedAt    time.Time
	UseCount     int64
}

// Strategy is the polymorphic eviction policy capability set of §4.3.
type Strategy interface {
	// ShouldEvict reports whether a single connection is currently
	// evictable under this policy.
	ShouldEvict(c Candidate, now time.Time) bool
	// SelectForEviction picks up to n candidates to close, ascending by
	// evictability (least-wanted first), deterministic on ties.
	SelectForEviction(now time.Time, candidates []Candidate, n int) []string
}

// Type names the three supported policies.
type Type string

const (
	Manual  Type = "manual"
	Timeout Type = "timeout"
	LRU     Type = "LRU"
)

// New is the factory of §4.3: it maps an eviction type to a Strategy
// instance at construction.
func New(t Type, idleTimeout time.Duration) Strategy {
	switch t {
	case Timeout:
		return &timeoutStrategy{idleTimeout: idleTimeout}
	case LRU:
		return &lruStrategy{}
	default:
		return &manualStrategy{}
	}
}

// manualStrategy never evicts automatically; only an explicit Close
// operates. This is by design even when DisconnectOnIdle is set (§9).
type manualStrategy struct{}

func (manualStrategy) ShouldEvict(Candidate, time.Time) bool { return false }

func (manualStrategy) SelectForEviction(time.Time, []Candidate, int) []string { return nil }

// timeoutStrategy evicts connections idle for at least idleTimeout.
type timeoutStrategy struct {
	idleTimeout time.Duration
}

func (s *timeoutStrategy) ShouldEvict(c Candidate, now time.Time) bool {
	if c.Priority == -1 || c.WatchCount > 0 {
		return false
	}
	return now.Sub(c.LastActivity) >= s.idleTimeout
}

func (s *timeoutStrategy) SelectForEviction(now time.Time, candidates []Candidate, n int) []string {
	if n <= 0 {
		return nil
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if s.ShouldEvict(c, now) {
			eligible = append(eligible, c)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		idleI := now.Sub(eligible[i].LastActivity)
		idleJ := now.Sub(eligible[j].LastActivity)
		if idleI != idleJ {
			return idleI > idleJ // descending idle time: most idle first
		}
		return eligible[i].DBName < eligible[j].DBName
	})

	if n > len(eligible) {
		n = len(eligible)
	}

	names := make([]string, 0, n)
	for _, c := range eligible[:n] {
		names = append(names, c.DBName)
	}
	return names
}

// lruStrategy delegates selection to the adaptive scoring engine; the
// score is only consulted at selection time, ShouldEvict just gates
// eligibility.
type lruStrategy struct{}

func (lruStrategy) ShouldEvict(c Candidate, now time.Time) bool {
	return c.Priority != -1 && c.WatchCount == 0
}

func (lruStrategy) SelectForEviction(now time.Time, candidates []Candidate, n int) []string {
	if n <= 0 {
		return nil
	}

	strict := filterCandidates(candidates, true)
	pool := strict
	if len(pool) < n {
		// Temporary-excess-for-watches fallback (§4.2/§4.3): retry
		// including watched connections, but priority == -1 remains a
		// hard exclusion (§3 invariant 4) in both passes.
		pool = filterCandidates(candidates, false)
	}

	scored := make([]scoredCandidate, 0, len(pool))
	for _, c := range pool {
		scored = append(scored, scoredCandidate{
			Candidate: c,
			score: scoring.Score(scoring.Input{
				Now:          now,
				CreatedAt:    c.CreatedAt,
				LastActivity: c.LastActivity,
				UseCount:     c.UseCount,
				Priority:     c.Priority,
			}),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score < scored[j].score
		}
		return scored[i].DBName < scored[j].DBName
	})

	if n > len(scored) {
		n = len(scored)
	}

	names := make([]string, 0, n)
	for _, c := range scored[:n] {
		names = append(names, c.DBName)
	}
	return names
}

type scoredCandidate struct {
	Candidate
	score float64
}

// filterCandidates excludes priority == -1 always, and additionally
// excludes watched connections when excludeWatched is true.
func filterCandidates(candidates []Candidate, excludeWatched bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority == -1 {
			continue
		}
		if excludeWatched && c.WatchCount > 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
