// --- ARCHITECTURAL OVERVIEW: Retention Strategy ---
//
// Retention thins the backup history by age: the older a snapshot is, the
// more distance is required between it and its neighbours. Each tier covers
// a contiguous age range and carries the minimum spacing enforced inside
// that range, so recent history stays dense while old history thins out to
// weekly, monthly and yearly survivors.
//
// Decide is a pure function of (labels, now, tiers). It performs no I/O and
// never deletes anything itself; the orchestrator executes its output.

// Package retention implements the age-bucketing retention policy engine
// and the snapshot label format.
package retention

import (
	"fmt"
	"sort"
	"time"
)

// LabelFormat is the layout of snapshot directory names, second resolution.
// A label must round-trip through ParseLabel to the exact timestamp that
// minted it.
const LabelFormat = "2006-01-02_15h04m05s"

// Tier is one row of the retention policy: snapshots younger than Bound
// (and at least as old as the previous tier's Bound) are kept at most one
// per Spacing. A Bound of zero or less marks the unbounded final tier.
type Tier struct {
	Spacing time.Duration
	Bound   time.Duration
}

// Unbounded reports whether the tier covers all ages beyond the previous
// tier's bound.
func (t Tier) Unbounded() bool {
	return t.Bound <= 0
}

// DefaultTiers returns the built-in five-tier policy: 12-hourly below two
// days, daily below two weeks, weekly below 60 days, monthly below two
// years, then yearly forever.
func DefaultTiers() []Tier {
	const day = 24 * time.Hour
	return []Tier{
		{Spacing: 12 * time.Hour, Bound: 2 * day},
		{Spacing: day, Bound: 14 * day},
		{Spacing: 7 * day, Bound: 60 * day},
		{Spacing: 30 * day, Bound: 730 * day},
		{Spacing: 365 * day, Bound: 0},
	}
}

// ValidateTiers checks that tiers partition the age axis: at least one
// tier, strictly increasing bounds, positive spacings, and an unbounded
// tier only in the final position.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("retention policy needs at least one tier")
	}
	var prevBound time.Duration
	for i, tier := range tiers {
		if tier.Spacing <= 0 {
			return fmt.Errorf("retention tier %d: spacing must be positive", i)
		}
		if tier.Unbounded() {
			if i != len(tiers)-1 {
				return fmt.Errorf("retention tier %d: only the final tier may be unbounded", i)
			}
			continue
		}
		if tier.Bound <= prevBound {
			return fmt.Errorf("retention tier %d: bound %s must exceed previous bound %s", i, tier.Bound, prevBound)
		}
		prevBound = tier.Bound
	}
	return nil
}

// FormatLabel renders the timestamp as a snapshot label, truncated to
// second precision.
func FormatLabel(t time.Time) string {
	return t.Format(LabelFormat)
}

// ParseLabel parses a snapshot label back into its timestamp. Directory
// names that do not match the label format are reported as errors and are
// simply not snapshots; callers must not delete them.
func ParseLabel(label string) (time.Time, error) {
	return time.Parse(LabelFormat, label)
}

// snapshot pairs a label with its parsed timestamp for sorting.
type snapshot struct {
	label string
	ts    time.Time
}

// Decide computes which snapshot labels should be deleted under the given
// policy. Labels that do not parse are ignored (never deleted). Snapshots
// older than every bounded tier with no unbounded tier configured are
// deleted outright; within each tier, thinning keeps snapshots at least
// Spacing apart while always preserving the oldest and newest member.
func Decide(labels []string, now time.Time, tiers []Tier) []string {
	var valid []snapshot
	for _, label := range labels {
		ts, err := ParseLabel(label)
		if err != nil {
			continue
		}
		valid = append(valid, snapshot{label: label, ts: ts})
	}

	// Oldest to newest. Thinning walks forward in time so the kept
	// reference is always the older neighbour.
	sort.Slice(valid, func(i, j int) bool {
		return valid[i].ts.Before(valid[j].ts)
	})

	buckets := make([][]snapshot, len(tiers))
	var deletions []snapshot
	for _, s := range valid {
		age := now.Sub(s.ts)
		assigned := false
		for i, tier := range tiers {
			// Half-open bucket: a snapshot exactly at a bound moves to
			// the next coarser tier.
			if tier.Unbounded() || age < tier.Bound {
				buckets[i] = append(buckets[i], s)
				assigned = true
				break
			}
		}
		if !assigned {
			deletions = append(deletions, s)
		}
	}

	// WARNING: be careful editing the thinning logic. When two snapshots
	// sit within one spacing, the NEWER one must go and the older kept one
	// stays the reference. Keeping the newer instead would let frequent
	// backups perpetually evict their predecessor, collapsing the tier to
	// two members.
	for i, bucket := range buckets {
		if len(bucket) < 3 {
			continue
		}
		spacing := tiers[i].Spacing
		// The newest member of a tier is always kept.
		candidates := bucket[: len(bucket)-1 : len(bucket)-1]
		kept := candidates[0]
		for _, s := range candidates[1:] {
			if s.ts.Sub(kept.ts) < spacing {
				deletions = append(deletions, s)
			} else {
				kept = s
			}
		}
	}

	sort.Slice(deletions, func(i, j int) bool {
		return deletions[i].ts.Before(deletions[j].ts)
	})
	out := make([]string, 0, len(deletions))
	for _, s := range deletions {
		out = append(out, s.label)
	}
	return out
}
