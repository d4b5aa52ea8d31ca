// Package scoring computes the priority score used to order present patients.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
)

// MinScore is returned for entries that must never be selected.
const MinScore = -math.MaxFloat64

// Band is the punctuality class of a present entry.
type Band string

const (
	BandOnTime Band = "on_time"
	BandLate   Band = "late"
	BandEarly  Band = "early"
	BandWalkIn Band = "walk_in"
)

// IsLate reports whether a scheduled entry checked in beyond the lateness
// threshold, or was already demoted. Gap fillers are never late.
func IsLate(e *queue.Entry, cfg queue.ClinicQueueConfig) bool {
	if e.IsWalkIn || e.GapFiller() {
		return false
	}
	if e.Late {
		return true
	}
	if e.CheckedInAt == nil || e.ScheduledStart.IsZero() {
		return false
	}
	return e.CheckedInAt.After(e.ScheduledStart.Add(cfg.LatenessThreshold))
}

// IsEarly reports whether a scheduled entry is present before its on-time window opens.
func IsEarly(e *queue.Entry, now time.Time, cfg queue.ClinicQueueConfig) bool {
	if e.IsWalkIn || e.ScheduledStart.IsZero() {
		return false
	}
	return now.Before(e.ScheduledStart.Add(-cfg.LatenessThreshold))
}

// Classify returns the punctuality band for e at now.
func Classify(e *queue.Entry, now time.Time, cfg queue.ClinicQueueConfig) Band {
	switch {
	case e.IsWalkIn:
		return BandWalkIn
	case IsLate(e, cfg):
		return BandLate
	case IsEarly(e, now, cfg):
		return BandEarly
	default:
		return BandOnTime
	}
}

// Score is a pure function of the entry, the instant and the clinic weights.
func Score(e *queue.Entry, now time.Time, cfg queue.ClinicQueueConfig) float64 {
	if e == nil || !e.Waiting() {
		return MinScore
	}
	w := cfg.Weights
	var score float64
	switch Classify(e, now, cfg) {
	case BandWalkIn:
		score = w.WalkInBonus
	case BandLate:
		score = w.LateBonus
	case BandEarly:
		score = w.EarlyBonus
	default:
		score = w.OnTimeBonus
	}
	if e.CheckedInAt != nil && now.After(*e.CheckedInAt) {
		score += w.FairnessPerMinute * now.Sub(*e.CheckedInAt).Minutes()
	}
	if e.Emergency {
		score += w.EmergencyBonus
	}
	if e.VIP {
		score += w.VIPBonus
	}
	return score
}

// Before is the deterministic tie-break: earliest effective start, then creation order.
func Before(a, b *queue.Entry) bool {
	as, bs := a.EffectiveStart(), b.EffectiveStart()
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	return a.Sequence < b.Sequence
}

// Rank returns the selectable entries ordered by descending score.
func Rank(entries []*queue.Entry, now time.Time, cfg queue.ClinicQueueConfig) []*queue.Entry {
	type scored struct {
		entry *queue.Entry
		score float64
	}
	candidates := make([]scored, 0, len(entries))
	for _, e := range entries {
		s := Score(e, now, cfg)
		if s == MinScore {
			continue
		}
		candidates = append(candidates, scored{entry: e, score: s})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return Before(candidates[i].entry, candidates[j].entry)
	})
	out := make([]*queue.Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}
