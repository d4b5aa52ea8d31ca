package queue

import (
	"fmt"
	"sort"
)

// Renumber assigns positions 1..N to ordered positioned entries and 0 to
// everything else in all. It returns the entries whose position changed.
func Renumber(all []*Entry, ordered []*Entry) []*Entry {
	next := make(map[*Entry]int, len(ordered))
	for i, e := range ordered {
		next[e] = i + 1
	}
	var changed []*Entry
	for _, e := range all {
		pos := next[e]
		if e.Position != pos {
			e.Position = pos
			changed = append(changed, e)
		}
	}
	return changed
}

// CheckPositions verifies that positioned entries hold a permutation of 1..N
// and that no other entry carries a position.
func CheckPositions(entries []*Entry) error {
	var positioned []int
	for _, e := range entries {
		if e.Position < 0 {
			return NewInvariantViolation("positions", fmt.Sprintf("entry %s has negative position %d", e.ID, e.Position))
		}
		if !e.Status.Positioned() {
			if e.Position != 0 {
				return NewInvariantViolation("positions", fmt.Sprintf("%s entry %s holds position %d", e.Status, e.ID, e.Position))
			}
			continue
		}
		positioned = append(positioned, e.Position)
	}
	sort.Ints(positioned)
	for i, p := range positioned {
		if p != i+1 {
			return NewInvariantViolation("positions", fmt.Sprintf("positions are not a permutation of 1..%d: %v", len(positioned), positioned))
		}
	}
	return nil
}

// CheckSlotClaims detects a freed slot claimed by more than one entry.
func CheckSlotClaims(entries []*Entry) error {
	claims := make(map[string]int)
	for _, e := range entries {
		if e.FillsSlotOf == nil || e.Status.Terminal() {
			continue
		}
		key := e.FillsSlotOf.String()
		claims[key]++
		if claims[key] > 1 {
			return NewInvariantViolation("slots", fmt.Sprintf("slot of %s is double-booked", key))
		}
	}
	return nil
}
