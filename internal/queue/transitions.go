package queue

import "fmt"

// Action names a status-changing operation on an entry.
type Action string

const (
	ActionCheckIn  Action = "check_in"
	ActionCall     Action = "call"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionNoShow   Action = "no_show"
	ActionAbsent   Action = "absent"
	ActionReturn   Action = "return"
)

var transitionMap = map[Action][]Status{
	ActionCheckIn:  {StatusScheduled},
	ActionCall:     {StatusWaiting},
	ActionComplete: {StatusInProgress},
	ActionCancel:   {StatusScheduled, StatusWaiting},
	ActionNoShow:   {StatusScheduled},
	ActionAbsent:   {StatusWaiting, StatusInProgress},
	ActionReturn:   {StatusScheduled, StatusNoShow},
}

// ValidTransition reports whether action may be applied to an entry in from.
func ValidTransition(action Action, from Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error when the transition is not allowed.
func CheckTransition(action Action, e *Entry) error {
	if ValidTransition(action, e.Status) {
		return nil
	}
	return NewConflictError(string(action), fmt.Sprintf("entry %s is %s", e.ID, e.Status))
}
