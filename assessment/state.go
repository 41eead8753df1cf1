package assessment

import "github.com/warp/assessment-engine/generic"

// =============================================================================
// STATE MACHINE
// =============================================================================
//
//	pending ──(window starts)──▶ improving
//	pending | improving ──(ReturnProcessor)──▶ returned
//	pending | improving ──(admin)──▶ confirmed | exempt
//
// returned, confirmed and exempt are terminal.

var transitions = map[Status][]Status{
	StatusPending:   {StatusImproving, StatusReturned, StatusConfirmed, StatusExempt},
	StatusImproving: {StatusReturned, StatusConfirmed, StatusExempt},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(rec Record, to Status) error {
	if rec.IsReturned && to == StatusReturned {
		return &generic.AlreadyReturnedError{RecordID: rec.ID}
	}
	if !CanTransition(rec.Status, to) {
		return &generic.TransitionError{RecordID: rec.ID, From: string(rec.Status), To: string(to)}
	}
	return nil
}

// adminTargets are the statuses an operator may set directly.
var adminTargets = map[Status]bool{StatusConfirmed: true, StatusExempt: true}
