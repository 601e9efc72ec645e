// Package policy decides what a classified change means for the delay counter
// and the reason label. Decisions are deterministic and total: every event
// yields exactly one outcome.
package policy

import "delaycatcher/internal/domain"

// DefaultAutofillReason is the sentinel label written when a delay is detected
// with no reason recorded.
const DefaultAutofillReason = "Awaiting identify"

type Policy struct {
	AutofillReason string
}

func New(autofill string) Policy {
	if autofill == "" {
		autofill = DefaultAutofillReason
	}
	return Policy{AutofillReason: autofill}
}

// Decide returns the mutations to apply before logging: the counter delta
// (0 or 1), the final reason string, and whether it was auto-filled.
//
// The resulting reason is the event's new value when the reason was part of
// the change, otherwise the snapshot's existing value. A delay whose resulting
// reason is empty gets the auto-fill label; the auto-fill is part of the same
// commit and never spawns a second event.
func (p Policy) Decide(ev domain.ChangeEvent, current domain.TaskSnapshot) domain.Decision {
	var d domain.Decision

	reason := deref(current.DelayReason)
	if ev.Type == domain.ChangeReason || ev.Type == domain.ChangeMerged {
		reason = deref(ev.NewReason)
	}

	if ev.IsDelay {
		d.CounterDelta = 1
		if reason == "" {
			reason = p.AutofillReason
			d.AutoFilled = true
		}
	}
	d.FinalReason = reason
	return d
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
