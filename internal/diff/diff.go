// Package diff compares the last committed snapshot of a task against a fresh
// fetch and classifies what changed. Everything here is a pure function of its
// inputs; no locking, no I/O.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"delaycatcher/internal/domain"
)

// Compare produces at most one ChangeEvent for the transition old -> rec.
// A nil old snapshot is a baseline insert: the upstream exposes no change
// timestamps, so a task we have never seen is by definition "not yet delayed"
// and yields no event.
func Compare(old *domain.TaskSnapshot, rec domain.TaskRecord) *domain.ChangeEvent {
	if old == nil {
		return nil
	}
	dueDirty := !dayEqual(old.DueOn, rec.DueOn)
	reasonDirty := !labelEqual(old.DelayReason, rec.DelayReason)
	if !dueDirty && !reasonDirty {
		return nil
	}

	ev := domain.ChangeEvent{
		TaskID:    rec.TaskID,
		TaskName:  rec.Name,
		OldDueOn:  old.DueOn,
		NewDueOn:  rec.DueOn,
		OldReason: old.DelayReason,
		NewReason: rec.DelayReason,
	}
	switch {
	case dueDirty && reasonDirty:
		ev.Type = domain.ChangeMerged
	case dueDirty:
		ev.Type = domain.ChangeDueDate
	default:
		ev.Type = domain.ChangeReason
	}
	if dueDirty {
		ev.IsDelay = Delayed(old.DueOn, rec.DueOn)
	}
	ev.Fingerprint = Fingerprint(ev)
	return &ev
}

// Delayed reports whether the due date moved later, or was removed after
// having been set ("parked" means indefinitely postponed).
func Delayed(old, new *string) bool {
	oldDay, oldOK := parseDay(old)
	newDay, newOK := parseDay(new)
	if oldOK && !newOK {
		return true
	}
	if oldOK && newOK {
		return newDay.After(oldDay)
	}
	return false
}

// Fingerprint returns a deterministic digest of the value transition. Two
// comparisons of the identical transition yield the identical digest; any
// transition differing on either side yields a different one.
func Fingerprint(ev domain.ChangeEvent) string {
	parts := []string{
		ev.TaskID,
		string(ev.Type),
		deref(ev.OldDueOn),
		deref(ev.NewDueOn),
		deref(ev.OldReason),
		deref(ev.NewReason),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// dayEqual compares due dates at day granularity. Values that do not parse as
// dates are treated as unset.
func dayEqual(a, b *string) bool {
	da, aOK := parseDay(a)
	db, bOK := parseDay(b)
	if aOK != bOK {
		return false
	}
	if !aOK {
		return true
	}
	return da.Equal(db)
}

// labelEqual compares single-select labels exactly, with nil and empty string
// both meaning "no label".
func labelEqual(a, b *string) bool {
	return deref(a) == deref(b)
}

func parseDay(v *string) (time.Time, bool) {
	if v == nil {
		return time.Time{}, false
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	// Upstream occasionally reports full timestamps; keep the day part.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
