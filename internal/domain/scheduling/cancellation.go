package scheduling

import (
	"fmt"
	"time"
)

// CancellationPolicy decides who may cancel an appointment and when.
type CancellationPolicy struct {
	loc *time.Location
	now func() time.Time
}

func NewCancellationPolicy(loc *time.Location, now func() time.Time) CancellationPolicy {
	if now == nil {
		now = time.Now
	}
	return CancellationPolicy{loc: loc, now: now}
}

// CanCancel reports whether actor may cancel a. Administrators always may.
// Anyone else needs an active appointment on a calendar that allows
// cancellation, before the cutoff of CancellationMinHours ahead of the start.
// Ownership is checked separately.
func (p CancellationPolicy) CanCancel(cal *Calendar, a *Appointment, actor Actor) bool {
	if actor.Admin {
		return true
	}
	if a.Status != StatusPending && a.Status != StatusConfirmed {
		return false
	}
	if !cal.AllowCancellation {
		return false
	}
	if cal.CancellationMinHours == 0 {
		return true
	}
	cutoff := a.StartsAt(p.loc).Add(-time.Duration(cal.CancellationMinHours) * time.Hour)
	return p.now().Before(cutoff)
}

func (p CancellationPolicy) reason(cal *Calendar, a *Appointment) *Rejection {
	switch {
	case !cal.AllowCancellation:
		return &Rejection{Reason: ReasonNotCancellable, Message: "this calendar does not allow cancellations"}
	case a.Status != StatusPending && a.Status != StatusConfirmed:
		return &Rejection{Reason: ReasonInvalidTransition, Message: "this appointment can no longer be cancelled"}
	default:
		return &Rejection{
			Reason:  ReasonNotCancellable,
			Message: fmt.Sprintf("cancellations must be made at least %d hours in advance", cal.CancellationMinHours),
		}
	}
}
