package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/ffcertificate/scheduler/internal/platform/events"
)

func cancel(t *testing.T, h *harness, a *Appointment, actor Actor) (*Appointment, *Rejection) {
	t.Helper()
	out, rej, err := h.svc.Cancel(context.Background(), a.ID, actor, "cannot make it")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	return out, rej
}

func TestCancel_Cutoff(t *testing.T) {
	owner := Actor{UserID: ptr(int64(7))}
	tests := []struct {
		name string
		now  time.Time
		want RejectReason
	}{
		{"inside the cutoff", at(2024, 1, 19, 10, 0), ReasonNotCancellable},
		{"exactly at the cutoff", at(2024, 1, 19, 9, 0), ReasonNotCancellable},
		{"before the cutoff", at(2024, 1, 18, 8, 0), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := mustCalendar(t, Calendar{SlotDuration: 60, CancellationMinHours: 24, WorkingHours: everyDay(hm(8, 0), hm(18, 0))})
			h := newHarness(t, tt.now, []*Calendar{cal})
			a := h.seed(t, cal, at(2024, 1, 20, 9, 0), StatusConfirmed, func(a *Appointment) { a.UserID = owner.UserID })

			out, rej := cancel(t, h, a, owner)
			expectReason(t, rej, tt.want)
			if tt.want != "" {
				if rej.Message != "cancellations must be made at least 24 hours in advance" {
					t.Errorf("unexpected message %q", rej.Message)
				}
				return
			}
			if out.Status != StatusCancelled || out.CancelledAt == nil || out.CancellationReason != "cannot make it" {
				t.Errorf("unexpected result %+v", out)
			}
			if *out.CancelledBy != 7 {
				t.Errorf("cancelled by: got %d", *out.CancelledBy)
			}
		})
	}
}

func TestCancel_Permissions(t *testing.T) {
	admin := Actor{UserID: ptr(int64(1)), Admin: true}
	tests := []struct {
		name   string
		allow  bool
		status AppointmentStatus
		actor  func(a *Appointment) Actor
		want   RejectReason
	}{
		{"owner", true, StatusConfirmed, func(a *Appointment) Actor { return Actor{UserID: a.UserID} }, ""},
		{"owner of pending", true, StatusPending, func(a *Appointment) Actor { return Actor{UserID: a.UserID} }, ""},
		{"guest with token", true, StatusConfirmed, func(a *Appointment) Actor { return Actor{Token: a.ConfirmationToken} }, ""},
		{"guest with wrong token", true, StatusConfirmed, func(*Appointment) Actor { return Actor{Token: "guess"} }, ReasonForbidden},
		{"anonymous", true, StatusConfirmed, func(*Appointment) Actor { return Actor{} }, ReasonForbidden},
		{"another user", true, StatusConfirmed, func(*Appointment) Actor { return Actor{UserID: ptr(int64(99))} }, ReasonForbidden},
		{"calendar forbids cancelling", false, StatusConfirmed, func(a *Appointment) Actor { return Actor{UserID: a.UserID} }, ReasonNotCancellable},
		{"admin overrides calendar", false, StatusConfirmed, func(*Appointment) Actor { return admin }, ""},
		{"owner of completed", true, StatusCompleted, func(a *Appointment) Actor { return Actor{UserID: a.UserID} }, ReasonInvalidTransition},
		{"admin on no_show", true, StatusNoShow, func(*Appointment) Actor { return admin }, ReasonInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: everyDay(hm(8, 0), hm(18, 0))})
			cal.AllowCancellation = tt.allow
			h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
			a := h.seed(t, cal, at(2024, 1, 20, 9, 0), tt.status, func(a *Appointment) { a.UserID = ptr(int64(7)) })

			_, rej := cancel(t, h, a, tt.actor(a))
			expectReason(t, rej, tt.want)
		})
	}
}

func TestCancel_AdminIgnoresCutoff(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, CancellationMinHours: 48, WorkingHours: everyDay(hm(8, 0), hm(18, 0))})
	h := newHarness(t, at(2024, 1, 20, 8, 0), []*Calendar{cal})
	a := h.seed(t, cal, at(2024, 1, 20, 9, 0), StatusConfirmed)

	out, rej := cancel(t, h, a, Actor{UserID: ptr(int64(1)), Admin: true})
	expectReason(t, rej, "")
	if *out.CancelledBy != 1 {
		t.Errorf("cancelled by: got %d", *out.CancelledBy)
	}
}

func TestCancel_Repeated(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: everyDay(hm(8, 0), hm(18, 0))})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
	a := h.seed(t, cal, at(2024, 1, 20, 9, 0), StatusConfirmed)
	guest := Actor{Token: a.ConfirmationToken}

	if _, rej := cancel(t, h, a, guest); rej != nil {
		t.Fatalf("first cancel rejected: %s", rej)
	}
	for i := 0; i < 2; i++ {
		_, rej := cancel(t, h, a, guest)
		expectReason(t, rej, ReasonAlreadyCancelled)
	}
	// Someone else learns nothing beyond the same answer.
	_, rej := cancel(t, h, a, Actor{})
	expectReason(t, rej, ReasonAlreadyCancelled)

	if got := h.sink.types(); len(got) != 1 || got[0] != events.BookingCancelled {
		t.Errorf("expected a single cancel event, got %v", got)
	}
}

func TestCancel_FreesTheSlot(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})

	first, rej := book(t, h, cal, booking(monday, hm(9, 0), hm(10, 0), "maria@example.com"))
	if rej != nil {
		t.Fatalf("unexpected rejection %s", rej)
	}
	if _, rej := book(t, h, cal, booking(monday, hm(9, 0), hm(10, 0), "joao@example.com")); rej == nil || rej.Reason != ReasonSlotFull {
		t.Fatalf("expected slot_full, got %v", rej)
	}
	if _, rej := cancel(t, h, first, Actor{Token: first.ConfirmationToken}); rej != nil {
		t.Fatalf("cancel rejected: %s", rej)
	}

	second, rej := book(t, h, cal, booking(monday, hm(9, 0), hm(10, 0), "joao@example.com"))
	if rej != nil {
		t.Fatalf("slot should be free again: %s", rej)
	}
	if second.SlotOrdinal != 1 {
		t.Errorf("ordinal of the cancelled booking is reused: got %d", second.SlotOrdinal)
	}
}

func TestCancellationPolicy_CanCancel(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, CancellationMinHours: 2, WorkingHours: mondayMorning()})
	a := &Appointment{Date: monday, Start: hm(10, 0), End: hm(11, 0), Status: StatusConfirmed}

	p := NewCancellationPolicy(testLoc, fixedNow(at(2024, 1, 15, 7, 59)))
	if !p.CanCancel(cal, a, Actor{}) {
		t.Error("2h01 ahead should be cancellable")
	}
	p = NewCancellationPolicy(testLoc, fixedNow(at(2024, 1, 15, 8, 30)))
	if p.CanCancel(cal, a, Actor{}) {
		t.Error("1h30 ahead should not be cancellable")
	}
	if !p.CanCancel(cal, a, Actor{Admin: true}) {
		t.Error("administrators may always cancel")
	}
}
