package scheduling

import "fmt"

// RejectReason classifies why a booking or status change was refused.
type RejectReason string

const (
	ReasonCalendarInactive     RejectReason = "calendar_inactive"
	ReasonSlotNotAvailable     RejectReason = "slot_not_available"
	ReasonOutsideBookingWindow RejectReason = "outside_booking_window"
	ReasonSlotFull             RejectReason = "slot_full"
	ReasonIntervalViolation    RejectReason = "interval_violation"
	ReasonInvalidRequest       RejectReason = "invalid_request"
	ReasonNotCancellable       RejectReason = "not_cancellable"
	ReasonAlreadyCancelled     RejectReason = "already_cancelled"
	ReasonForbidden            RejectReason = "forbidden"
	ReasonInvalidTransition    RejectReason = "invalid_transition"
)

// Rejection is an expected refusal, returned alongside a nil error. Message
// is safe to show to the person booking.
type Rejection struct {
	Reason  RejectReason     `json:"reason"`
	Message string           `json:"message"`
	Fields  ValidationErrors `json:"fields,omitempty"`
	// WaitHours is set for interval violations.
	WaitHours int `json:"wait_hours,omitempty"`
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

func rejectInactive() *Rejection {
	return &Rejection{Reason: ReasonCalendarInactive, Message: "this calendar is not accepting bookings"}
}

func rejectNotAvailable() *Rejection {
	return &Rejection{Reason: ReasonSlotNotAvailable, Message: "this time is not available"}
}

func rejectOutsideWindow(cal *Calendar) *Rejection {
	msg := "this time is outside the booking window"
	switch {
	case cal.MinAdvanceHours > 0 && cal.MaxAdvanceDays > 0:
		msg = fmt.Sprintf("bookings must be made between %d hours and %d days in advance", cal.MinAdvanceHours, cal.MaxAdvanceDays)
	case cal.MinAdvanceHours > 0:
		msg = fmt.Sprintf("bookings must be made at least %d hours in advance", cal.MinAdvanceHours)
	case cal.MaxAdvanceDays > 0:
		msg = fmt.Sprintf("bookings can be made at most %d days in advance", cal.MaxAdvanceDays)
	}
	return &Rejection{Reason: ReasonOutsideBookingWindow, Message: msg}
}

func rejectFull() *Rejection {
	return &Rejection{Reason: ReasonSlotFull, Message: "this time is no longer available"}
}

func rejectInterval(wait int) *Rejection {
	return &Rejection{
		Reason:    ReasonIntervalViolation,
		Message:   fmt.Sprintf("you must wait %d hours before booking again", wait),
		WaitHours: wait,
	}
}

func rejectInvalid(fields ValidationErrors) *Rejection {
	return &Rejection{Reason: ReasonInvalidRequest, Message: "the booking request is invalid", Fields: fields}
}
