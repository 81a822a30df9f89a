package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlotRequest names the interval a booking asks for.
type SlotRequest struct {
	Date  time.Time
	Start TimeOfDay
	End   TimeOfDay
}

// Requester identifies who is booking, for the minimum-interval rule. Guests
// are matched through the lookup hashes of their contact data.
type Requester struct {
	UserID    *int64
	EmailHash string
	CPFHash   string
	RFHash    string
}

func (r Requester) Identifiable() bool {
	return r.UserID != nil || r.EmailHash != "" || r.CPFHash != "" || r.RFHash != ""
}

// RequesterHistory finds a requester's non-cancelled appointments in a
// calendar with dates in [from, to].
type RequesterHistory interface {
	ListForRequester(ctx context.Context, calendarID uuid.UUID, who Requester, from, to time.Time) ([]*Appointment, error)
}

// RuleEngine decides whether a slot may be booked.
type RuleEngine struct {
	calc    *Calculator
	history RequesterHistory
}

func NewRuleEngine(calc *Calculator, history RequesterHistory) *RuleEngine {
	return &RuleEngine{calc: calc, history: history}
}

// Validate runs the booking checks in order and returns the first rejection,
// or nil when the request may proceed. The error is reserved for storage
// failures.
func (e *RuleEngine) Validate(ctx context.Context, cal *Calendar, req SlotRequest, who Requester) (*Rejection, error) {
	if !cal.Active() {
		return rejectInactive(), nil
	}

	blocks, err := e.calc.blocksFor(ctx, cal, req.Date)
	if err != nil {
		return nil, err
	}
	now := e.calc.now()
	slot, ok := e.calc.locate(cal, req.Date, req.Start, req.End, blocks, now)
	if !ok {
		return rejectNotAvailable(), nil
	}
	if !slot.inWindow {
		return rejectOutsideWindow(cal), nil
	}

	occupied, err := e.calc.occupancy.OccupancyByDay(ctx, cal.ID, slot.Date)
	if err != nil {
		return nil, fmt.Errorf("occupancy: %w", err)
	}
	if remaining(cal.MaxPerSlot, occupied[slot.Start]) < 1 {
		return rejectFull(), nil
	}

	if cal.MinIntervalHours > 0 && who.Identifiable() {
		wait, err := e.intervalWait(ctx, cal, slot.Start.On(slot.Date, e.calc.loc), who)
		if err != nil {
			return nil, err
		}
		if wait > 0 {
			return rejectInterval(wait), nil
		}
	}
	return nil, nil
}

// intervalWait returns how many whole hours the requester must wait, or 0.
// An existing appointment conflicts when it starts strictly less than
// MinIntervalHours away from the requested start.
func (e *RuleEngine) intervalWait(ctx context.Context, cal *Calendar, at time.Time, who Requester) (int, error) {
	interval := time.Duration(cal.MinIntervalHours) * time.Hour
	from := Day(at.Add(-interval), e.calc.loc)
	to := Day(at.Add(interval), e.calc.loc)

	existing, err := e.history.ListForRequester(ctx, cal.ID, who, from, to)
	if err != nil {
		return 0, fmt.Errorf("requester history: %w", err)
	}

	var longest time.Duration
	for _, a := range existing {
		if a.Status == StatusCancelled {
			continue
		}
		gap := at.Sub(a.StartsAt(e.calc.loc))
		if gap < 0 {
			gap = -gap
		}
		if gap < interval && interval-gap > longest {
			longest = interval - gap
		}
	}
	if longest == 0 {
		return 0, nil
	}
	hours := int(longest / time.Hour)
	if longest%time.Hour != 0 {
		hours++
	}
	return hours, nil
}
