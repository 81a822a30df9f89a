package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

type BlockKind string

const (
	BlockFullDay   BlockKind = "full_day"
	BlockTimeRange BlockKind = "time_range"
	BlockRecurring BlockKind = "recurring"
)

// BlockedDate removes availability. A nil CalendarID blocks every calendar.
//
// Full-day and time-range blocks cover StartDate through EndDate (inclusive,
// EndDate defaults to StartDate). Recurring blocks cover the dates produced
// by Recurrence, an RFC 5545 RRULE such as "FREQ=WEEKLY;BYDAY=SA,SU",
// anchored at StartDate and bounded by EndDate. Any kind may carry a time
// range; without one the whole day is blocked.
type BlockedDate struct {
	ID         uuid.UUID
	CalendarID *uuid.UUID
	Kind       BlockKind
	StartDate  time.Time
	EndDate    *time.Time
	StartTime  *TimeOfDay
	EndTime    *TimeOfDay
	Recurrence string
	Reason     string

	rule *rrule.RRule
}

// NewBlockedDate validates b and compiles its recurrence rule.
func NewBlockedDate(b BlockedDate) (*BlockedDate, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.StartDate.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", ErrInvalidBlock)
	}
	if b.EndDate != nil && b.EndDate.Before(b.StartDate) {
		return nil, fmt.Errorf("%w: end date before start date", ErrInvalidBlock)
	}
	if (b.StartTime == nil) != (b.EndTime == nil) {
		return nil, fmt.Errorf("%w: time range needs both start and end", ErrInvalidBlock)
	}
	if b.StartTime != nil && *b.EndTime <= *b.StartTime {
		return nil, fmt.Errorf("%w: time range ends before it starts", ErrInvalidBlock)
	}

	switch b.Kind {
	case BlockFullDay:
		if b.StartTime != nil {
			return nil, fmt.Errorf("%w: full-day block cannot have a time range", ErrInvalidBlock)
		}
	case BlockTimeRange:
		if b.StartTime == nil {
			return nil, fmt.Errorf("%w: time-range block needs start and end times", ErrInvalidBlock)
		}
	case BlockRecurring:
		rule, err := compileRecurrence(b.Recurrence, b.StartDate, b.EndDate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
		b.rule = rule
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidBlock, b.Kind)
	}
	return &b, nil
}

// Recurrences are evaluated on UTC dates so DST shifts cannot move an
// occurrence onto a neighboring day.
func compileRecurrence(expr string, start time.Time, end *time.Time) (*rrule.RRule, error) {
	if expr == "" {
		return nil, fmt.Errorf("recurring block needs a recurrence rule")
	}
	opt, err := rrule.StrToROption(expr)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence %q: %w", expr, err)
	}
	opt.Dtstart = utcDate(start)
	if end != nil && opt.Until.IsZero() {
		opt.Until = utcDate(*end).Add(24*time.Hour - time.Second)
	}
	return rrule.NewRRule(*opt)
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AppliesTo reports whether the block is global or belongs to calendarID.
func (b *BlockedDate) AppliesTo(calendarID uuid.UUID) bool {
	return b.CalendarID == nil || *b.CalendarID == calendarID
}

// CoversDate reports whether the block is in effect on day.
func (b *BlockedDate) CoversDate(day time.Time) bool {
	d := utcDate(day)
	if b.Kind == BlockRecurring {
		if b.rule == nil {
			return false
		}
		return len(b.rule.Between(d, d.Add(24*time.Hour-time.Second), true)) > 0
	}
	first := utcDate(b.StartDate)
	last := first
	if b.EndDate != nil {
		last = utcDate(*b.EndDate)
	}
	return !d.Before(first) && !d.After(last)
}

// Blocks reports whether the interval [start, end) on day is unavailable.
func (b *BlockedDate) Blocks(day time.Time, start, end TimeOfDay) bool {
	if !b.CoversDate(day) {
		return false
	}
	if b.StartTime == nil {
		return true
	}
	return start < *b.EndTime && *b.StartTime < end
}
