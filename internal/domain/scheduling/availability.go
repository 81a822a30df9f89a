package scheduling

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// View selects which slots OpenSlots yields.
type View int

const (
	// ViewBookable omits slots with no remaining capacity.
	ViewBookable View = iota
	// ViewCapacity includes full slots with Remaining == 0.
	ViewCapacity
)

// OccupancyReader counts non-cancelled appointments per start time on a day.
type OccupancyReader interface {
	OccupancyByDay(ctx context.Context, calendarID uuid.UUID, day time.Time) (map[TimeOfDay]int, error)
}

// BlockedDateReader lists blocks for a calendar that may affect days in
// [from, to], global blocks included.
type BlockedDateReader interface {
	ListBlockedDates(ctx context.Context, calendarID uuid.UUID, from, to time.Time) ([]*BlockedDate, error)
}

// Calculator derives open slots from a calendar's rules.
type Calculator struct {
	occupancy OccupancyReader
	blocks    BlockedDateReader
	loc       *time.Location
	now       func() time.Time
}

// NewCalculator returns a Calculator working in loc. A nil now uses time.Now.
func NewCalculator(occupancy OccupancyReader, blocks BlockedDateReader, loc *time.Location, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{occupancy: occupancy, blocks: blocks, loc: loc, now: now}
}

// plannedSlot is a slot that survived generation, blocking and the daily cap.
type plannedSlot struct {
	Slot
	inWindow bool
}

// OpenSlots yields the open slots of cal for each day from..to inclusive, in
// chronological order. Days are computed lazily: each day costs one
// occupancy query, and stopping the iteration stops the queries. An error
// is yielded once and ends the sequence.
func (c *Calculator) OpenSlots(ctx context.Context, cal *Calendar, from, to time.Time, view View) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		if !cal.Active() {
			return
		}
		first, last := CivilDay(from, c.loc), CivilDay(to, c.loc)
		if last.Before(first) {
			return
		}
		blocks, err := c.blocks.ListBlockedDates(ctx, cal.ID, first, last)
		if err != nil {
			yield(Slot{}, fmt.Errorf("list blocked dates: %w", err))
			return
		}
		now := c.now()

		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			if err := ctx.Err(); err != nil {
				yield(Slot{}, err)
				return
			}
			slots, err := c.openOn(ctx, cal, day, blocks, now, view)
			if err != nil {
				yield(Slot{}, err)
				return
			}
			for _, s := range slots {
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}

// DaySlots returns the open slots of cal on one day.
func (c *Calculator) DaySlots(ctx context.Context, cal *Calendar, day time.Time, view View) ([]Slot, error) {
	var out []Slot
	for s, err := range c.OpenSlots(ctx, cal, day, day, view) {
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Calculator) openOn(ctx context.Context, cal *Calendar, day time.Time, blocks []*BlockedDate, now time.Time, view View) ([]Slot, error) {
	var bookable []Slot
	for _, p := range c.plan(cal, day, blocks, now) {
		if p.inWindow {
			bookable = append(bookable, p.Slot)
		}
	}
	if len(bookable) == 0 {
		return nil, nil
	}

	occupied, err := c.occupancy.OccupancyByDay(ctx, cal.ID, day)
	if err != nil {
		return nil, fmt.Errorf("occupancy for %s: %w", day.Format(time.DateOnly), err)
	}
	out := bookable[:0]
	for _, s := range bookable {
		s.Remaining = remaining(cal.MaxPerSlot, occupied[s.Start])
		if s.Remaining == 0 && view == ViewBookable {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func remaining(capacity, taken int) int {
	if taken >= capacity {
		return 0
	}
	return capacity - taken
}

// plan runs the capacity-independent steps for one day: partition working
// hours, drop blocked slots, apply the daily cap, then mark which slots fall
// inside the booking window.
func (c *Calculator) plan(cal *Calendar, day time.Time, blocks []*BlockedDate, now time.Time) []plannedSlot {
	day = CivilDay(day, c.loc)
	var out []plannedSlot
	for _, s := range generate(cal, day) {
		if blocked(blocks, cal.ID, day, s.Start, s.End) {
			continue
		}
		if cal.SlotsPerDay > 0 && len(out) == cal.SlotsPerDay {
			break
		}
		out = append(out, plannedSlot{Slot: s, inWindow: c.inWindow(cal, day, s.Start, now)})
	}
	return out
}

// generate partitions each working range into SlotDuration pieces separated
// by SlotInterval. A remainder shorter than SlotDuration is dropped.
func generate(cal *Calendar, day time.Time) []Slot {
	var out []Slot
	for _, wh := range cal.hoursOn(day.Weekday()) {
		for start := wh.Start; start+TimeOfDay(cal.SlotDuration) <= wh.End; start += TimeOfDay(cal.SlotDuration + cal.SlotInterval) {
			out = append(out, Slot{
				CalendarID: cal.ID,
				Date:       day,
				Start:      start,
				End:        start + TimeOfDay(cal.SlotDuration),
			})
		}
	}
	return out
}

func blocked(blocks []*BlockedDate, calendarID uuid.UUID, day time.Time, start, end TimeOfDay) bool {
	for _, b := range blocks {
		if b.AppliesTo(calendarID) && b.Blocks(day, start, end) {
			return true
		}
	}
	return false
}

// inWindow applies the booking window: the slot must start in the future, at
// least MinAdvanceHours from now, and on or before today+MaxAdvanceDays.
func (c *Calculator) inWindow(cal *Calendar, day time.Time, start TimeOfDay, now time.Time) bool {
	at := start.On(day, c.loc)
	if !at.After(now) {
		return false
	}
	if cal.MinAdvanceHours > 0 && at.Before(now.Add(time.Duration(cal.MinAdvanceHours)*time.Hour)) {
		return false
	}
	if cal.MaxAdvanceDays > 0 && day.After(Day(now, c.loc).AddDate(0, 0, cal.MaxAdvanceDays)) {
		return false
	}
	return true
}

// locate classifies a requested interval against the day's plan. It returns
// the planned slot when the request is a real slot.
func (c *Calculator) locate(cal *Calendar, day time.Time, start, end TimeOfDay, blocks []*BlockedDate, now time.Time) (plannedSlot, bool) {
	day = CivilDay(day, c.loc)
	for _, p := range c.plan(cal, day, blocks, now) {
		if p.Start == start && p.End == end {
			return p, true
		}
	}
	if cal.RestrictToWorkingHours {
		return plannedSlot{}, false
	}
	if int(end-start) != cal.SlotDuration || start < 0 || end > minutesPerDay || blocked(blocks, cal.ID, day, start, end) {
		return plannedSlot{}, false
	}
	s := Slot{CalendarID: cal.ID, Date: day, Start: start, End: end}
	return plannedSlot{Slot: s, inWindow: c.inWindow(cal, day, start, now)}, true
}

func (c *Calculator) blocksFor(ctx context.Context, cal *Calendar, day time.Time) ([]*BlockedDate, error) {
	d := CivilDay(day, c.loc)
	blocks, err := c.blocks.ListBlockedDates(ctx, cal.ID, d, d)
	if err != nil {
		return nil, fmt.Errorf("list blocked dates: %w", err)
	}
	return blocks, nil
}
