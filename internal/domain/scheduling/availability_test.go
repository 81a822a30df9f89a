package scheduling

import (
	"context"
	"testing"
	"time"
)

// 2024-01-15 is a Monday.
var monday = day(2024, 1, 15)

func mondayMorning() []WorkingHour {
	return []WorkingHour{{Weekday: time.Monday, Start: hm(9, 0), End: hm(12, 0)}}
}

func starts(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Start.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func daySlots(t *testing.T, h *harness, cal *Calendar, d time.Time, view View) []Slot {
	t.Helper()
	slots, err := h.svc.calc.DaySlots(context.Background(), cal, d, view)
	if err != nil {
		t.Fatalf("DaySlots: %v", err)
	}
	return slots
}

func TestOpenSlots_MondayMorning(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})

	slots := daySlots(t, h, cal, monday, ViewBookable)
	if got, want := starts(slots), []string{"09:00", "10:00", "11:00"}; !equalStrings(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, s := range slots {
		if s.End-s.Start != 60 || s.Remaining != 1 || s.CalendarID != cal.ID {
			t.Errorf("unexpected slot %+v", s)
		}
	}

	if got := daySlots(t, h, cal, day(2024, 1, 16), ViewBookable); len(got) != 0 {
		t.Errorf("Tuesday has no working hours, got %v", starts(got))
	}
}

func TestOpenSlots_Partitioning(t *testing.T) {
	tests := []struct {
		name     string
		duration int
		interval int
		hours    []WorkingHour
		want     []string
	}{
		{
			name:     "interval between slots",
			duration: 30,
			interval: 15,
			hours:    []WorkingHour{{Weekday: time.Monday, Start: hm(9, 0), End: hm(11, 0)}},
			want:     []string{"09:00", "09:45", "10:30"},
		},
		{
			name:     "short remainder dropped",
			duration: 40,
			hours:    []WorkingHour{{Weekday: time.Monday, Start: hm(9, 0), End: hm(10, 30)}},
			want:     []string{"09:00", "09:40"},
		},
		{
			name:     "split day",
			duration: 60,
			hours: []WorkingHour{
				{Weekday: time.Monday, Start: hm(14, 0), End: hm(16, 0)},
				{Weekday: time.Monday, Start: hm(9, 0), End: hm(10, 0)},
			},
			want: []string{"09:00", "14:00", "15:00"},
		},
		{
			name:     "range shorter than a slot",
			duration: 90,
			hours:    []WorkingHour{{Weekday: time.Monday, Start: hm(9, 0), End: hm(10, 0)}},
			want:     []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := mustCalendar(t, Calendar{SlotDuration: tt.duration, SlotInterval: tt.interval, WorkingHours: tt.hours})
			h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
			if got := starts(daySlots(t, h, cal, monday, ViewBookable)); !equalStrings(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenSlots_Blocks(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})
	other := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})

	tests := []struct {
		name  string
		block BlockedDate
		want  []string
	}{
		{
			name:  "global full day",
			block: BlockedDate{Kind: BlockFullDay, StartDate: monday},
			want:  []string{},
		},
		{
			name:  "own time range",
			block: BlockedDate{Kind: BlockTimeRange, CalendarID: &cal.ID, StartDate: monday, StartTime: ptr(hm(10, 0)), EndTime: ptr(hm(11, 0))},
			want:  []string{"09:00", "11:00"},
		},
		{
			name:  "partial overlap blocks the slot",
			block: BlockedDate{Kind: BlockTimeRange, StartDate: monday, StartTime: ptr(hm(10, 30)), EndTime: ptr(hm(10, 45))},
			want:  []string{"09:00", "11:00"},
		},
		{
			name:  "another calendar's block",
			block: BlockedDate{Kind: BlockFullDay, CalendarID: &other.ID, StartDate: monday},
			want:  []string{"09:00", "10:00", "11:00"},
		},
		{
			name:  "recurring mondays",
			block: BlockedDate{Kind: BlockRecurring, StartDate: day(2024, 1, 1), Recurrence: "FREQ=WEEKLY;BYDAY=MO"},
			want:  []string{},
		},
		{
			name:  "multi-day range ending before",
			block: BlockedDate{Kind: BlockFullDay, StartDate: day(2024, 1, 11), EndDate: ptr(day(2024, 1, 14))},
			want:  []string{"09:00", "10:00", "11:00"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal, other})
			h.blocks.blocks = []*BlockedDate{mustBlock(t, tt.block)}
			if got := starts(daySlots(t, h, cal, monday, ViewBookable)); !equalStrings(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenSlots_DailyCapAfterBlocks(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, SlotsPerDay: 2, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})

	if got, want := starts(daySlots(t, h, cal, monday, ViewBookable)), []string{"09:00", "10:00"}; !equalStrings(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	h.blocks.blocks = []*BlockedDate{mustBlock(t, BlockedDate{
		Kind: BlockTimeRange, StartDate: monday, StartTime: ptr(hm(9, 0)), EndTime: ptr(hm(10, 0)),
	})}
	if got, want := starts(daySlots(t, h, cal, monday, ViewBookable)), []string{"10:00", "11:00"}; !equalStrings(got, want) {
		t.Errorf("blocked slots must not count toward the cap: got %v, want %v", got, want)
	}
}

func TestOpenSlots_BookingWindow(t *testing.T) {
	t.Run("past and minimum advance", func(t *testing.T) {
		cal := mustCalendar(t, Calendar{SlotDuration: 60, MinAdvanceHours: 1, WorkingHours: mondayMorning()})
		h := newHarness(t, at(2024, 1, 15, 9, 30), []*Calendar{cal})
		if got, want := starts(daySlots(t, h, cal, monday, ViewBookable)), []string{"11:00"}; !equalStrings(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("maximum advance", func(t *testing.T) {
		cal := mustCalendar(t, Calendar{SlotDuration: 60, MaxAdvanceDays: 3, WorkingHours: everyDay(hm(9, 0), hm(10, 0))})
		h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
		var got []string
		for s, err := range h.svc.calc.OpenSlots(context.Background(), cal, day(2024, 1, 10), day(2024, 1, 20), ViewBookable) {
			if err != nil {
				t.Fatalf("OpenSlots: %v", err)
			}
			got = append(got, s.Date.Format(time.DateOnly))
		}
		want := []string{"2024-01-10", "2024-01-11", "2024-01-12", "2024-01-13"}
		if !equalStrings(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("slot starting now is not offered", func(t *testing.T) {
		cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})
		h := newHarness(t, at(2024, 1, 15, 10, 0), []*Calendar{cal})
		if got, want := starts(daySlots(t, h, cal, monday, ViewBookable)), []string{"11:00"}; !equalStrings(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

func TestOpenSlots_Capacity(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, MaxPerSlot: 2, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
	h.seed(t, cal, at(2024, 1, 15, 10, 0), StatusConfirmed)
	h.seed(t, cal, at(2024, 1, 15, 10, 0), StatusPending, func(a *Appointment) { a.SlotOrdinal = 2 })
	h.seed(t, cal, at(2024, 1, 15, 11, 0), StatusConfirmed)
	h.seed(t, cal, at(2024, 1, 15, 11, 0), StatusCancelled, func(a *Appointment) { a.SlotOrdinal = 2 })

	bookable := daySlots(t, h, cal, monday, ViewBookable)
	if got, want := starts(bookable), []string{"09:00", "11:00"}; !equalStrings(got, want) {
		t.Fatalf("bookable: got %v, want %v", got, want)
	}
	if bookable[0].Remaining != 2 || bookable[1].Remaining != 1 {
		t.Errorf("remaining: got %d and %d, want 2 and 1", bookable[0].Remaining, bookable[1].Remaining)
	}

	all := daySlots(t, h, cal, monday, ViewCapacity)
	if got, want := starts(all), []string{"09:00", "10:00", "11:00"}; !equalStrings(got, want) {
		t.Fatalf("capacity view: got %v, want %v", got, want)
	}
	if all[1].Remaining != 0 {
		t.Errorf("full slot remaining: got %d, want 0", all[1].Remaining)
	}
}

func TestOpenSlots_InactiveCalendar(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, Status: CalendarInactive, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
	if got := daySlots(t, h, cal, monday, ViewBookable); len(got) != 0 {
		t.Errorf("inactive calendar offered %v", starts(got))
	}
	if h.blocks.calls != 0 || h.appts.occupancyCalls != 0 {
		t.Errorf("inactive calendar should not query storage")
	}
}

func TestOpenSlots_Lazy(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: everyDay(hm(9, 0), hm(12, 0))})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})

	var first Slot
	for s, err := range h.svc.calc.OpenSlots(context.Background(), cal, day(2024, 1, 10), day(2024, 3, 31), ViewBookable) {
		if err != nil {
			t.Fatalf("OpenSlots: %v", err)
		}
		first = s
		break
	}
	if first.Start != hm(9, 0) || first.Date.Day() != 10 {
		t.Errorf("unexpected first slot %+v", first)
	}
	if h.appts.occupancyCalls != 1 {
		t.Errorf("stopping after one slot should cost one occupancy query, got %d", h.appts.occupancyCalls)
	}
	if h.blocks.calls != 1 {
		t.Errorf("blocked dates are read once per range, got %d", h.blocks.calls)
	}
}

func TestOpenSlots_SkipsOccupancyForClosedDays(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})

	n := 0
	for _, err := range h.svc.calc.OpenSlots(context.Background(), cal, day(2024, 1, 8), day(2024, 1, 21), ViewBookable) {
		if err != nil {
			t.Fatalf("OpenSlots: %v", err)
		}
		n++
	}
	// Monday the 8th is in the past; only the 15th has open slots.
	if n != 3 {
		t.Errorf("got %d slots, want 3", n)
	}
	if h.appts.occupancyCalls != 1 {
		t.Errorf("got %d occupancy queries, want 1", h.appts.occupancyCalls)
	}
}

func TestOpenSlots_ReversedRange(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: mondayMorning()})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
	for range h.svc.calc.OpenSlots(context.Background(), cal, day(2024, 1, 20), day(2024, 1, 10), ViewBookable) {
		t.Fatal("reversed range should yield nothing")
	}
}

func TestOpenSlots_CancelledContext(t *testing.T) {
	cal := mustCalendar(t, Calendar{SlotDuration: 60, WorkingHours: everyDay(hm(9, 0), hm(10, 0))})
	h := newHarness(t, at(2024, 1, 10, 8, 0), []*Calendar{cal})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range h.svc.calc.OpenSlots(ctx, cal, day(2024, 1, 10), day(2024, 1, 12), ViewBookable) {
		gotErr = err
	}
	if gotErr != context.Canceled {
		t.Errorf("got %v, want context.Canceled", gotErr)
	}
}
