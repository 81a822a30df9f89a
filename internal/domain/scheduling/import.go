package scheduling

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// CalendarFile is the YAML document accepted by "calendars import".
//
//	calendars:
//	  - id: 4f0c...            # optional; a new ID is assigned when empty
//	    title: Certificate pickup
//	    slot_duration: 30
//	    max_per_slot: 2
//	    working_hours:
//	      - {weekday: 1, start: "09:00", end: "12:00"}
//	    blocked_dates:
//	      - {kind: full_day, start_date: 2026-12-24}
//	blocked_dates:             # global blocks
//	  - {kind: recurring, start_date: 2026-01-01, recurrence: "FREQ=YEARLY;BYMONTH=12;BYMONTHDAY=25"}
type CalendarFile struct {
	Calendars    []CalendarDoc `yaml:"calendars"`
	BlockedDates []BlockDoc    `yaml:"blocked_dates"`
}

type CalendarDoc struct {
	ID                     string         `yaml:"id"`
	Title                  string         `yaml:"title"`
	Description            string         `yaml:"description"`
	SlotDuration           int            `yaml:"slot_duration"`
	SlotInterval           int            `yaml:"slot_interval"`
	SlotsPerDay            int            `yaml:"slots_per_day"`
	MaxPerSlot             int            `yaml:"max_per_slot"`
	WorkingHours           []WorkingHour  `yaml:"working_hours"`
	MinAdvanceHours        int            `yaml:"advance_booking_min_hours"`
	MaxAdvanceDays         int            `yaml:"advance_booking_max_days"`
	AllowCancellation      *bool          `yaml:"allow_cancellation"`
	CancellationMinHours   int            `yaml:"cancellation_min_hours"`
	MinIntervalHours       int            `yaml:"minimum_interval_hours"`
	RequiresApproval       bool           `yaml:"requires_approval"`
	RestrictToWorkingHours *bool          `yaml:"restrict_to_working_hours"`
	Status                 CalendarStatus `yaml:"status"`
	BlockedDates           []BlockDoc     `yaml:"blocked_dates"`
}

type BlockDoc struct {
	Kind       BlockKind  `yaml:"kind"`
	StartDate  string     `yaml:"start_date"`
	EndDate    string     `yaml:"end_date"`
	StartTime  *TimeOfDay `yaml:"start_time"`
	EndTime    *TimeOfDay `yaml:"end_time"`
	Recurrence string     `yaml:"recurrence"`
	Reason     string     `yaml:"reason"`
}

// Transactor runs fn in a transaction the repositories join.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Calendars    int
	BlockedDates int
}

// Importer loads calendars and blocked dates from YAML. Each listed calendar
// replaces its stored working hours and blocks; global blocks are replaced
// only when the file lists some.
type Importer struct {
	calendars CalendarRepository
	blocks    BlockedDateRepository
	tx        Transactor
	loc       *time.Location
	logger    zerolog.Logger
}

func NewImporter(cals CalendarRepository, blocks BlockedDateRepository, tx Transactor, loc *time.Location, logger zerolog.Logger) *Importer {
	return &Importer{calendars: cals, blocks: blocks, tx: tx, loc: loc, logger: logger}
}

// Parse decodes and validates a calendar file without writing anything.
func (im *Importer) Parse(r io.Reader) ([]*Calendar, map[uuid.UUID][]*BlockedDate, []*BlockedDate, error) {
	var f CalendarFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, nil, nil, fmt.Errorf("decode calendar file: %w", err)
	}

	var cals []*Calendar
	perCal := map[uuid.UUID][]*BlockedDate{}
	for i, doc := range f.Calendars {
		cal, err := doc.calendar()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("calendars[%d]: %w", i, err)
		}
		for j, bd := range doc.BlockedDates {
			b, err := bd.block(&cal.ID, im.loc)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("calendars[%d].blocked_dates[%d]: %w", i, j, err)
			}
			perCal[cal.ID] = append(perCal[cal.ID], b)
		}
		cals = append(cals, cal)
	}

	var global []*BlockedDate
	for i, bd := range f.BlockedDates {
		b, err := bd.block(nil, im.loc)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("blocked_dates[%d]: %w", i, err)
		}
		global = append(global, b)
	}
	return cals, perCal, global, nil
}

// Import parses r and writes it in a single transaction.
func (im *Importer) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	cals, perCal, global, err := im.Parse(r)
	if err != nil {
		return res, err
	}

	err = im.tx.InTx(ctx, func(ctx context.Context) error {
		for _, cal := range cals {
			if err := im.calendars.Upsert(ctx, cal); err != nil {
				return fmt.Errorf("calendar %q: %w", cal.Title, err)
			}
			id := cal.ID
			if err := im.blocks.DeleteForCalendar(ctx, &id); err != nil {
				return fmt.Errorf("calendar %q: clear blocks: %w", cal.Title, err)
			}
			for _, b := range perCal[cal.ID] {
				if err := im.blocks.Create(ctx, b); err != nil {
					return fmt.Errorf("calendar %q: %w", cal.Title, err)
				}
				res.BlockedDates++
			}
			res.Calendars++
		}
		if len(global) == 0 {
			return nil
		}
		if err := im.blocks.DeleteForCalendar(ctx, nil); err != nil {
			return fmt.Errorf("clear global blocks: %w", err)
		}
		for _, b := range global {
			if err := im.blocks.Create(ctx, b); err != nil {
				return fmt.Errorf("global block: %w", err)
			}
			res.BlockedDates++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	im.logger.Info().Int("calendars", res.Calendars).Int("blocked_dates", res.BlockedDates).Msg("calendars imported")
	return res, nil
}

func (d CalendarDoc) calendar() (*Calendar, error) {
	c := Calendar{
		Title:                  d.Title,
		Description:            d.Description,
		SlotDuration:           d.SlotDuration,
		SlotInterval:           d.SlotInterval,
		SlotsPerDay:            d.SlotsPerDay,
		MaxPerSlot:             d.MaxPerSlot,
		WorkingHours:           d.WorkingHours,
		MinAdvanceHours:        d.MinAdvanceHours,
		MaxAdvanceDays:         d.MaxAdvanceDays,
		AllowCancellation:      true,
		CancellationMinHours:   d.CancellationMinHours,
		MinIntervalHours:       d.MinIntervalHours,
		RequiresApproval:       d.RequiresApproval,
		RestrictToWorkingHours: true,
		Status:                 d.Status,
	}
	if d.ID != "" {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: id: %v", ErrInvalidCalendar, err)
		}
		c.ID = id
	}
	if c.MaxPerSlot == 0 {
		c.MaxPerSlot = 1
	}
	if d.AllowCancellation != nil {
		c.AllowCancellation = *d.AllowCancellation
	}
	if d.RestrictToWorkingHours != nil {
		c.RestrictToWorkingHours = *d.RestrictToWorkingHours
	}
	return NewCalendar(c)
}

func (d BlockDoc) block(calendarID *uuid.UUID, loc *time.Location) (*BlockedDate, error) {
	start, err := time.ParseInLocation(time.DateOnly, d.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date: %v", ErrInvalidBlock, err)
	}
	b := BlockedDate{
		CalendarID: calendarID,
		Kind:       d.Kind,
		StartDate:  start,
		StartTime:  d.StartTime,
		EndTime:    d.EndTime,
		Recurrence: d.Recurrence,
		Reason:     d.Reason,
	}
	if d.EndDate != "" {
		end, err := time.ParseInLocation(time.DateOnly, d.EndDate, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: end_date: %v", ErrInvalidBlock, err)
		}
		b.EndDate = &end
	}
	return NewBlockedDate(b)
}
