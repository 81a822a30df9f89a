package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ffcertificate/scheduler/internal/platform/events"
)

// ReminderSweeper emits a reminder event once for every confirmed
// appointment starting within the lead time.
type ReminderSweeper struct {
	appointments AppointmentRepository
	events       EventSink
	lead         time.Duration
	loc          *time.Location
	now          func() time.Time
	logger       zerolog.Logger
}

func NewReminderSweeper(appts AppointmentRepository, sink EventSink, lead time.Duration, loc *time.Location, now func() time.Time, logger zerolog.Logger) *ReminderSweeper {
	if now == nil {
		now = time.Now
	}
	return &ReminderSweeper{appointments: appts, events: sink, lead: lead, loc: loc, now: now, logger: logger}
}

// Run performs one sweep and returns the number of reminders sent.
func (r *ReminderSweeper) Run(ctx context.Context) (int, error) {
	now := r.now()
	horizon := now.Add(r.lead)

	due, err := r.appointments.ListDueReminders(ctx, Day(now, r.loc), Day(horizon, r.loc))
	if err != nil {
		return 0, fmt.Errorf("list due reminders: %w", err)
	}

	sent := 0
	for _, a := range due {
		starts := a.StartsAt(r.loc)
		if !starts.After(now) || starts.After(horizon) {
			continue
		}
		marked, err := r.appointments.MarkReminderSent(ctx, a.ID, now)
		if err != nil {
			return sent, fmt.Errorf("mark reminder %s: %w", a.ID, err)
		}
		if !marked {
			continue
		}
		r.events.Enqueue(events.New(events.AppointmentReminder, a.ID, a.CalendarID, string(a.Status), starts))
		sent++
	}
	if sent > 0 {
		r.logger.Info().Int("sent", sent).Msg("appointment reminders queued")
	}
	return sent, nil
}
