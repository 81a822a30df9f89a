// Package events publishes booking lifecycle events for downstream consumers
// such as the email notifier. Publishing never blocks or fails a booking.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	BookingCommitted    Type = "booking.committed"
	BookingCancelled    Type = "booking.cancelled"
	BookingApproved     Type = "booking.approved"
	BookingReconciled   Type = "booking.reconciled"
	AppointmentReminder Type = "appointment.reminder"
)

// Header keys set on every published message.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderSchemaVersion = "schema-version"
	HeaderSource        = "source"
)

const (
	schemaVersion = "1"
	source        = "scheduler"
)

// Event carries identifiers only; consumers load contact data themselves so
// no PII leaves the database in clear text.
type Event struct {
	ID            uuid.UUID `json:"id"`
	Type          Type      `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	CalendarID    uuid.UUID `json:"calendar_id"`
	Status        string    `json:"status"`
	StartsAt      time.Time `json:"starts_at"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// New fills in the event ID and timestamp.
func New(t Type, appointmentID, calendarID uuid.UUID, status string, startsAt time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: appointmentID,
		CalendarID:    calendarID,
		Status:        status,
		StartsAt:      startsAt,
		OccurredAt:    time.Now().UTC(),
	}
}

// Publisher delivers one event synchronously.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}
