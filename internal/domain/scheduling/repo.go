package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CalendarRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Calendar, error)
	List(ctx context.Context, status CalendarStatus) ([]*Calendar, error)
	// Upsert writes the calendar and replaces its working hours.
	Upsert(ctx context.Context, c *Calendar) error
}

type BlockedDateRepository interface {
	BlockedDateReader
	Create(ctx context.Context, b *BlockedDate) error
	// DeleteForCalendar removes a calendar's own blocks; a nil ID removes the
	// global ones.
	DeleteForCalendar(ctx context.Context, calendarID *uuid.UUID) error
}

// StatusUpdate is a conditional status change: it applies only while the
// appointment is in one of From.
type StatusUpdate struct {
	ID     uuid.UUID
	From   []AppointmentStatus
	To     AppointmentStatus
	At     time.Time
	By     *int64
	Reason string
}

type AppointmentRepository interface {
	OccupancyReader
	RequesterHistory
	AppointmentWriter

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByValidationCode(ctx context.Context, code string) (*Appointment, error)
	GetByToken(ctx context.Context, token string) (*Appointment, error)
	// UpdateStatus reports false when the appointment was not in a From status.
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)

	// ListDueReminders returns confirmed appointments without a reminder whose
	// dates fall in [from, to].
	ListDueReminders(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	// MarkReminderSent reports false when another sweep got there first.
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// ListContacts pages through appointments by ID for key rotation.
	ListContacts(ctx context.Context, after uuid.UUID, limit int) ([]*Appointment, error)
	UpdateContact(ctx context.Context, id uuid.UUID, c SealedContact) error
}
