package scheduling

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ffcertificate/scheduler/internal/platform/codes"
	"github.com/ffcertificate/scheduler/internal/platform/events"
	"github.com/ffcertificate/scheduler/internal/platform/pii"
)

// Options wires a Service. Location is the single scheduling time zone.
type Options struct {
	Calendars       CalendarRepository
	BlockedDates    BlockedDateRepository
	Appointments    AppointmentRepository
	Codec           *pii.Codec
	Codes           *codes.Generator
	Events          EventSink
	Location        *time.Location
	Now             func() time.Time
	ConflictRetries int
	Logger          zerolog.Logger
}

type Service struct {
	calendars    CalendarRepository
	appointments AppointmentRepository
	calc         *Calculator
	booker       *Booker
	policy       CancellationPolicy
	codec        *pii.Codec
	events       EventSink
	loc          *time.Location
	now          func() time.Time
	logger       zerolog.Logger
}

func NewService(o Options) *Service {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	calc := NewCalculator(o.Appointments, o.BlockedDates, o.Location, o.Now)
	rules := NewRuleEngine(calc, o.Appointments)
	return &Service{
		calendars:    o.Calendars,
		appointments: o.Appointments,
		calc:         calc,
		booker:       NewBooker(rules, o.Appointments, o.Codec, o.Codes, o.Events, o.ConflictRetries, o.Logger),
		policy:       NewCancellationPolicy(o.Location, o.Now),
		codec:        o.Codec,
		events:       o.Events,
		loc:          o.Location,
		now:          o.Now,
		logger:       o.Logger,
	}
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Calendar(ctx context.Context, id uuid.UUID) (*Calendar, error) {
	return s.calendars.GetByID(ctx, id)
}

func (s *Service) ListCalendars(ctx context.Context, status CalendarStatus) ([]*Calendar, error) {
	return s.calendars.List(ctx, status)
}

// OpenSlots returns the lazy slot sequence for a calendar.
func (s *Service) OpenSlots(ctx context.Context, calendarID uuid.UUID, from, to time.Time, view View) (iter.Seq2[Slot, error], error) {
	cal, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	return s.calc.OpenSlots(ctx, cal, from, to, view), nil
}

func (s *Service) Book(ctx context.Context, calendarID uuid.UUID, req BookingRequest) (*Appointment, *Rejection, error) {
	cal, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, nil, err
	}
	return s.booker.Commit(ctx, cal, req)
}

// Cancel cancels an appointment on behalf of actor. Cancelling an already
// cancelled appointment is rejected with ReasonAlreadyCancelled every time.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, *Rejection, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status == StatusCancelled {
		return nil, alreadyCancelled(), nil
	}
	if !actor.Admin && !a.OwnedBy(actor) {
		return nil, &Rejection{Reason: ReasonForbidden, Message: "you cannot cancel this appointment"}, nil
	}
	cal, err := s.calendars.GetByID(ctx, a.CalendarID)
	if err != nil {
		return nil, nil, err
	}
	if !s.policy.CanCancel(cal, a, actor) {
		return nil, s.policy.reason(cal, a), nil
	}
	if !a.Status.CanTransition(StatusCancelled) {
		return nil, &Rejection{Reason: ReasonInvalidTransition, Message: "a " + string(a.Status) + " appointment cannot be cancelled"}, nil
	}

	changed, err := s.appointments.UpdateStatus(ctx, StatusUpdate{
		ID:     a.ID,
		From:   []AppointmentStatus{StatusPending, StatusConfirmed},
		To:     StatusCancelled,
		At:     s.now(),
		By:     actor.UserID,
		Reason: reason,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cancel appointment: %w", err)
	}
	if !changed {
		return nil, alreadyCancelled(), nil
	}
	return s.afterTransition(ctx, a.ID, events.BookingCancelled)
}

func alreadyCancelled() *Rejection {
	return &Rejection{Reason: ReasonAlreadyCancelled, Message: "this appointment is already cancelled"}
}

// Approve confirms a pending appointment. Administrators only.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, *Rejection, error) {
	if !actor.Admin {
		return nil, &Rejection{Reason: ReasonForbidden, Message: "only administrators can approve appointments"}, nil
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != StatusPending {
		return nil, &Rejection{Reason: ReasonInvalidTransition, Message: "only pending appointments can be approved"}, nil
	}
	changed, err := s.appointments.UpdateStatus(ctx, StatusUpdate{
		ID:   a.ID,
		From: []AppointmentStatus{StatusPending},
		To:   StatusConfirmed,
		At:   s.now(),
		By:   actor.UserID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("approve appointment: %w", err)
	}
	if !changed {
		return nil, &Rejection{Reason: ReasonInvalidTransition, Message: "the appointment changed status concurrently"}, nil
	}
	return s.afterTransition(ctx, a.ID, events.BookingApproved)
}

// Reconcile records the outcome of a past appointment as completed or
// no_show. Administrators only.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID, to AppointmentStatus, actor Actor) (*Appointment, *Rejection, error) {
	if !actor.Admin {
		return nil, &Rejection{Reason: ReasonForbidden, Message: "only administrators can reconcile appointments"}, nil
	}
	if to != StatusCompleted && to != StatusNoShow {
		return nil, &Rejection{Reason: ReasonInvalidRequest, Message: "status must be completed or no_show"}, nil
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !a.Status.CanTransition(to) {
		return nil, &Rejection{Reason: ReasonInvalidTransition, Message: "a " + string(a.Status) + " appointment cannot be reconciled"}, nil
	}
	if s.now().Before(a.EndsAt(s.loc)) {
		return nil, &Rejection{Reason: ReasonInvalidTransition, Message: "the appointment has not ended yet"}, nil
	}
	changed, err := s.appointments.UpdateStatus(ctx, StatusUpdate{
		ID:   a.ID,
		From: []AppointmentStatus{StatusPending, StatusConfirmed},
		To:   to,
		At:   s.now(),
		By:   actor.UserID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile appointment: %w", err)
	}
	if !changed {
		return nil, &Rejection{Reason: ReasonInvalidTransition, Message: "the appointment changed status concurrently"}, nil
	}
	return s.afterTransition(ctx, a.ID, events.BookingReconciled)
}

func (s *Service) afterTransition(ctx context.Context, id uuid.UUID, t events.Type) (*Appointment, *Rejection, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("appointment_id", a.ID.String()).Str("status", string(a.Status)).Msg("appointment status changed")
	s.events.Enqueue(events.New(t, a.ID, a.CalendarID, string(a.Status), a.StartsAt(s.loc)))
	return a, nil, nil
}

// ErrWrongCodeSpace is returned by Verify for certificate or re-registration codes.
var ErrWrongCodeSpace = errors.New("code does not belong to an appointment")

// Verify looks an appointment up by the code printed on its confirmation.
func (s *Service) Verify(ctx context.Context, input string) (*AppointmentView, error) {
	space, raw, err := codes.Parse(input)
	if err != nil {
		return nil, err
	}
	if space != codes.SpaceNone && space != codes.SpaceAppointment {
		return nil, ErrWrongCodeSpace
	}
	a, err := s.appointments.GetByValidationCode(ctx, raw)
	if err != nil {
		return nil, err
	}
	return s.Reveal(a), nil
}

// FindByToken serves guest self-service links.
func (s *Service) FindByToken(ctx context.Context, token string) (*AppointmentView, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	a, err := s.appointments.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Reveal(a), nil
}

// AppointmentView is an appointment with contact data decrypted for display.
type AppointmentView struct {
	ID             uuid.UUID         `json:"id"`
	CalendarID     uuid.UUID         `json:"calendar_id"`
	Date           string            `json:"date"`
	Start          TimeOfDay         `json:"start"`
	End            TimeOfDay         `json:"end"`
	Status         AppointmentStatus `json:"status"`
	ValidationCode string            `json:"validation_code"`
	Name           string            `json:"name"`
	Email          string            `json:"email"`
	Phone          string            `json:"phone,omitempty"`
	CPF            string            `json:"cpf,omitempty"`
	RF             string            `json:"rf,omitempty"`
	Custom         map[string]any    `json:"custom,omitempty"`
}

func (s *Service) Reveal(a *Appointment) *AppointmentView {
	v := &AppointmentView{
		ID:             a.ID,
		CalendarID:     a.CalendarID,
		Date:           a.Date.Format(time.DateOnly),
		Start:          a.Start,
		End:            a.End,
		Status:         a.Status,
		ValidationCode: codes.FormatPrefixed(codes.SpaceAppointment, a.ValidationCode),
		Name:           s.codec.ResolveField(a, "name"),
		Email:          s.codec.ResolveField(a, "email"),
		Phone:          s.codec.ResolveField(a, "phone"),
		CPF:            s.codec.ResolveField(a, "cpf"),
		RF:             s.codec.ResolveField(a, "rf"),
	}
	if custom := s.codec.DecryptJSON(a.Contact.CustomDataEncrypted); len(custom) > 0 {
		v.Custom = custom
	}
	return v
}
