package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ffcertificate/scheduler/internal/platform/codes"
	"github.com/ffcertificate/scheduler/internal/platform/events"
	"github.com/ffcertificate/scheduler/internal/platform/pii"
)

const (
	tokenLength   = 32
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ContactData is the booker's contact information as submitted.
type ContactData struct {
	Name   string         `json:"name" validate:"required,max=255"`
	Email  string         `json:"email" validate:"required,email,max=255"`
	Phone  string         `json:"phone" validate:"omitempty,phone"`
	CPF    string         `json:"cpf" validate:"omitempty,cpf"`
	RF     string         `json:"rf" validate:"omitempty,numeric,max=20"`
	Custom map[string]any `json:"custom,omitempty"`
}

// BookingRequest is everything needed to commit one appointment.
type BookingRequest struct {
	Date        time.Time `validate:"required"`
	Start       TimeOfDay `validate:"gte=0,lt=1440"`
	End         TimeOfDay `validate:"gtfield=Start,lte=1440"`
	UserID      *int64    `validate:"omitempty,gt=0"`
	Contact     ContactData
	Consent     bool
	ConsentText string `validate:"max=2000"`
	UserIP      string `validate:"omitempty,ip"`
	UserAgent   string `validate:"max=512"`
}

// AppointmentWriter persists a new appointment. Reserve runs the capacity
// check and the insert atomically; it returns ErrSlotFull when every unit is
// taken, ErrSlotConflict when a concurrent booking claimed the chosen unit
// and ErrCodeConflict when the validation code is already used.
type AppointmentWriter interface {
	Reserve(ctx context.Context, a *Appointment, capacity int) error
}

// EventSink accepts events for asynchronous delivery.
type EventSink interface {
	Enqueue(e events.Event) bool
}

// Booker commits bookings.
type Booker struct {
	rules      *RuleEngine
	store      AppointmentWriter
	codec      *pii.Codec
	codes      *codes.Generator
	events     EventSink
	loc        *time.Location
	now        func() time.Time
	maxRetries int
	logger     zerolog.Logger
}

func NewBooker(rules *RuleEngine, store AppointmentWriter, codec *pii.Codec, gen *codes.Generator,
	sink EventSink, maxRetries int, logger zerolog.Logger) *Booker {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Booker{
		rules:      rules,
		store:      store,
		codec:      codec,
		codes:      gen,
		events:     sink,
		loc:        rules.calc.loc,
		now:        rules.calc.now,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Commit validates req against cal and writes the appointment. Exactly one of
// the appointment or the rejection is non-nil unless err is set.
func (b *Booker) Commit(ctx context.Context, cal *Calendar, req BookingRequest) (*Appointment, *Rejection, error) {
	if err := validate.Struct(req); err != nil {
		return nil, rejectInvalid(translate(err)), nil
	}
	req.Date = CivilDay(req.Date, b.loc)
	log := b.logger.With().
		Str("calendar_id", cal.ID.String()).
		Str("date", req.Date.Format(time.DateOnly)).
		Str("start", req.Start.String()).
		Logger()

	appt, err := b.seal(cal, req)
	if err != nil {
		return nil, nil, err
	}
	who := Requester{
		UserID:    req.UserID,
		EmailHash: appt.Contact.EmailHash,
		CPFHash:   appt.Contact.CPFHash,
		RFHash:    appt.Contact.RFHash,
	}
	if err := b.assignCode(ctx, appt, log); err != nil {
		return nil, nil, err
	}

	slot := SlotRequest{Date: req.Date, Start: req.Start, End: req.End}
	for attempt := 1; ; attempt++ {
		rej, err := b.rules.Validate(ctx, cal, slot, who)
		if err != nil {
			return nil, nil, err
		}
		if rej != nil {
			log.Info().Str("reason", string(rej.Reason)).Msg("booking rejected")
			return nil, rej, nil
		}

		appt.ID = uuid.New()
		appt.CreatedAt = b.now()
		appt.UpdatedAt = appt.CreatedAt
		err = b.store.Reserve(ctx, appt, cal.MaxPerSlot)
		switch {
		case err == nil:
			log.Info().Str("appointment_id", appt.ID.String()).Int("slot_ordinal", appt.SlotOrdinal).
				Str("status", string(appt.Status)).Msg("booking committed")
			b.events.Enqueue(events.New(events.BookingCommitted, appt.ID, appt.CalendarID,
				string(appt.Status), appt.StartsAt(b.loc)))
			return appt, nil, nil
		case errors.Is(err, ErrSlotFull):
			log.Info().Str("reason", string(ReasonSlotFull)).Msg("booking rejected")
			return nil, rejectFull(), nil
		case errors.Is(err, ErrSlotConflict):
			log.Debug().Int("attempt", attempt).Msg("slot claimed concurrently, retrying")
		case errors.Is(err, ErrCodeConflict):
			log.Debug().Int("attempt", attempt).Msg("validation code collided, regenerating")
			if err := b.assignCode(ctx, appt, log); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("reserve slot: %w", err)
		}
		if attempt >= b.maxRetries {
			log.Warn().Int("attempts", attempt).Err(err).Msg("booking gave up after repeated conflicts")
			if errors.Is(err, ErrCodeConflict) {
				return nil, nil, fmt.Errorf("validation code: %w", err)
			}
			return nil, rejectFull(), nil
		}
	}
}

func (b *Booker) assignCode(ctx context.Context, a *Appointment, log zerolog.Logger) error {
	res, err := b.codes.Unique(ctx)
	if err != nil {
		return fmt.Errorf("validation code: %w", err)
	}
	if res.Warning != nil {
		log.Warn().Int("attempts", res.Warning.Attempts).
			Msg("validation code assigned without a confirmed uniqueness check")
	}
	a.ValidationCode = res.Code
	return nil
}

// seal builds the appointment row, encrypting contact fields when the codec
// is enabled and keeping plaintext columns otherwise.
func (b *Booker) seal(cal *Calendar, req BookingRequest) (*Appointment, error) {
	status := StatusConfirmed
	if cal.RequiresApproval {
		status = StatusPending
	}
	token, err := codes.RandomCode(tokenLength, tokenAlphabet)
	if err != nil {
		return nil, fmt.Errorf("confirmation token: %w", err)
	}

	a := &Appointment{
		CalendarID:        cal.ID,
		UserID:            req.UserID,
		Date:              req.Date,
		Start:             req.Start,
		End:               req.End,
		Status:            status,
		UserAgent:         req.UserAgent,
		ConfirmationToken: token,
	}
	if req.Consent {
		at := b.now()
		a.Consent = Consent{Given: true, At: &at, Text: req.ConsentText}
	}

	c := req.Contact
	fields := []struct {
		name  string
		value string
	}{
		{"name", c.Name},
		{"email", c.Email},
		{"phone", c.Phone},
		{"cpf", c.CPF},
		{"rf", c.RF},
		{"user_ip", req.UserIP},
	}
	for _, f := range fields {
		if err := b.setField(&a.Contact, f.name, f.value); err != nil {
			return nil, err
		}
	}

	custom, err := b.codec.EncryptJSON(c.Custom)
	if err != nil {
		return nil, fmt.Errorf("encrypt custom data: %w", err)
	}
	a.Contact.CustomDataEncrypted = custom
	return a, nil
}

func (b *Booker) setField(c *SealedContact, name, value string) error {
	if value == "" {
		return nil
	}
	if cfg, ok := pii.FieldsFor("appointments"); ok && cfg.IsHashed(name) {
		c.SetColumn(name+"_hash", b.codec.Hash(normalizeIdentifier(name, value)))
	}
	if !b.codec.Enabled() {
		c.SetColumn(name, value)
		return nil
	}
	cipher, err := b.codec.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	c.SetColumn(name+pii.EncryptedSuffix, cipher)
	return nil
}

// normalizeIdentifier strips CPF punctuation so "529.982.247-25" and
// "52998224725" hash alike. Case and whitespace are handled by Codec.Hash.
func normalizeIdentifier(name, value string) string {
	if name == "cpf" || name == "rf" {
		return digitsOnly.ReplaceAllString(value, "")
	}
	return value
}
