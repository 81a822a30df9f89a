package scheduling

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidCalendar = errors.New("invalid calendar")
	ErrInvalidBlock    = errors.New("invalid blocked date")

	// Storage outcomes of AppointmentRepository.Reserve.
	ErrSlotFull     = errors.New("slot has no remaining capacity")
	ErrSlotConflict = errors.New("slot ordinal taken concurrently")
	ErrCodeConflict = errors.New("validation code already in use")
)

// TimeOfDay is a wall-clock time as minutes after midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS"; seconds must be zero.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	if len(parts) == 3 && parts[2] != "00" {
		return 0, fmt.Errorf("time of day %q: seconds are not supported", s)
	}
	return NewTimeOfDay(h, m), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On returns the instant t on the given calendar day in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}

// Day truncates t to midnight of its date, read in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// CivilDay re-anchors a date-only value (as scanned from a DATE column) in loc
// without shifting its calendar date.
func CivilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// WorkingHour is one bookable range on a weekday. A weekday may have several.
type WorkingHour struct {
	Weekday time.Weekday `json:"weekday" yaml:"weekday" validate:"gte=0,lte=6"`
	Start   TimeOfDay    `json:"start" yaml:"start" validate:"gte=0,lt=1440"`
	End     TimeOfDay    `json:"end" yaml:"end" validate:"gt=0,lte=1440"`
}

type CalendarStatus string

const (
	CalendarActive   CalendarStatus = "active"
	CalendarInactive CalendarStatus = "inactive"
	CalendarArchived CalendarStatus = "archived"
)

// Calendar is a bookable resource. Durations are in minutes.
type Calendar struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title" validate:"required,max=255"`
	Description string    `json:"description,omitempty"`

	SlotDuration int `json:"slot_duration" validate:"gt=0,lte=1440"`
	SlotInterval int `json:"slot_interval" validate:"gte=0,lte=1440"`
	// SlotsPerDay caps the slots offered per day; 0 means no cap.
	SlotsPerDay  int           `json:"slots_per_day" validate:"gte=0"`
	MaxPerSlot   int           `json:"max_appointments_per_slot" validate:"gte=1"`
	WorkingHours []WorkingHour `json:"working_hours" validate:"dive"`

	MinAdvanceHours      int  `json:"advance_booking_min_hours" validate:"gte=0"`
	MaxAdvanceDays       int  `json:"advance_booking_max_days" validate:"gte=0"`
	AllowCancellation    bool `json:"allow_cancellation"`
	CancellationMinHours int  `json:"cancellation_min_hours" validate:"gte=0"`
	MinIntervalHours     int  `json:"minimum_interval_hours" validate:"gte=0"`
	RequiresApproval     bool `json:"requires_approval"`
	// RestrictToWorkingHours limits bookings to the generated slots. When
	// false a booking may start at any time, as long as it lasts exactly
	// SlotDuration and is not blocked.
	RestrictToWorkingHours bool `json:"restrict_to_working_hours"`

	Status    CalendarStatus `json:"status" validate:"oneof=active inactive archived"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewCalendar validates c and returns a copy with working hours sorted.
// Ranges on the same weekday may not overlap.
func NewCalendar(c Calendar) (*Calendar, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CalendarActive
	}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCalendar, validationMessage(err))
	}

	hours := make([]WorkingHour, len(c.WorkingHours))
	copy(hours, c.WorkingHours)
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].Weekday != hours[j].Weekday {
			return hours[i].Weekday < hours[j].Weekday
		}
		return hours[i].Start < hours[j].Start
	})
	for i, wh := range hours {
		if wh.End <= wh.Start {
			return nil, fmt.Errorf("%w: %s range %s-%s ends before it starts", ErrInvalidCalendar, wh.Weekday, wh.Start, wh.End)
		}
		if i > 0 && hours[i-1].Weekday == wh.Weekday && hours[i-1].End > wh.Start {
			return nil, fmt.Errorf("%w: %s ranges %s-%s and %s-%s overlap", ErrInvalidCalendar,
				wh.Weekday, hours[i-1].Start, hours[i-1].End, wh.Start, wh.End)
		}
	}
	c.WorkingHours = hours
	return &c, nil
}

func (c *Calendar) Active() bool { return c.Status == CalendarActive }

// hoursOn returns the working ranges for weekday, in start order.
func (c *Calendar) hoursOn(weekday time.Weekday) []WorkingHour {
	var out []WorkingHour
	for _, wh := range c.WorkingHours {
		if wh.Weekday == weekday {
			out = append(out, wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow},
	StatusConfirmed: {StatusCancelled, StatusCompleted, StatusNoShow},
}

func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s AppointmentStatus) Terminal() bool { return len(transitions[s]) == 0 }

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// SealedContact is the stored form of a booker's contact data: legacy
// plaintext columns, ciphertext columns and lookup hashes.
type SealedContact struct {
	Name                string
	NameEncrypted       string
	Email               string
	EmailEncrypted      string
	EmailHash           string
	Phone               string
	PhoneEncrypted      string
	CPF                 string
	CPFEncrypted        string
	CPFHash             string
	RF                  string
	RFEncrypted         string
	RFHash              string
	UserIP              string
	UserIPEncrypted     string
	CustomDataEncrypted string
}

// Column implements pii.Fields.
func (c SealedContact) Column(name string) string {
	switch name {
	case "name":
		return c.Name
	case "name_encrypted":
		return c.NameEncrypted
	case "email":
		return c.Email
	case "email_encrypted":
		return c.EmailEncrypted
	case "email_hash":
		return c.EmailHash
	case "phone":
		return c.Phone
	case "phone_encrypted":
		return c.PhoneEncrypted
	case "cpf":
		return c.CPF
	case "cpf_encrypted":
		return c.CPFEncrypted
	case "cpf_hash":
		return c.CPFHash
	case "rf":
		return c.RF
	case "rf_encrypted":
		return c.RFEncrypted
	case "rf_hash":
		return c.RFHash
	case "user_ip":
		return c.UserIP
	case "user_ip_encrypted":
		return c.UserIPEncrypted
	case "custom_data_encrypted":
		return c.CustomDataEncrypted
	}
	return ""
}

// SetColumn is the inverse of Column. Unknown names are ignored.
func (c *SealedContact) SetColumn(name, value string) {
	switch name {
	case "name":
		c.Name = value
	case "name_encrypted":
		c.NameEncrypted = value
	case "email":
		c.Email = value
	case "email_encrypted":
		c.EmailEncrypted = value
	case "email_hash":
		c.EmailHash = value
	case "phone":
		c.Phone = value
	case "phone_encrypted":
		c.PhoneEncrypted = value
	case "cpf":
		c.CPF = value
	case "cpf_encrypted":
		c.CPFEncrypted = value
	case "cpf_hash":
		c.CPFHash = value
	case "rf":
		c.RF = value
	case "rf_encrypted":
		c.RFEncrypted = value
	case "rf_hash":
		c.RFHash = value
	case "user_ip":
		c.UserIP = value
	case "user_ip_encrypted":
		c.UserIPEncrypted = value
	case "custom_data_encrypted":
		c.CustomDataEncrypted = value
	}
}

// Consent records the data-processing consent captured with a booking.
type Consent struct {
	Given bool
	At    *time.Time
	Text  string
}

// Appointment is a booking of one capacity unit of a slot.
type Appointment struct {
	ID         uuid.UUID
	CalendarID uuid.UUID
	// UserID is the WordPress user who booked, nil for guests.
	UserID *int64
	Date   time.Time
	Start  TimeOfDay
	End    TimeOfDay
	// SlotOrdinal is the capacity unit this appointment occupies, 1..MaxPerSlot.
	SlotOrdinal int
	Status      AppointmentStatus

	Contact   SealedContact
	UserAgent string
	Consent   Consent

	ConfirmationToken string
	ValidationCode    string

	ApprovedAt         *time.Time
	ApprovedBy         *int64
	CancelledAt        *time.Time
	CancelledBy        *int64
	CancellationReason string
	ReconciledAt       *time.Time
	ReconciledBy       *int64
	ReminderSentAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) Column(name string) string { return a.Contact.Column(name) }

func (a *Appointment) StartsAt(loc *time.Location) time.Time { return a.Start.On(a.Date, loc) }
func (a *Appointment) EndsAt(loc *time.Location) time.Time   { return a.End.On(a.Date, loc) }

// OwnedBy reports whether actor booked a.
func (a *Appointment) OwnedBy(actor Actor) bool {
	if actor.UserID != nil && a.UserID != nil && *actor.UserID == *a.UserID {
		return true
	}
	return actor.Token != "" &&
		subtle.ConstantTimeCompare([]byte(actor.Token), []byte(a.ConfirmationToken)) == 1
}

// Slot is one generated bookable interval. Remaining is the capacity left.
type Slot struct {
	CalendarID uuid.UUID
	Date       time.Time
	Start      TimeOfDay
	End        TimeOfDay
	Remaining  int
}

// Actor is whoever performs an operation: a logged-in user, an administrator
// or a guest presenting a confirmation token.
type Actor struct {
	UserID *int64
	Admin  bool
	Token  string
}

func (a Actor) Authenticated() bool { return a.UserID != nil }
