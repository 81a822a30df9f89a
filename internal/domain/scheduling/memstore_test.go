package scheduling

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ffcertificate/scheduler/internal/platform/codes"
	"github.com/ffcertificate/scheduler/internal/platform/events"
	"github.com/ffcertificate/scheduler/internal/platform/pii"
)

// testLoc is deliberately not UTC so date handling is exercised.
var testLoc = time.FixedZone("BRT", -3*60*60)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, testLoc)
}

func at(y int, m time.Month, d, hour, min int) time.Time {
	return time.Date(y, m, d, hour, min, 0, 0, testLoc)
}

func hm(h, m int) TimeOfDay { return NewTimeOfDay(h, m) }

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

// everyDay returns the same working range for all seven weekdays.
func everyDay(start, end TimeOfDay) []WorkingHour {
	out := make([]WorkingHour, 0, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		out = append(out, WorkingHour{Weekday: wd, Start: start, End: end})
	}
	return out
}

func mustCalendar(t *testing.T, c Calendar) *Calendar {
	t.Helper()
	if c.Title == "" {
		c.Title = "Certificate pickup"
	}
	if c.MaxPerSlot == 0 {
		c.MaxPerSlot = 1
	}
	// Same defaults as an imported calendar; tests opt out on the result.
	c.AllowCancellation = true
	c.RestrictToWorkingHours = true
	cal, err := NewCalendar(c)
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return cal
}

func ptr[T any](v T) *T { return &v }

// -- calendars --

type memCalendars struct {
	mu   sync.Mutex
	cals map[uuid.UUID]*Calendar
}

func newMemCalendars(cals ...*Calendar) *memCalendars {
	m := &memCalendars{cals: map[uuid.UUID]*Calendar{}}
	for _, c := range cals {
		m.cals[c.ID] = c
	}
	return m
}

func (m *memCalendars) GetByID(_ context.Context, id uuid.UUID) (*Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *memCalendars) List(_ context.Context, status CalendarStatus) ([]*Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Calendar
	for _, c := range m.cals {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (m *memCalendars) Upsert(_ context.Context, c *Calendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cals[c.ID] = c
	return nil
}

// -- blocked dates --

type memBlocks struct {
	mu     sync.Mutex
	blocks []*BlockedDate
	calls  int
}

func (m *memBlocks) ListBlockedDates(_ context.Context, calendarID uuid.UUID, _, _ time.Time) ([]*BlockedDate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []*BlockedDate
	for _, b := range m.blocks {
		if b.AppliesTo(calendarID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBlocks) Create(_ context.Context, b *BlockedDate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *memBlocks) DeleteForCalendar(_ context.Context, calendarID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.blocks[:0]
	for _, b := range m.blocks {
		same := (calendarID == nil && b.CalendarID == nil) ||
			(calendarID != nil && b.CalendarID != nil && *calendarID == *b.CalendarID)
		if !same {
			kept = append(kept, b)
		}
	}
	m.blocks = kept
	return nil
}

// -- appointments --

// memAppointments enforces the same uniqueness rules as the appointments
// table: one live row per slot ordinal, unique validation codes.
type memAppointments struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*Appointment
	codes map[string]bool

	// beforeInsert runs between Reserve's occupancy read and its insert.
	beforeInsert func()
	// occupancyCalls counts OccupancyByDay queries.
	occupancyCalls int
	// The next conflictTimes Reserve calls fail with conflictErr.
	conflictErr   error
	conflictTimes int
	// allCodesTaken makes every validation code look used to the generator.
	allCodesTaken bool
}

func newMemAppointments() *memAppointments {
	return &memAppointments{rows: map[uuid.UUID]*Appointment{}, codes: map[string]bool{}}
}

func dateKey(t time.Time) string { return t.Format(time.DateOnly) }

func (m *memAppointments) put(a *Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[a.ID] = &cp
	m.codes[a.ValidationCode] = true
}

func (m *memAppointments) all() []*Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Appointment, 0, len(m.rows))
	for _, a := range m.rows {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out
}

func (m *memAppointments) live() []*Appointment {
	var out []*Appointment
	for _, a := range m.all() {
		if a.Status != StatusCancelled {
			out = append(out, a)
		}
	}
	return out
}

func (m *memAppointments) codeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allCodesTaken || m.codes[code], nil
}

func (m *memAppointments) OccupancyByDay(_ context.Context, calendarID uuid.UUID, d time.Time) (map[TimeOfDay]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupancyCalls++
	out := map[TimeOfDay]int{}
	for _, a := range m.rows {
		if a.CalendarID == calendarID && a.Status != StatusCancelled && dateKey(a.Date) == dateKey(d) {
			out[a.Start]++
		}
	}
	return out, nil
}

func (m *memAppointments) ListForRequester(_ context.Context, calendarID uuid.UUID, who Requester, from, to time.Time) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.rows {
		if a.CalendarID != calendarID || a.Status == StatusCancelled {
			continue
		}
		if k := dateKey(a.Date); k < dateKey(from) || k > dateKey(to) {
			continue
		}
		c := a.Contact
		match := (who.UserID != nil && a.UserID != nil && *who.UserID == *a.UserID) ||
			(who.EmailHash != "" && who.EmailHash == c.EmailHash) ||
			(who.CPFHash != "" && who.CPFHash == c.CPFHash) ||
			(who.RFHash != "" && who.RFHash == c.RFHash)
		if match {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memAppointments) Reserve(_ context.Context, a *Appointment, capacity int) error {
	m.mu.Lock()
	if m.conflictTimes > 0 {
		m.conflictTimes--
		err := m.conflictErr
		m.mu.Unlock()
		return err
	}
	var taken []int32
	for _, r := range m.rows {
		if sameSlot(r, a) {
			taken = append(taken, int32(r.SlotOrdinal))
		}
	}
	m.mu.Unlock()

	ordinal := lowestFree(taken, capacity)
	if ordinal == 0 {
		return ErrSlotFull
	}
	if m.beforeInsert != nil {
		m.beforeInsert()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if sameSlot(r, a) && r.SlotOrdinal == ordinal {
			return ErrSlotConflict
		}
	}
	if m.codes[a.ValidationCode] {
		return ErrCodeConflict
	}
	a.SlotOrdinal = ordinal
	cp := *a
	m.rows[a.ID] = &cp
	m.codes[a.ValidationCode] = true
	return nil
}

func sameSlot(r, a *Appointment) bool {
	return r.Status != StatusCancelled && r.CalendarID == a.CalendarID &&
		dateKey(r.Date) == dateKey(a.Date) && r.Start == a.Start
}

func (m *memAppointments) get(match func(*Appointment) bool) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if match(a) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return m.get(func(a *Appointment) bool { return a.ID == id })
}

func (m *memAppointments) GetByValidationCode(_ context.Context, code string) (*Appointment, error) {
	return m.get(func(a *Appointment) bool { return a.ValidationCode == code })
}

func (m *memAppointments) GetByToken(_ context.Context, token string) (*Appointment, error) {
	return m.get(func(a *Appointment) bool { return a.ConfirmationToken == token })
}

func (m *memAppointments) UpdateStatus(_ context.Context, u StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[u.ID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range u.From {
		if a.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	at := u.At
	a.Status = u.To
	a.UpdatedAt = at
	switch u.To {
	case StatusConfirmed:
		a.ApprovedAt, a.ApprovedBy = &at, u.By
	case StatusCancelled:
		a.CancelledAt, a.CancelledBy, a.CancellationReason = &at, u.By, u.Reason
	case StatusCompleted, StatusNoShow:
		a.ReconciledAt, a.ReconciledBy = &at, u.By
	}
	return true, nil
}

func (m *memAppointments) ListDueReminders(_ context.Context, from, to time.Time) ([]*Appointment, error) {
	var out []*Appointment
	for _, a := range m.all() {
		k := dateKey(a.Date)
		if a.Status == StatusConfirmed && a.ReminderSentAt == nil && k >= dateKey(from) && k <= dateKey(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAppointments) MarkReminderSent(_ context.Context, id uuid.UUID, t time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ReminderSentAt != nil {
		return false, nil
	}
	a.ReminderSentAt = &t
	return true, nil
}

func (m *memAppointments) ListContacts(_ context.Context, after uuid.UUID, limit int) ([]*Appointment, error) {
	var out []*Appointment
	for _, a := range m.all() {
		if bytes.Compare(a.ID[:], after[:]) > 0 {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memAppointments) UpdateContact(_ context.Context, id uuid.UUID, c SealedContact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	a.Contact = c
	return nil
}

// -- events --

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeSink) Enqueue(e events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return true
}

func (f *fakeSink) types() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Type, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

// -- wiring --

var testKey = bytes.Repeat([]byte{0x42}, 32)

func newTestCodec(t *testing.T) *pii.Codec {
	t.Helper()
	enc, err := pii.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	return pii.NewCodec(enc, []byte("test-hash-secret"), zerolog.Nop())
}

type harness struct {
	cals   *memCalendars
	blocks *memBlocks
	appts  *memAppointments
	sink   *fakeSink
	codec  *pii.Codec
	svc    *Service
}

type harnessOption func(*Options)

func withCodec(c *pii.Codec) harnessOption { return func(o *Options) { o.Codec = c } }

func withRetries(n int) harnessOption { return func(o *Options) { o.ConflictRetries = n } }

func withLogger(l zerolog.Logger) harnessOption { return func(o *Options) { o.Logger = l } }

func newHarness(t *testing.T, now time.Time, cals []*Calendar, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		cals:   newMemCalendars(cals...),
		blocks: &memBlocks{},
		appts:  newMemAppointments(),
		sink:   &fakeSink{},
		codec:  newTestCodec(t),
	}
	o := Options{
		Calendars:       h.cals,
		BlockedDates:    h.blocks,
		Appointments:    h.appts,
		Codec:           h.codec,
		Events:          h.sink,
		Location:        testLoc,
		Now:             fixedNow(now),
		ConflictRetries: 5,
		Logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.codec = o.Codec
	o.Codes = codes.NewGenerator(zerolog.Nop(), []codes.Checker{
		{Space: codes.SpaceAppointment, Exists: h.appts.codeExists},
	})
	h.svc = NewService(o)
	return h
}

// booking returns a valid request for the slot.
func booking(d time.Time, start, end TimeOfDay, email string) BookingRequest {
	return BookingRequest{
		Date:  d,
		Start: start,
		End:   end,
		Contact: ContactData{
			Name:  "Maria Souza",
			Email: email,
		},
		Consent:     true,
		ConsentText: "I agree to the processing of my data.",
		UserIP:      "192.0.2.10",
	}
}

// seed stores an appointment directly, bypassing the rules.
func (h *harness) seed(t *testing.T, cal *Calendar, start time.Time, status AppointmentStatus, mutate ...func(*Appointment)) *Appointment {
	t.Helper()
	local := start.In(testLoc)
	a := &Appointment{
		ID:                uuid.New(),
		CalendarID:        cal.ID,
		Date:              Day(local, testLoc),
		Start:             hm(local.Hour(), local.Minute()),
		End:               hm(local.Hour(), local.Minute()) + TimeOfDay(cal.SlotDuration),
		SlotOrdinal:       1,
		Status:            status,
		ConfirmationToken: uuid.NewString(),
		ValidationCode:    uuid.NewString()[:12],
	}
	for _, fn := range mutate {
		fn(a)
	}
	h.appts.put(a)
	return a
}
