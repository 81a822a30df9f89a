package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ffcertificate/scheduler/internal/platform/db"
)

const (
	slotOccupantKey   = "appointments_slot_occupant_key"
	validationCodeKey = "appointments_validation_code_key"
	microsPerMinute   = int64(time.Minute / time.Microsecond)
)

func pgTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * microsPerMinute, Valid: true}
}

func pgOptTime(t *TimeOfDay) pgtype.Time {
	if t == nil {
		return pgtype.Time{}
	}
	return pgTime(*t)
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / microsPerMinute)
}

// Store bundles the PostgreSQL repositories over one pool.
type Store struct {
	Calendars    CalendarRepository
	BlockedDates BlockedDateRepository
	Appointments AppointmentRepository

	pool *pgxpool.Pool
}

// NewStore returns repositories that read DATE columns as days in loc.
func NewStore(pool *pgxpool.Pool, loc *time.Location) *Store {
	return &Store{
		Calendars:    NewCalendarRepoPG(pool),
		BlockedDates: NewBlockedDateRepoPG(pool, loc),
		Appointments: NewAppointmentRepoPG(pool, loc),
		pool:         pool,
	}
}

// InTx runs fn in a transaction that every repository of the store joins.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, pgx.TxOptions{}, func(ctx context.Context, _ pgx.Tx) error {
		return fn(ctx)
	})
}

// -- Calendars --

type calendarRepoPG struct{ pool *pgxpool.Pool }

func NewCalendarRepoPG(pool *pgxpool.Pool) CalendarRepository {
	return &calendarRepoPG{pool: pool}
}

func (r *calendarRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const calCols = `id, title, description, slot_duration_minutes, slot_interval_minutes,
	slots_per_day, max_appointments_per_slot, advance_booking_min_hours,
	advance_booking_max_days, allow_cancellation, cancellation_min_hours,
	minimum_interval_hours, requires_approval, restrict_to_working_hours,
	status, created_at, updated_at`

func (r *calendarRepoPG) scanCal(row pgx.Row) (*Calendar, error) {
	var c Calendar
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.SlotDuration, &c.SlotInterval,
		&c.SlotsPerDay, &c.MaxPerSlot, &c.MinAdvanceHours,
		&c.MaxAdvanceDays, &c.AllowCancellation, &c.CancellationMinHours,
		&c.MinIntervalHours, &c.RequiresApproval, &c.RestrictToWorkingHours,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *calendarRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Calendar, error) {
	c, err := r.scanCal(r.conn(ctx).QueryRow(ctx, `SELECT `+calCols+` FROM calendars WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadHours(ctx, []*Calendar{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *calendarRepoPG) List(ctx context.Context, status CalendarStatus) ([]*Calendar, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+calCols+` FROM calendars
		WHERE $1 = '' OR status = $1 ORDER BY title, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Calendar
	for rows.Next() {
		c, err := r.scanCal(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadHours(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *calendarRepoPG) loadHours(ctx context.Context, cals []*Calendar) error {
	if len(cals) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Calendar, len(cals))
	ids := make([]uuid.UUID, 0, len(cals))
	for _, c := range cals {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT calendar_id, weekday, start_time, end_time
		FROM calendar_working_hours
		WHERE calendar_id = ANY($1)
		ORDER BY calendar_id, weekday, start_time`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			calID      uuid.UUID
			weekday    int16
			start, end pgtype.Time
		)
		if err := rows.Scan(&calID, &weekday, &start, &end); err != nil {
			return err
		}
		c := byID[calID]
		c.WorkingHours = append(c.WorkingHours, WorkingHour{
			Weekday: time.Weekday(weekday),
			Start:   fromPGTime(start),
			End:     fromPGTime(end),
		})
	}
	return rows.Err()
}

func (r *calendarRepoPG) Upsert(ctx context.Context, c *Calendar) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO calendars (id, title, description, slot_duration_minutes, slot_interval_minutes,
				slots_per_day, max_appointments_per_slot, advance_booking_min_hours,
				advance_booking_max_days, allow_cancellation, cancellation_min_hours,
				minimum_interval_hours, requires_approval, restrict_to_working_hours, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				slot_duration_minutes = EXCLUDED.slot_duration_minutes,
				slot_interval_minutes = EXCLUDED.slot_interval_minutes,
				slots_per_day = EXCLUDED.slots_per_day,
				max_appointments_per_slot = EXCLUDED.max_appointments_per_slot,
				advance_booking_min_hours = EXCLUDED.advance_booking_min_hours,
				advance_booking_max_days = EXCLUDED.advance_booking_max_days,
				allow_cancellation = EXCLUDED.allow_cancellation,
				cancellation_min_hours = EXCLUDED.cancellation_min_hours,
				minimum_interval_hours = EXCLUDED.minimum_interval_hours,
				requires_approval = EXCLUDED.requires_approval,
				restrict_to_working_hours = EXCLUDED.restrict_to_working_hours,
				status = EXCLUDED.status,
				updated_at = NOW()
			RETURNING created_at, updated_at`,
			c.ID, c.Title, c.Description, c.SlotDuration, c.SlotInterval,
			c.SlotsPerDay, c.MaxPerSlot, c.MinAdvanceHours,
			c.MaxAdvanceDays, c.AllowCancellation, c.CancellationMinHours,
			c.MinIntervalHours, c.RequiresApproval, c.RestrictToWorkingHours, c.Status,
		).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert calendar: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM calendar_working_hours WHERE calendar_id = $1`, c.ID); err != nil {
			return fmt.Errorf("clear working hours: %w", err)
		}
		for _, wh := range c.WorkingHours {
			_, err := tx.Exec(ctx, `
				INSERT INTO calendar_working_hours (calendar_id, weekday, start_time, end_time)
				VALUES ($1, $2, $3, $4)`,
				c.ID, int16(wh.Weekday), pgTime(wh.Start), pgTime(wh.End))
			if err != nil {
				return fmt.Errorf("insert working hours: %w", err)
			}
		}
		return nil
	})
}

// -- Blocked dates --

type blockedDateRepoPG struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

func NewBlockedDateRepoPG(pool *pgxpool.Pool, loc *time.Location) BlockedDateRepository {
	return &blockedDateRepoPG{pool: pool, loc: loc}
}

func (r *blockedDateRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

func (r *blockedDateRepoPG) ListBlockedDates(ctx context.Context, calendarID uuid.UUID, from, to time.Time) ([]*BlockedDate, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, calendar_id, kind, start_date, end_date, start_time, end_time, recurrence, reason
		FROM blocked_dates
		WHERE (calendar_id = $1 OR calendar_id IS NULL)
		  AND start_date <= $3
		  AND COALESCE(end_date,
		      CASE WHEN kind = 'recurring' THEN 'infinity'::date ELSE start_date END) >= $2
		ORDER BY start_date, id`, calendarID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*BlockedDate
	for rows.Next() {
		var (
			raw        BlockedDate
			endDate    pgtype.Date
			start, end pgtype.Time
		)
		if err := rows.Scan(&raw.ID, &raw.CalendarID, &raw.Kind, &raw.StartDate, &endDate,
			&start, &end, &raw.Recurrence, &raw.Reason); err != nil {
			return nil, err
		}
		raw.StartDate = CivilDay(raw.StartDate, r.loc)
		if endDate.Valid {
			d := CivilDay(endDate.Time, r.loc)
			raw.EndDate = &d
		}
		if start.Valid && end.Valid {
			s, e := fromPGTime(start), fromPGTime(end)
			raw.StartTime, raw.EndTime = &s, &e
		}
		b, err := NewBlockedDate(raw)
		if err != nil {
			return nil, fmt.Errorf("blocked date %s: %w", raw.ID, err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *blockedDateRepoPG) Create(ctx context.Context, b *BlockedDate) error {
	var end pgtype.Date
	if b.EndDate != nil {
		end = pgtype.Date{Time: *b.EndDate, Valid: true}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO blocked_dates (id, calendar_id, kind, start_date, end_date,
			start_time, end_time, recurrence, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.CalendarID, b.Kind, b.StartDate, end,
		pgOptTime(b.StartTime), pgOptTime(b.EndTime), b.Recurrence, b.Reason)
	return err
}

func (r *blockedDateRepoPG) DeleteForCalendar(ctx context.Context, calendarID *uuid.UUID) error {
	if calendarID == nil {
		_, err := r.conn(ctx).Exec(ctx, `DELETE FROM blocked_dates WHERE calendar_id IS NULL`)
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM blocked_dates WHERE calendar_id = $1`, *calendarID)
	return err
}

// -- Appointments --

type appointmentRepoPG struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

func NewAppointmentRepoPG(pool *pgxpool.Pool, loc *time.Location) AppointmentRepository {
	return &appointmentRepoPG{pool: pool, loc: loc}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const contactCols = `name, name_encrypted, email, email_encrypted, email_hash,
	phone, phone_encrypted, cpf, cpf_encrypted, cpf_hash,
	rf, rf_encrypted, rf_hash, user_ip, user_ip_encrypted, custom_data_encrypted`

const apptCols = `id, calendar_id, user_id, appointment_date, start_time, end_time,
	slot_ordinal, status, ` + contactCols + `, user_agent,
	consent_given, consent_date, consent_text, confirmation_token, validation_code,
	approved_at, approved_by, cancelled_at, cancelled_by, cancellation_reason,
	reconciled_at, reconciled_by, reminder_sent_at, created_at, updated_at`

func contactArgs(c *SealedContact) []any {
	return []any{c.Name, c.NameEncrypted, c.Email, c.EmailEncrypted, c.EmailHash,
		c.Phone, c.PhoneEncrypted, c.CPF, c.CPFEncrypted, c.CPFHash,
		c.RF, c.RFEncrypted, c.RFHash, c.UserIP, c.UserIPEncrypted, c.CustomDataEncrypted}
}

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		start, end pgtype.Time
	)
	c := &a.Contact
	err := row.Scan(&a.ID, &a.CalendarID, &a.UserID, &a.Date, &start, &end,
		&a.SlotOrdinal, &a.Status,
		&c.Name, &c.NameEncrypted, &c.Email, &c.EmailEncrypted, &c.EmailHash,
		&c.Phone, &c.PhoneEncrypted, &c.CPF, &c.CPFEncrypted, &c.CPFHash,
		&c.RF, &c.RFEncrypted, &c.RFHash, &c.UserIP, &c.UserIPEncrypted, &c.CustomDataEncrypted,
		&a.UserAgent,
		&a.Consent.Given, &a.Consent.At, &a.Consent.Text, &a.ConfirmationToken, &a.ValidationCode,
		&a.ApprovedAt, &a.ApprovedBy, &a.CancelledAt, &a.CancelledBy, &a.CancellationReason,
		&a.ReconciledAt, &a.ReconciledBy, &a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Date = CivilDay(a.Date, r.loc)
	a.Start, a.End = fromPGTime(start), fromPGTime(end)
	return &a, nil
}

func (r *appointmentRepoPG) list(ctx context.Context, sql string, args ...any) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetByValidationCode(ctx context.Context, code string) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE validation_code = $1`, code))
}

func (r *appointmentRepoPG) GetByToken(ctx context.Context, token string) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE confirmation_token = $1`, token))
}

func (r *appointmentRepoPG) OccupancyByDay(ctx context.Context, calendarID uuid.UUID, day time.Time) (map[TimeOfDay]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT start_time, COUNT(*)
		FROM appointments
		WHERE calendar_id = $1 AND appointment_date = $2 AND status <> 'cancelled'
		GROUP BY start_time`, calendarID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[TimeOfDay]int{}
	for rows.Next() {
		var (
			start pgtype.Time
			n     int
		)
		if err := rows.Scan(&start, &n); err != nil {
			return nil, err
		}
		out[fromPGTime(start)] = n
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) ListForRequester(ctx context.Context, calendarID uuid.UUID, who Requester, from, to time.Time) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE calendar_id = $1
		  AND status <> 'cancelled'
		  AND appointment_date BETWEEN $2 AND $3
		  AND (user_id = $4
		       OR ($5 <> '' AND email_hash = $5)
		       OR ($6 <> '' AND cpf_hash = $6)
		       OR ($7 <> '' AND rf_hash = $7))
		ORDER BY appointment_date, start_time`,
		calendarID, from, to, who.UserID, who.EmailHash, who.CPFHash, who.RFHash)
}

// Reserve claims the lowest free capacity unit of the slot and inserts a.
// Two concurrent reservations that read the same free unit collide on
// appointments_slot_occupant_key; the loser gets ErrSlotConflict.
func (r *appointmentRepoPG) Reserve(ctx context.Context, a *Appointment, capacity int) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT slot_ordinal FROM appointments
			WHERE calendar_id = $1 AND appointment_date = $2 AND start_time = $3
			  AND status <> 'cancelled'`,
			a.CalendarID, a.Date, pgTime(a.Start))
		if err != nil {
			return err
		}
		taken, err := pgx.CollectRows(rows, pgx.RowTo[int32])
		if err != nil {
			return err
		}
		ordinal := lowestFree(taken, capacity)
		if ordinal == 0 {
			return ErrSlotFull
		}
		a.SlotOrdinal = ordinal

		args := []any{a.ID, a.CalendarID, a.UserID, a.Date, pgTime(a.Start), pgTime(a.End),
			a.SlotOrdinal, a.Status}
		args = append(args, contactArgs(&a.Contact)...)
		args = append(args, a.UserAgent, a.Consent.Given, a.Consent.At, a.Consent.Text,
			a.ConfirmationToken, a.ValidationCode, a.CreatedAt, a.UpdatedAt)
		_, err = tx.Exec(ctx, `
			INSERT INTO appointments (id, calendar_id, user_id, appointment_date, start_time, end_time,
				slot_ordinal, status, `+contactCols+`, user_agent,
				consent_given, consent_date, consent_text, confirmation_token, validation_code,
				created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,
				$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,
				$25,$26,$27,$28,$29,$30,$31,$32)`, args...)
		switch {
		case err == nil:
			return nil
		case db.IsUniqueViolation(err, slotOccupantKey):
			return ErrSlotConflict
		case db.IsUniqueViolation(err, validationCodeKey):
			return ErrCodeConflict
		}
		return err
	})
}

// lowestFree returns the smallest ordinal in 1..capacity not in taken, or 0
// once taken already holds capacity occupants.
func lowestFree(taken []int32, capacity int) int {
	if len(taken) >= capacity {
		return 0
	}
	used := make(map[int]bool, len(taken))
	for _, o := range taken {
		used[int(o)] = true
	}
	for o := 1; o <= capacity; o++ {
		if !used[o] {
			return o
		}
	}
	return 0
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	from := make([]string, len(u.From))
	for i, s := range u.From {
		from[i] = string(s)
	}
	args := []any{u.ID, from, u.To, u.At}
	set := ""
	switch u.To {
	case StatusConfirmed:
		set = ", approved_at = $4, approved_by = $5"
		args = append(args, u.By)
	case StatusCancelled:
		set = ", cancelled_at = $4, cancelled_by = $5, cancellation_reason = $6"
		args = append(args, u.By, u.Reason)
	case StatusCompleted, StatusNoShow:
		set = ", reconciled_at = $4, reconciled_by = $5"
		args = append(args, u.By)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = $3, updated_at = $4`+set+`
		WHERE id = $1 AND status = ANY($2)`, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) ListDueReminders(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE status = 'confirmed' AND reminder_sent_at IS NULL
		  AND appointment_date BETWEEN $1 AND $2
		ORDER BY appointment_date, start_time`, from, to)
}

func (r *appointmentRepoPG) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET reminder_sent_at = $2
		WHERE id = $1 AND reminder_sent_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) ListContacts(ctx context.Context, after uuid.UUID, limit int) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
}

func (r *appointmentRepoPG) UpdateContact(ctx context.Context, id uuid.UUID, c SealedContact) error {
	args := append([]any{id}, contactArgs(&c)...)
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET
			name = $2, name_encrypted = $3, email = $4, email_encrypted = $5, email_hash = $6,
			phone = $7, phone_encrypted = $8, cpf = $9, cpf_encrypted = $10, cpf_hash = $11,
			rf = $12, rf_encrypted = $13, rf_hash = $14, user_ip = $15, user_ip_encrypted = $16,
			custom_data_encrypted = $17, updated_at = NOW()
		WHERE id = $1`, args...)
	return err
}
