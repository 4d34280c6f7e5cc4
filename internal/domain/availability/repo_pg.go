package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/scheduler/internal/platform/db"
)

const pgUniqueViolation = "23505"

// NewPGRepositories returns Postgres-backed repositories. WithinDayLock opens
// a transaction and takes one advisory lock per (doctor, date).
func NewPGRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Calendars:    &calendarRepoPG{pool: pool},
		Exceptions:   &exceptionRepoPG{pool: pool},
		Appointments: &appointmentRepoPG{pool: pool},
		Tx:           &pgTransactor{pool: pool},
	}
}

// translate maps driver errors onto the engine's error kinds.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundErrorf("%s", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return slotUnavailableErrorf("%s conflicts with an existing booking", what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =========== Transactor ===========

type pgTransactor struct{ pool *pgxpool.Pool }

func (t *pgTransactor) WithinDayLock(ctx context.Context, doctorID uuid.UUID, dates []Date, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, func(ctx context.Context) error {
		if err := db.AdvisoryXactLock(ctx, db.Conn(ctx, t.pool), dayLockKeys(doctorID, dates)...); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// =========== Calendar Repository ===========

type calendarRepoPG struct{ pool *pgxpool.Pool }

func (r *calendarRepoPG) Get(ctx context.Context, doctorID uuid.UUID) (*Calendar, error) {
	var (
		c             Calendar
		tmpl, prefsJS []byte
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT doctor_id, weekly_template, preferences, created_at, updated_at
		FROM doctor_calendar WHERE doctor_id = $1`, doctorID).
		Scan(&c.DoctorID, &tmpl, &prefsJS, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, translate(err, "calendar for doctor "+doctorID.String())
	}
	if err := json.Unmarshal(tmpl, &c.Template); err != nil {
		return nil, fmt.Errorf("decode weekly template: %w", err)
	}
	c.Preferences = DefaultPreferences()
	if err := json.Unmarshal(prefsJS, &c.Preferences); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return &c, nil
}

func (r *calendarRepoPG) Upsert(ctx context.Context, c *Calendar) error {
	tmpl, err := json.Marshal(c.Template)
	if err != nil {
		return fmt.Errorf("encode weekly template: %w", err)
	}
	prefs, err := json.Marshal(c.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_calendar (doctor_id, weekly_template, preferences)
		VALUES ($1, $2, $3)
		ON CONFLICT (doctor_id) DO UPDATE
		SET weekly_template = EXCLUDED.weekly_template,
		    preferences = EXCLUDED.preferences,
		    updated_at = NOW()
		RETURNING created_at, updated_at`,
		c.DoctorID, string(tmpl), string(prefs)).Scan(&c.CreatedAt, &c.UpdatedAt)
	return translate(err, "upsert calendar")
}

// =========== Exception Repository ===========

type exceptionRepoPG struct{ pool *pgxpool.Pool }

const exceptionCols = `id, doctor_id, exception_date, type, reason, is_full_day, start_minute, end_minute, created_at`

func scanException(row pgx.Row) (*Exception, error) {
	var (
		e          Exception
		date       time.Time
		start, end *int16
	)
	if err := row.Scan(&e.ID, &e.DoctorID, &date, &e.Type, &e.Reason, &e.IsFullDay, &start, &end, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Date = DateOf(date)
	if start != nil {
		c := Clock(*start)
		e.StartTime = &c
	}
	if end != nil {
		c := Clock(*end)
		e.EndTime = &c
	}
	return &e, nil
}

func clockArg(c *Clock) interface{} {
	if c == nil {
		return nil
	}
	return int16(*c)
}

func (r *exceptionRepoPG) Create(ctx context.Context, e *Exception) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO schedule_exception (id, doctor_id, exception_date, type, reason, is_full_day, start_minute, end_minute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		e.ID, e.DoctorID, e.Date.Time, string(e.Type), e.Reason, e.IsFullDay,
		clockArg(e.StartTime), clockArg(e.EndTime)).Scan(&e.CreatedAt)
	return translate(err, "create exception")
}

func (r *exceptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Exception, error) {
	e, err := scanException(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+exceptionCols+` FROM schedule_exception WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "exception "+id.String())
	}
	return e, nil
}

func (r *exceptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM schedule_exception WHERE id = $1`, id)
	if err != nil {
		return translate(err, "delete exception")
	}
	if tag.RowsAffected() == 0 {
		return notFoundErrorf("exception %s", id)
	}
	return nil
}

func (r *exceptionRepoPG) DeleteByDate(ctx context.Context, doctorID uuid.UUID, date Date) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM schedule_exception WHERE doctor_id = $1 AND exception_date = $2`, doctorID, date.Time)
	if err != nil {
		return 0, translate(err, "delete exceptions by date")
	}
	return int(tag.RowsAffected()), nil
}

func (r *exceptionRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Exception, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err, "list exceptions")
	}
	defer rows.Close()
	var items []*Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, translate(err, "scan exception")
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *exceptionRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Exception, error) {
	return r.query(ctx, `SELECT `+exceptionCols+` FROM schedule_exception
		WHERE doctor_id = $1 ORDER BY exception_date, created_at`, doctorID)
}

func (r *exceptionRepoPG) ListByDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Exception, error) {
	return r.query(ctx, `SELECT `+exceptionCols+` FROM schedule_exception
		WHERE doctor_id = $1 AND exception_date = $2
		ORDER BY is_full_day DESC, start_minute NULLS FIRST`, doctorID, date.Time)
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

const apptCols = `id, doctor_id, patient_id, appointment_date, start_minute, duration_minutes, status,
	reason, cancellation_reason, rescheduled_from_date, rescheduled_from_minute, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		date       time.Time
		start, dur int16
		status     string
		fromDate   *time.Time
		fromMinute *int16
	)
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &date, &start, &dur, &status,
		&a.Reason, &a.CancellationReason, &fromDate, &fromMinute, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	a.Time = Clock(start)
	a.DurationMinutes = int(dur)
	a.Status = Status(status)
	if fromDate != nil {
		d := DateOf(*fromDate)
		a.RescheduledFromDate = &d
	}
	if fromMinute != nil {
		c := Clock(*fromMinute)
		a.RescheduledFromTime = &c
	}
	return &a, nil
}

func dateArg(d *Date) interface{} {
	if d == nil {
		return nil
	}
	return d.Time
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment (id, doctor_id, patient_id, appointment_date, start_minute, duration_minutes,
			status, reason, cancellation_reason, rescheduled_from_date, rescheduled_from_minute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.PatientID, a.Date.Time, int16(a.Time), int16(a.DurationMinutes),
		string(a.Status), a.Reason, a.CancellationReason, dateArg(a.RescheduledFromDate), clockArg(a.RescheduledFromTime)).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	return translate(err, "appointment at "+a.Date.String()+" "+a.Time.String())
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "appointment "+id.String())
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointment SET appointment_date = $2, start_minute = $3, duration_minutes = $4,
			status = $5, reason = $6, cancellation_reason = $7,
			rescheduled_from_date = $8, rescheduled_from_minute = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.Date.Time, int16(a.Time), int16(a.DurationMinutes), string(a.Status), a.Reason,
		a.CancellationReason, dateArg(a.RescheduledFromDate), clockArg(a.RescheduledFromTime)).
		Scan(&a.UpdatedAt)
	return translate(err, "appointment "+a.ID.String())
}

func (r *appointmentRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err, "list appointments")
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, translate(err, "scan appointment")
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2 ORDER BY start_minute`, doctorID, date.Time)
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.DoctorID != uuid.Nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, f.DoctorID)
		idx++
	}
	if f.PatientID != uuid.Nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.Date != nil {
		where += fmt.Sprintf(` AND appointment_date = $%d`, idx)
		args = append(args, f.Date.Time)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, translate(err, "count appointments")
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY appointment_date, start_minute LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	items, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
