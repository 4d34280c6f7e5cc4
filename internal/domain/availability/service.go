package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/scheduler/internal/platform/events"
	"github.com/hms/scheduler/internal/platform/idempotency"
)

// Event types published after a committed change.
const (
	EventBooked      = "booked"
	EventRescheduled = "rescheduled"
	EventCancelled   = "cancelled"
	EventCheckedIn   = "checked-in"
	EventCompleted   = "completed"
)

// Service coordinates calendars, exceptions and appointments. Every write
// that can affect slot availability runs inside Transactor.WithinDayLock and
// re-derives the slots before it commits.
type Service struct {
	calendars    CalendarRepository
	exceptions   ExceptionRepository
	appointments AppointmentRepository
	tx           Transactor
	idem         idempotency.Store
	events       events.Publisher
	logger       zerolog.Logger
	now          func() time.Time
	loc          *time.Location
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithIdempotencyStore(store idempotency.Store) Option {
	return func(s *Service) { s.idem = store }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(repos Repositories, opts ...Option) *Service {
	s := &Service{
		calendars:    repos.Calendars,
		exceptions:   repos.Exceptions,
		appointments: repos.Appointments,
		tx:           repos.Tx,
		idem:         idempotency.NewMemoryStore(24 * time.Hour),
		logger:       zerolog.Nop(),
		now:          time.Now,
		loc:          time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = events.NewLogPublisher(s.logger)
	}
	s.logger = s.logger.With().Str("component", "availability").Logger()
	return s
}

func (s *Service) clock() time.Time { return s.now().In(s.loc) }

// -- Calendar --

func (s *Service) GetCalendar(ctx context.Context, doctorID uuid.UUID) (*Calendar, error) {
	return s.calendars.Get(ctx, doctorID)
}

// calendarOrNew returns the stored calendar or a fresh one with default
// preferences and an empty template.
func (s *Service) calendarOrNew(ctx context.Context, doctorID uuid.UUID) (*Calendar, error) {
	cal, err := s.calendars.Get(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return &Calendar{DoctorID: doctorID, Template: WeeklyTemplate{Days: []DayConfig{}}, Preferences: DefaultPreferences()}, nil
	}
	return cal, err
}

// PutWeeklyTemplate replaces the doctor's weekly template, creating the
// calendar on first use.
func (s *Service) PutWeeklyTemplate(ctx context.Context, doctorID uuid.UUID, t WeeklyTemplate) (*Calendar, error) {
	if doctorID == uuid.Nil {
		return nil, validationErrorf("doctor_id is required")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cal, err := s.calendarOrNew(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	cal.Template = t
	if err := s.calendars.Upsert(ctx, cal); err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Int("days", len(t.Days)).Msg("weekly template updated")
	return cal, nil
}

// PutPreferences replaces the doctor's booking policy.
func (s *Service) PutPreferences(ctx context.Context, doctorID uuid.UUID, p Preferences) (*Calendar, error) {
	if doctorID == uuid.Nil {
		return nil, validationErrorf("doctor_id is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cal, err := s.calendarOrNew(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	cal.Preferences = p
	if err := s.calendars.Upsert(ctx, cal); err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).
		Int("max_per_day", p.MaxAppointmentsPerDay).
		Bool("online", p.AllowOnlineBooking).
		Msg("preferences updated")
	return cal, nil
}

// -- Exceptions --

// AddException records a dated override. A full-day entry replaces every
// other entry on its date.
func (s *Service) AddException(ctx context.Context, doctorID uuid.UUID, e *Exception) (*Exception, error) {
	e.DoctorID = doctorID
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.calendars.Get(ctx, doctorID); err != nil {
		return nil, err
	}

	err := s.tx.WithinDayLock(ctx, doctorID, []Date{e.Date}, func(ctx context.Context) error {
		if e.IsFullDay {
			n, err := s.exceptions.DeleteByDate(ctx, doctorID, e.Date)
			if err != nil {
				return err
			}
			if n > 0 {
				s.logger.Info().Str("doctor_id", doctorID.String()).Str("date", e.Date.String()).
					Int("replaced", n).Msg("full-day exception supersedes existing entries")
			}
		}
		e.ID = uuid.New()
		e.CreatedAt = s.now().UTC()
		return s.exceptions.Create(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Str("exception_id", e.ID.String()).
		Str("date", e.Date.String()).Bool("full_day", e.IsFullDay).Msg("exception added")
	return e, nil
}

// RemoveException deletes an exception owned by the doctor.
func (s *Service) RemoveException(ctx context.Context, doctorID, exceptionID uuid.UUID) error {
	e, err := s.exceptions.GetByID(ctx, exceptionID)
	if err != nil {
		return err
	}
	if e.DoctorID != doctorID {
		return notFoundErrorf("exception %s", exceptionID)
	}
	err = s.tx.WithinDayLock(ctx, doctorID, []Date{e.Date}, func(ctx context.Context) error {
		return s.exceptions.Delete(ctx, exceptionID)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Str("exception_id", exceptionID.String()).Msg("exception removed")
	return nil
}

// ListExceptions returns every exception of the doctor, or only those on
// date when it is given.
func (s *Service) ListExceptions(ctx context.Context, doctorID uuid.UUID, date *Date) ([]*Exception, error) {
	if _, err := s.calendars.Get(ctx, doctorID); err != nil {
		return nil, err
	}
	var (
		items []*Exception
		err   error
	)
	if date != nil {
		items, err = s.exceptions.ListByDate(ctx, doctorID, *date)
	} else {
		items, err = s.exceptions.ListByDoctor(ctx, doctorID)
	}
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Exception{}
	}
	return items, nil
}

// -- Availability --

// Availability returns the bookable slots of doctorID on date.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, date Date) ([]Slot, error) {
	cal, err := s.calendars.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return s.slotsFor(ctx, cal, date, uuid.Nil)
}

// slotsFor derives the slots of date, ignoring the appointment with id
// exclude so it can be moved within its own day.
func (s *Service) slotsFor(ctx context.Context, cal *Calendar, date Date, exclude uuid.UUID) ([]Slot, error) {
	exceptions, err := s.exceptions.ListByDate(ctx, cal.DoctorID, date)
	if err != nil {
		return nil, err
	}
	appts, err := s.appointments.ListByDoctorDate(ctx, cal.DoctorID, date)
	if err != nil {
		return nil, err
	}
	if exclude != uuid.Nil {
		kept := appts[:0]
		for _, a := range appts {
			if a.ID != exclude {
				kept = append(kept, a)
			}
		}
		appts = kept
	}
	return GenerateSlots(SlotQuery{
		Date:         date,
		Template:     cal.Template,
		Preferences:  cal.Preferences,
		Exceptions:   exceptions,
		Appointments: appts,
		Now:          s.clock(),
	}), nil
}

// -- Appointments --

// BookRequest describes a booking. Online marks a self-service booking made
// by the patient, which the doctor's preferences may forbid.
type BookRequest struct {
	DoctorID       uuid.UUID
	PatientID      uuid.UUID
	Date           Date
	Time           Clock
	Reason         string
	Online         bool
	IdempotencyKey string
}

func (r BookRequest) validate() error {
	if r.DoctorID == uuid.Nil {
		return validationErrorf("doctor_id is required")
	}
	if r.PatientID == uuid.Nil {
		return validationErrorf("patient_id is required")
	}
	if r.Date.IsZero() {
		return validationErrorf("date is required")
	}
	if r.IdempotencyKey != "" {
		if err := idempotency.ValidateKey(r.IdempotencyKey); err != nil {
			return validationErrorf("%v", err)
		}
	}
	return nil
}

// scopedKey binds the client's idempotency key to the doctor, patient and
// day of the booking. Every scoped key is therefore only ever checked under
// one day lock.
func (r BookRequest) scopedKey() string {
	if r.IdempotencyKey == "" {
		return ""
	}
	return idempotency.ScopedKey(r.IdempotencyKey, r.DoctorID.String(), r.PatientID.String(), r.Date.String())
}

// Book claims the slot starting at req.Time. The slot is re-derived inside
// the day lock, so two concurrent calls for one slot yield exactly one
// appointment. A repeated idempotency key returns the original appointment.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		appt     *Appointment
		replayed bool
		key      = req.scopedKey()
	)
	err := s.tx.WithinDayLock(ctx, req.DoctorID, []Date{req.Date}, func(ctx context.Context) error {
		if key != "" {
			prior, err := s.replay(ctx, key, req)
			if err != nil {
				return err
			}
			if prior != nil {
				appt, replayed = prior, true
				return nil
			}
		}

		cal, err := s.calendars.Get(ctx, req.DoctorID)
		if err != nil {
			return err
		}
		if req.Online && !cal.Preferences.AllowOnlineBooking {
			return slotUnavailableErrorf("doctor %s does not accept online bookings", req.DoctorID)
		}
		slots, err := s.slotsFor(ctx, cal, req.Date, uuid.Nil)
		if err != nil {
			return err
		}
		slot, ok := findSlot(slots, req.Time)
		if !ok {
			return slotUnavailableErrorf("%s %s is not available", req.Date, req.Time)
		}

		now := s.now().UTC()
		appt = &Appointment{
			ID:              uuid.New(),
			DoctorID:        req.DoctorID,
			PatientID:       req.PatientID,
			Date:            req.Date,
			Time:            slot.StartTime,
			DurationMinutes: int(slot.EndTime - slot.StartTime),
			Status:          StatusScheduled,
			Reason:          req.Reason,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.appointments.Create(ctx, appt); err != nil {
			return err
		}
		if key != "" {
			return s.idem.Remember(ctx, key, appt.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		s.logger.Info().Str("appointment_id", appt.ID.String()).Msg("idempotent booking replayed")
		return appt, nil
	}
	s.logger.Info().Str("appointment_id", appt.ID.String()).Str("doctor_id", appt.DoctorID.String()).
		Str("date", appt.Date.String()).Str("time", appt.Time.String()).Msg("appointment booked")
	s.publish(ctx, EventBooked, appt)
	return appt, nil
}

// replay returns the appointment an idempotency key already produced. A key
// whose appointment no longer exists, or belongs to another doctor or
// patient, is treated as unused.
func (s *Service) replay(ctx context.Context, key string, req BookRequest) (*Appointment, error) {
	id, ok, err := s.idem.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	appt, err := s.appointments.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if appt.DoctorID != req.DoctorID || appt.PatientID != req.PatientID {
		return nil, nil
	}
	return appt, nil
}

// Reschedule moves a scheduled appointment to another slot. The id is kept
// and the previous date and time are recorded on the appointment. Both days
// are locked for the duration of the move.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, date Date, at Clock) (*Appointment, error) {
	if date.IsZero() {
		return nil, validationErrorf("date is required")
	}
	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.tx.WithinDayLock(ctx, current.DoctorID, []Date{current.Date, date}, func(ctx context.Context) error {
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusScheduled {
			return errInvalidTransition(a, "rescheduled")
		}
		if a.Date.Equal(date.Time) && a.Time == at {
			return validationErrorf("appointment %s is already at %s %s", a.ID, date, at)
		}
		cal, err := s.calendars.Get(ctx, a.DoctorID)
		if err != nil {
			return err
		}
		slots, err := s.slotsFor(ctx, cal, date, a.ID)
		if err != nil {
			return err
		}
		slot, ok := findSlot(slots, at)
		if !ok {
			return slotUnavailableErrorf("%s %s is not available", date, at)
		}

		fromDate, fromTime := a.Date, a.Time
		a.RescheduledFromDate, a.RescheduledFromTime = &fromDate, &fromTime
		a.Date = date
		a.Time = slot.StartTime
		a.DurationMinutes = int(slot.EndTime - slot.StartTime)
		a.UpdatedAt = s.now().UTC()
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).
		Str("from", appt.RescheduledFromDate.String()+" "+appt.RescheduledFromTime.String()).
		Str("to", appt.Date.String()+" "+appt.Time.String()).Msg("appointment rescheduled")
	s.publish(ctx, EventRescheduled, appt)
	return appt, nil
}

// Cancel frees the appointment's slot. The record is kept.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return s.changeStatus(ctx, id, StatusCancelled, EventCancelled, func(a *Appointment) {
		if reason != "" {
			a.CancellationReason = &reason
		}
	})
}

func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.changeStatus(ctx, id, StatusCheckedIn, EventCheckedIn, nil)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.changeStatus(ctx, id, StatusCompleted, EventCompleted, nil)
}

func (s *Service) changeStatus(ctx context.Context, id uuid.UUID, to Status, event string, mutate func(*Appointment)) (*Appointment, error) {
	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.tx.WithinDayLock(ctx, current.DoctorID, []Date{current.Date}, func(ctx context.Context) error {
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := a.transition(to); err != nil {
			return err
		}
		if mutate != nil {
			mutate(a)
		}
		a.UpdatedAt = s.now().UTC()
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).Str("status", string(appt.Status)).Msg("appointment status changed")
	s.publish(ctx, event, appt)
	return appt, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.appointments.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Appointment{}
	}
	return items, total, nil
}

// publish emits a lifecycle event. The change is already committed, so a
// failure is only logged.
func (s *Service) publish(ctx context.Context, eventType string, a *Appointment) {
	e := events.Event{
		Type:       eventType,
		Key:        a.ID.String(),
		Payload:    a,
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Str("event", eventType).Msg("publish appointment event")
	}
}
