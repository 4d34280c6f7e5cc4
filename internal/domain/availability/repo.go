package availability

import (
	"context"

	"github.com/google/uuid"
)

type CalendarRepository interface {
	// Get returns ErrNotFound when the doctor has no calendar.
	Get(ctx context.Context, doctorID uuid.UUID) (*Calendar, error)
	Upsert(ctx context.Context, c *Calendar) error
}

type ExceptionRepository interface {
	Create(ctx context.Context, e *Exception) error
	GetByID(ctx context.Context, id uuid.UUID) (*Exception, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByDate(ctx context.Context, doctorID uuid.UUID, date Date) (int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Exception, error)
	ListByDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Exception, error)
}

// AppointmentFilter narrows an appointment search. Zero fields are ignored.
type AppointmentFilter struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      *Date
	Status    Status
}

type AppointmentRepository interface {
	// Create returns ErrSlotUnavailable if a live appointment already starts
	// at the same doctor, date and time.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error)
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

// Transactor runs fn as one atomic unit while holding the (doctor, date)
// locks for every date given. Repositories called with the ctx passed to fn
// take part in the same transaction.
type Transactor interface {
	WithinDayLock(ctx context.Context, doctorID uuid.UUID, dates []Date, fn func(ctx context.Context) error) error
}

// Repositories bundles the storage the service depends on.
type Repositories struct {
	Calendars    CalendarRepository
	Exceptions   ExceptionRepository
	Appointments AppointmentRepository
	Tx           Transactor
}

func dayLockKeys(doctorID uuid.UUID, dates []Date) []string {
	keys := make([]string, 0, len(dates))
	for _, d := range dates {
		keys = append(keys, "availability:"+doctorID.String()+":"+d.String())
	}
	return keys
}
