package availability

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hms/scheduler/internal/platform/lock"
)

// NewMemoryRepositories returns process-local repositories. Day locks are
// held with a keyed mutex, so the double-booking guarantees match the
// Postgres store within a single process.
func NewMemoryRepositories() Repositories {
	return Repositories{
		Calendars:    &calendarRepoMemory{items: make(map[uuid.UUID]*Calendar)},
		Exceptions:   &exceptionRepoMemory{items: make(map[uuid.UUID]*Exception)},
		Appointments: &appointmentRepoMemory{items: make(map[uuid.UUID]*Appointment)},
		Tx:           &memoryTransactor{locks: lock.NewKeyedMutex()},
	}
}

// =========== Transactor ===========

type memoryTransactor struct{ locks *lock.KeyedMutex }

// undoLog collects compensating actions for writes made inside WithinDayLock.
// They run in reverse order when the callback fails, giving the memory store
// the same all-or-nothing outcome as a Postgres transaction.
type undoLog struct {
	mu    sync.Mutex
	steps []func()
}

type undoKey struct{}

// recordUndo registers a compensating action when ctx belongs to a day lock.
// Writes made outside a lock are not undoable.
func recordUndo(ctx context.Context, step func()) {
	if u, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		u.mu.Lock()
		u.steps = append(u.steps, step)
		u.mu.Unlock()
	}
}

func (u *undoLog) rollback() {
	u.mu.Lock()
	steps := u.steps
	u.steps = nil
	u.mu.Unlock()
	for i := len(steps) - 1; i >= 0; i-- {
		steps[i]()
	}
}

func (t *memoryTransactor) WithinDayLock(ctx context.Context, doctorID uuid.UUID, dates []Date, fn func(ctx context.Context) error) error {
	unlock, err := t.locks.Lock(ctx, dayLockKeys(doctorID, dates)...)
	if err != nil {
		return err
	}
	defer unlock()

	undo := &undoLog{}
	if err := fn(context.WithValue(ctx, undoKey{}, undo)); err != nil {
		undo.rollback()
		return err
	}
	return nil
}

// =========== Calendar Repository ===========

type calendarRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Calendar
}

func cloneCalendar(c *Calendar) *Calendar {
	cp := *c
	cp.Template = cloneTemplate(c.Template)
	return &cp
}

func cloneTemplate(t WeeklyTemplate) WeeklyTemplate {
	days := make([]DayConfig, len(t.Days))
	for i, d := range t.Days {
		days[i] = d
		days[i].BreakIntervals = append([]BreakInterval(nil), d.BreakIntervals...)
	}
	return WeeklyTemplate{Days: days}
}

func (r *calendarRepoMemory) Get(_ context.Context, doctorID uuid.UUID) (*Calendar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[doctorID]
	if !ok {
		return nil, notFoundErrorf("calendar for doctor %s", doctorID)
	}
	return cloneCalendar(c), nil
}

func (r *calendarRepoMemory) Upsert(_ context.Context, c *Calendar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[c.DoctorID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	r.items[c.DoctorID] = cloneCalendar(c)
	return nil
}

// =========== Exception Repository ===========

type exceptionRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Exception
}

func (r *exceptionRepoMemory) Create(ctx context.Context, e *Exception) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	r.items[e.ID] = &cp
	id := e.ID
	recordUndo(ctx, func() { r.remove(id) })
	return nil
}

func (r *exceptionRepoMemory) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

func (r *exceptionRepoMemory) restore(e *Exception) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[e.ID] = e
}

func (r *exceptionRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Exception, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return nil, notFoundErrorf("exception %s", id)
	}
	cp := *e
	return &cp, nil
}

func (r *exceptionRepoMemory) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return notFoundErrorf("exception %s", id)
	}
	delete(r.items, id)
	recordUndo(ctx, func() { r.restore(e) })
	return nil
}

func (r *exceptionRepoMemory) DeleteByDate(ctx context.Context, doctorID uuid.UUID, date Date) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*Exception
	for id, e := range r.items {
		if e.DoctorID == doctorID && e.Date.Equal(date.Time) {
			delete(r.items, id)
			removed = append(removed, e)
		}
	}
	recordUndo(ctx, func() {
		for _, e := range removed {
			r.restore(e)
		}
	})
	return len(removed), nil
}

func (r *exceptionRepoMemory) list(match func(*Exception) bool) []*Exception {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Exception
	for _, e := range r.items {
		if match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (r *exceptionRepoMemory) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]*Exception, error) {
	out := r.list(func(e *Exception) bool { return e.DoctorID == doctorID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date.Time) {
			return out[i].Date.Before(out[j].Date.Time)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *exceptionRepoMemory) ListByDate(_ context.Context, doctorID uuid.UUID, date Date) ([]*Exception, error) {
	out := r.list(func(e *Exception) bool { return e.DoctorID == doctorID })
	return ExceptionsForDate(out, date), nil
}

// =========== Appointment Repository ===========

type appointmentRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
}

// liveConflict mirrors the partial unique index on live appointments.
func (r *appointmentRepoMemory) liveConflict(a *Appointment) bool {
	if !a.Occupies() {
		return false
	}
	for _, other := range r.items {
		if other.ID != a.ID && other.Occupies() && other.DoctorID == a.DoctorID &&
			other.Date.Equal(a.Date.Time) && other.Time == a.Time {
			return true
		}
	}
	return false
}

func (r *appointmentRepoMemory) Create(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if r.liveConflict(a) {
		return slotUnavailableErrorf("%s %s is already booked", a.Date, a.Time)
	}
	cp := *a
	r.items[a.ID] = &cp
	id := a.ID
	recordUndo(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.items, id)
	})
	return nil
}

func (r *appointmentRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, notFoundErrorf("appointment %s", id)
	}
	cp := *a
	return &cp, nil
}

func (r *appointmentRepoMemory) Update(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.items[a.ID]
	if !ok {
		return notFoundErrorf("appointment %s", a.ID)
	}
	if r.liveConflict(a) {
		return slotUnavailableErrorf("%s %s is already booked", a.Date, a.Time)
	}
	cp := *a
	r.items[a.ID] = &cp
	recordUndo(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.items[prev.ID] = prev
	})
	return nil
}

func (r *appointmentRepoMemory) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error) {
	items, _ := r.filter(AppointmentFilter{DoctorID: doctorID, Date: &date})
	return items, nil
}

func (r *appointmentRepoMemory) filter(f AppointmentFilter) ([]*Appointment, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.items {
		if f.DoctorID != uuid.Nil && a.DoctorID != f.DoctorID {
			continue
		}
		if f.PatientID != uuid.Nil && a.PatientID != f.PatientID {
			continue
		}
		if f.Date != nil && !a.Date.Equal(f.Date.Time) {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date.Time) {
			return out[i].Date.Before(out[j].Date.Time)
		}
		return out[i].Time < out[j].Time
	})
	return out, len(out)
}

func (r *appointmentRepoMemory) Search(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	items, total := r.filter(f)
	if offset >= len(items) {
		return []*Appointment{}, total, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}
