package availability

import (
	"sort"
	"time"
)

var validSlotDurations = map[int]bool{15: true, 30: true, 45: true, 60: true}

// DayConfig returns the configuration for the given weekday. A weekday that
// is absent from the template is a non-working day.
func (t WeeklyTemplate) DayConfig(wd time.Weekday) DayConfig {
	for _, d := range t.Days {
		if time.Weekday(d.DayOfWeek) == wd {
			return d
		}
	}
	return DayConfig{DayOfWeek: Weekday(wd)}
}

// Validate checks every working day of the template. Break intervals are
// sorted by start time as a side effect.
func (t *WeeklyTemplate) Validate() error {
	seen := make(map[Weekday]bool, len(t.Days))
	for i := range t.Days {
		d := &t.Days[i]
		if seen[d.DayOfWeek] {
			return validationErrorf("%s appears more than once", d.DayOfWeek)
		}
		seen[d.DayOfWeek] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks working hours, slot duration and breaks of a single day.
func (d *DayConfig) Validate() error {
	if int(d.DayOfWeek) < 0 || int(d.DayOfWeek) > 6 {
		return validationErrorf("invalid day of week %d", d.DayOfWeek)
	}
	if !d.IsWorkingDay {
		return nil
	}
	if d.StartTime < 0 || d.EndTime > minutesPerDay {
		return validationErrorf("%s: working hours out of range", d.DayOfWeek)
	}
	if d.StartTime >= d.EndTime {
		return validationErrorf("%s: start_time %s must be before end_time %s", d.DayOfWeek, d.StartTime, d.EndTime)
	}
	if !validSlotDurations[d.SlotDurationMinutes] {
		return validationErrorf("%s: slot_duration_minutes must be one of 15, 30, 45, 60", d.DayOfWeek)
	}

	sort.Slice(d.BreakIntervals, func(i, j int) bool {
		return d.BreakIntervals[i].Start < d.BreakIntervals[j].Start
	})
	for i, b := range d.BreakIntervals {
		if b.Start >= b.End {
			return validationErrorf("%s: break %s-%s has start after end", d.DayOfWeek, b.Start, b.End)
		}
		if b.Start < d.StartTime || b.End > d.EndTime {
			return validationErrorf("%s: break %s-%s lies outside working hours", d.DayOfWeek, b.Start, b.End)
		}
		if i > 0 && b.Start < d.BreakIntervals[i-1].End {
			prev := d.BreakIntervals[i-1]
			return validationErrorf("%s: break %s-%s overlaps %s-%s", d.DayOfWeek, b.Start, b.End, prev.Start, prev.End)
		}
	}
	return nil
}

var validBufferMinutes = map[int]bool{0: true, 5: true, 10: true, 15: true}

// Validate checks the booking policy bounds.
func (p Preferences) Validate() error {
	if p.MaxAppointmentsPerDay < 1 {
		return validationErrorf("max_appointments_per_day must be at least 1")
	}
	if !validBufferMinutes[p.BufferTimeMinutes] {
		return validationErrorf("buffer_time_minutes must be one of 0, 5, 10, 15")
	}
	if p.AdvanceBookingDays < 1 {
		return validationErrorf("advance_booking_days must be at least 1")
	}
	return nil
}
