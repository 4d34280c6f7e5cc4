package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

const minutesPerDay = 24 * 60

// Clock is a time of day expressed in minutes after midnight. "24:00" is
// accepted and denotes the end of the day, so working hours and exceptions
// can run until midnight; no slot can start there.
type Clock int

// ParseClock parses a 24-hour "HH:MM" string. Both fields must be exactly two
// ASCII digits.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' || !isDigits(s[:2]) || !isDigits(s[3:]) {
		return 0, validationErrorf("invalid time %q, expected HH:MM", s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h == 24 && m == 0 {
		return minutesPerDay, nil
	}
	if h > 23 || m > 59 {
		return 0, validationErrorf("invalid time %q, expected HH:MM", s)
	}
	return Clock(h*60 + m), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Add returns the clock shifted by the given number of minutes.
func (c Clock) Add(minutes int) Clock { return c + Clock(minutes) }

func (c Clock) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return validationErrorf("time must be a string in HH:MM format")
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Date is a calendar day. The embedded time is always midnight UTC.
type Date struct {
	time.Time
}

// NewDate builds a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// ParseDate parses an ISO "YYYY-MM-DD" date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, validationErrorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

func (d Date) String() string { return d.Format(DateLayout) }

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date { return Date{d.Time.AddDate(0, 0, n)} }

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return validationErrorf("date must be a string in YYYY-MM-DD format")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Weekday is a day of the week encoded as its lowercase English name.
type Weekday time.Weekday

var weekdayTokens = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts full or abbreviated day names, case-insensitively.
func ParseWeekday(s string) (Weekday, error) {
	wd, ok := weekdayTokens[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, validationErrorf("unknown day of week %q", s)
	}
	return Weekday(wd), nil
}

func (w Weekday) String() string { return strings.ToLower(time.Weekday(w).String()) }

func (w Weekday) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

func (w *Weekday) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return validationErrorf("day_of_week must be a string")
	}
	parsed, err := ParseWeekday(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// BreakInterval is a non-bookable period inside working hours.
type BreakInterval struct {
	Start  Clock  `json:"start"`
	End    Clock  `json:"end"`
	Reason string `json:"reason,omitempty"`
}

// DayConfig describes the working hours of one weekday.
type DayConfig struct {
	DayOfWeek           Weekday         `json:"day_of_week"`
	IsWorkingDay        bool            `json:"is_working_day"`
	StartTime           Clock           `json:"start_time"`
	EndTime             Clock           `json:"end_time"`
	SlotDurationMinutes int             `json:"slot_duration_minutes"`
	BreakIntervals      []BreakInterval `json:"break_intervals"`
}

// WeeklyTemplate is the recurring weekly schedule of a doctor. Weekdays not
// listed are non-working days.
type WeeklyTemplate struct {
	Days []DayConfig `json:"days"`
}

// Preferences holds the doctor's booking policy.
type Preferences struct {
	MaxAppointmentsPerDay int  `json:"max_appointments_per_day"`
	BufferTimeMinutes     int  `json:"buffer_time_minutes"`
	AllowOnlineBooking    bool `json:"allow_online_booking"`
	AdvanceBookingDays    int  `json:"advance_booking_days"`
}

// DefaultPreferences is applied to calendars whose preferences were never set.
func DefaultPreferences() Preferences {
	return Preferences{
		MaxAppointmentsPerDay: 20,
		BufferTimeMinutes:     0,
		AllowOnlineBooking:    true,
		AdvanceBookingDays:    30,
	}
}

// Calendar maps to the doctor_calendar table.
type Calendar struct {
	DoctorID    uuid.UUID      `db:"doctor_id" json:"doctor_id"`
	Template    WeeklyTemplate `db:"weekly_template" json:"weekly_template"`
	Preferences Preferences    `db:"preferences" json:"preferences"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// ExceptionType classifies a dated override of the weekly template.
type ExceptionType string

const (
	ExceptionLeave      ExceptionType = "leave"
	ExceptionVacation   ExceptionType = "vacation"
	ExceptionSick       ExceptionType = "sick"
	ExceptionConference ExceptionType = "conference"
	ExceptionEmergency  ExceptionType = "emergency"
	ExceptionCustom     ExceptionType = "custom"
)

var validExceptionTypes = map[ExceptionType]bool{
	ExceptionLeave: true, ExceptionVacation: true, ExceptionSick: true,
	ExceptionConference: true, ExceptionEmergency: true, ExceptionCustom: true,
}

// Exception maps to the schedule_exception table.
type Exception struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	DoctorID  uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	Date      Date          `db:"exception_date" json:"date"`
	Type      ExceptionType `db:"type" json:"type"`
	Reason    string        `db:"reason" json:"reason"`
	IsFullDay bool          `db:"is_full_day" json:"is_full_day"`
	StartTime *Clock        `db:"start_minute" json:"start_time,omitempty"`
	EndTime   *Clock        `db:"end_minute" json:"end_time,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCheckedIn Status = "checked-in"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus normalizes a status string. "booked" is accepted as a synonym
// of "scheduled".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scheduled", "booked":
		return StatusScheduled, nil
	case "checked-in", "checked_in", "checkedin":
		return StatusCheckedIn, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	}
	return "", validationErrorf("unknown appointment status %q", s)
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	DoctorID            uuid.UUID `db:"doctor_id" json:"doctor_id"`
	PatientID           uuid.UUID `db:"patient_id" json:"patient_id"`
	Date                Date      `db:"appointment_date" json:"date"`
	Time                Clock     `db:"start_minute" json:"time"`
	DurationMinutes     int       `db:"duration_minutes" json:"duration_minutes"`
	Status              Status    `db:"status" json:"status"`
	Reason              string    `db:"reason" json:"reason,omitempty"`
	CancellationReason  *string   `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	RescheduledFromDate *Date     `db:"rescheduled_from_date" json:"rescheduled_from_date,omitempty"`
	RescheduledFromTime *Clock    `db:"rescheduled_from_minute" json:"rescheduled_from_time,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// End returns the clock time at which the appointment finishes.
func (a *Appointment) End() Clock { return a.Time.Add(a.DurationMinutes) }

// Occupies reports whether the appointment still holds its time on the
// doctor's calendar.
func (a *Appointment) Occupies() bool { return a.Status != StatusCancelled }

// Slot is a derived bookable interval. It is computed on demand and never stored.
type Slot struct {
	Date        Date  `json:"date"`
	StartTime   Clock `json:"start_time"`
	EndTime     Clock `json:"end_time"`
	IsAvailable bool  `json:"is_available"`
}
