package availability

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{" 12:00 ", 720, false},
		{"24:00", 1440, false},
		{"24:01", 0, true},
		{"25:00", 0, true},
		{"+9:00", 0, true},
		{"-0:30", 0, true},
		{"09:+5", 0, true},
		{"0x:10", 0, true},
		{"9:30", 0, true},
		{"12:60", 0, true},
		{"12-30", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ParseClock(%q): expected validation error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseClock(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestClock_StringAndJSON(t *testing.T) {
	c := Clock(13*60 + 5)
	if c.String() != "13:05" {
		t.Errorf("expected 13:05, got %s", c)
	}
	b, err := json.Marshal(c)
	if err != nil || string(b) != `"13:05"` {
		t.Errorf("unexpected JSON %s, %v", b, err)
	}

	var back Clock
	if err := json.Unmarshal([]byte(`"08:45"`), &back); err != nil || back != 525 {
		t.Errorf("unmarshal: got %d, %v", back, err)
	}
	if err := json.Unmarshal([]byte(`845`), &back); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for numeric clock, got %v", err)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-03-03")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if d.String() != "2025-03-03" || d.Weekday() != time.Monday {
		t.Errorf("unexpected date %s (%s)", d, d.Weekday())
	}
	if d.Location() != time.UTC || d.Hour() != 0 {
		t.Errorf("expected midnight UTC, got %v", d.Time)
	}
	for _, bad := range []string{"03/03/2025", "2025-02-30", "", "2025-3-3"} {
		if _, err := ParseDate(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseDate(%q): expected validation error, got %v", bad, err)
		}
	}
}

func TestDateOf_UsesLocalCalendarDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2025-03-03 20:00 UTC is already 2025-03-04 in UTC+9.
	instant := time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC).In(loc)
	if got := DateOf(instant).String(); got != "2025-03-04" {
		t.Errorf("expected 2025-03-04, got %s", got)
	}
}

func TestDate_AddDaysAndJSON(t *testing.T) {
	d := NewDate(2025, time.February, 27)
	if got := d.AddDays(2).String(); got != "2025-03-01" {
		t.Errorf("expected 2025-03-01, got %s", got)
	}
	b, _ := json.Marshal(d)
	if string(b) != `"2025-02-27"` {
		t.Errorf("unexpected JSON %s", b)
	}
	var back Date
	if err := json.Unmarshal([]byte(`"2025-12-31"`), &back); err != nil || !back.Equal(NewDate(2025, 12, 31).Time) {
		t.Errorf("unmarshal: got %s, %v", back, err)
	}
}

func TestParseWeekday(t *testing.T) {
	tests := map[string]time.Weekday{
		"monday": time.Monday, "Mon": time.Monday, "TUESDAY": time.Tuesday,
		"thurs": time.Thursday, "sun": time.Sunday, " saturday ": time.Saturday,
	}
	for in, want := range tests {
		got, err := ParseWeekday(in)
		if err != nil || time.Weekday(got) != want {
			t.Errorf("ParseWeekday(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseWeekday("funday"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWeekday_JSON(t *testing.T) {
	b, _ := json.Marshal(Weekday(time.Wednesday))
	if string(b) != `"wednesday"` {
		t.Errorf("unexpected JSON %s", b)
	}
	var w Weekday
	if err := json.Unmarshal([]byte(`"Fri"`), &w); err != nil || time.Weekday(w) != time.Friday {
		t.Errorf("unmarshal: got %v, %v", w, err)
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"scheduled":  StatusScheduled,
		"booked":     StatusScheduled,
		"BOOKED":     StatusScheduled,
		"checked-in": StatusCheckedIn,
		"checked_in": StatusCheckedIn,
		"completed":  StatusCompleted,
		"canceled":   StatusCancelled,
		"cancelled":  StatusCancelled,
	}
	for in, want := range tests {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseStatus("no-show"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAppointment_EndAndOccupies(t *testing.T) {
	a := &Appointment{Time: 9 * 60, DurationMinutes: 45, Status: StatusScheduled}
	if a.End() != 9*60+45 {
		t.Errorf("expected 09:45, got %s", a.End())
	}
	for _, st := range []Status{StatusScheduled, StatusCheckedIn, StatusCompleted} {
		a.Status = st
		if !a.Occupies() {
			t.Errorf("%s appointment should occupy its slot", st)
		}
	}
	a.Status = StatusCancelled
	if a.Occupies() {
		t.Error("cancelled appointment should free its slot")
	}
}

func TestWeeklyTemplate_DecodeJSON(t *testing.T) {
	payload := `{"days":[{"day_of_week":"monday","is_working_day":true,"start_time":"09:00","end_time":"17:00",
		"slot_duration_minutes":30,"break_intervals":[{"start":"12:00","end":"13:00","reason":"lunch"}]}]}`
	var tmpl WeeklyTemplate
	if err := json.Unmarshal([]byte(payload), &tmpl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	day := tmpl.DayConfig(time.Monday)
	if !day.IsWorkingDay || day.StartTime != 540 || day.EndTime != 1020 || day.SlotDurationMinutes != 30 {
		t.Errorf("unexpected day config %+v", day)
	}
	if len(day.BreakIntervals) != 1 || day.BreakIntervals[0].Reason != "lunch" {
		t.Errorf("unexpected breaks %+v", day.BreakIntervals)
	}
}

func TestWeeklyTemplate_DecodeJSON_SignedClock(t *testing.T) {
	payload := `{"days":[{"day_of_week":"monday","is_working_day":true,"start_time":"+9:00","end_time":"17:00","slot_duration_minutes":30}]}`
	var tmpl WeeklyTemplate
	if err := json.Unmarshal([]byte(payload), &tmpl); err == nil {
		t.Errorf("expected signed hour to be rejected, got %+v", tmpl)
	}
}
