package availability

import "sort"

// Validate checks an exception entry before it is stored.
func (e *Exception) Validate() error {
	if e.Date.IsZero() {
		return validationErrorf("date is required")
	}
	if e.Reason == "" {
		return validationErrorf("reason is required")
	}
	if e.Type == "" {
		e.Type = ExceptionCustom
	}
	if !validExceptionTypes[e.Type] {
		return validationErrorf("invalid exception type: %s", e.Type)
	}
	if e.IsFullDay {
		e.StartTime, e.EndTime = nil, nil
		return nil
	}
	if e.StartTime == nil || e.EndTime == nil {
		return validationErrorf("start_time and end_time are required for a partial-day exception")
	}
	if *e.StartTime >= *e.EndTime {
		return validationErrorf("start_time %s must be before end_time %s", *e.StartTime, *e.EndTime)
	}
	return nil
}

// ExceptionsForDate returns the entries that fall on the given date, ordered
// by start time with full-day entries first.
func ExceptionsForDate(entries []*Exception, date Date) []*Exception {
	var out []*Exception
	for _, e := range entries {
		if e.Date.Equal(date.Time) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsFullDay != out[j].IsFullDay {
			return out[i].IsFullDay
		}
		if out[i].IsFullDay {
			return false
		}
		return *out[i].StartTime < *out[j].StartTime
	})
	return out
}

// hasFullDay reports whether any entry blocks the whole day.
func hasFullDay(entries []*Exception) bool {
	for _, e := range entries {
		if e.IsFullDay {
			return true
		}
	}
	return false
}
