package availability

import (
	"sort"
	"time"
)

// SlotQuery carries everything needed to derive the bookable slots of a day.
type SlotQuery struct {
	Date         Date
	Template     WeeklyTemplate
	Preferences  Preferences
	Exceptions   []*Exception   // entries on Date
	Appointments []*Appointment // appointments on Date, any status
	Now          time.Time      // current time in the calendar's timezone
}

// interval is a half-open [Start, End) range of clock minutes.
type interval struct {
	Start Clock
	End   Clock
}

func (iv interval) overlaps(o interval) bool {
	return iv.Start < o.End && o.Start < iv.End
}

// GenerateSlots derives the bookable slots of q.Date. It is a pure function:
// the caller supplies the current appointments and exceptions.
func GenerateSlots(q SlotQuery) []Slot {
	slots := []Slot{}

	today := DateOf(q.Now)
	if q.Date.Before(today.Time) || q.Date.After(today.AddDays(q.Preferences.AdvanceBookingDays).Time) {
		return slots
	}

	day := q.Template.DayConfig(q.Date.Weekday())
	if !day.IsWorkingDay || day.SlotDurationMinutes <= 0 {
		return slots
	}
	if hasFullDay(q.Exceptions) {
		return slots
	}

	var blocks []interval
	for _, b := range day.BreakIntervals {
		blocks = append(blocks, interval{Start: b.Start, End: b.End})
	}
	for _, e := range q.Exceptions {
		if e.StartTime != nil && e.EndTime != nil {
			blocks = append(blocks, interval{Start: *e.StartTime, End: *e.EndTime})
		}
	}
	gaps := subtractIntervals(interval{Start: day.StartTime, End: day.EndTime}, mergeIntervals(blocks))

	var taken []interval
	booked := 0
	for _, a := range q.Appointments {
		if !a.Occupies() {
			continue
		}
		booked++
		taken = append(taken, interval{Start: a.Time, End: a.End()})
	}

	remaining := q.Preferences.MaxAppointmentsPerDay - booked
	if remaining <= 0 {
		return slots
	}

	var cutoff Clock = -1
	if q.Date.Equal(today.Time) {
		cutoff = Clock(q.Now.Hour()*60 + q.Now.Minute())
	}

	for _, g := range gaps {
		for _, iv := range slotsBetween(g, day.SlotDurationMinutes, q.Preferences.BufferTimeMinutes) {
			if iv.Start < cutoff || overlapsAny(iv, taken) {
				continue
			}
			slots = append(slots, Slot{Date: q.Date, StartTime: iv.Start, EndTime: iv.End, IsAvailable: true})
			if len(slots) == remaining {
				return slots
			}
		}
	}
	return slots
}

// slotsBetween partitions a gap into fixed-length slots anchored at the gap
// start, each followed by bufferMinutes of dead time.
func slotsBetween(g interval, slotMinutes, bufferMinutes int) []interval {
	var out []interval
	for start := g.Start; start.Add(slotMinutes) <= g.End; start = start.Add(slotMinutes + bufferMinutes) {
		out = append(out, interval{Start: start, End: start.Add(slotMinutes)})
	}
	return out
}

// mergeIntervals sorts blocks and coalesces those that overlap or touch.
func mergeIntervals(blocks []interval) []interval {
	if len(blocks) <= 1 {
		return blocks
	}
	sorted := make([]interval, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []interval{sorted[0]}
	for _, b := range sorted[1:] {
		last := &out[len(out)-1]
		if b.Start <= last.End {
			if b.End > last.End {
				last.End = b.End
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

// subtractIntervals returns the parts of iv not covered by the merged blocks.
func subtractIntervals(iv interval, merged []interval) []interval {
	var gaps []interval
	cur := iv.Start
	for _, b := range merged {
		if b.End <= iv.Start || b.Start >= iv.End {
			continue
		}
		if cur < b.Start {
			gaps = append(gaps, interval{Start: cur, End: b.Start})
		}
		if b.End > cur {
			cur = b.End
		}
		if cur >= iv.End {
			break
		}
	}
	if cur < iv.End {
		gaps = append(gaps, interval{Start: cur, End: iv.End})
	}
	return gaps
}

func overlapsAny(iv interval, others []interval) bool {
	for _, o := range others {
		if iv.overlaps(o) {
			return true
		}
	}
	return false
}

// findSlot returns the slot starting at the given time.
func findSlot(slots []Slot, start Clock) (Slot, bool) {
	for _, s := range slots {
		if s.StartTime == start {
			return s, true
		}
	}
	return Slot{}, false
}
