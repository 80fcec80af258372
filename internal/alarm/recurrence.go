package alarm

import "time"

// NextTriggerTime computes the soonest instant strictly after now that falls
// on one of the alarm's weekdays at the alarm's wall-clock time (sec/nsec
// zeroed). A candidate exactly equal to now counts as already passed.
//
// The scan is bounded to eight calendar days so that "today's time already
// passed" can roll over to the same weekday next week. ok=false means the
// alarm never fires (empty day set).
func NextTriggerTime(a Alarm, now time.Time) (at time.Time, ok bool) {
	if a.Days.Empty() {
		return time.Time{}, false
	}
	for i := 0; i <= 7; i++ {
		day := now.AddDate(0, 0, i)
		if !a.Days.Has(day.Weekday()) {
			continue
		}
		cand := time.Date(day.Year(), day.Month(), day.Day(), a.Time.Hour, a.Time.Minute, 0, 0, now.Location())
		if cand.After(now) {
			return cand, true
		}
	}
	return time.Time{}, false
}

// Occurrence is one projected wake event for a specific weekday.
type Occurrence struct {
	Day time.Weekday
	At  time.Time
	Key Key
}

// ProjectWeeklyOccurrences computes, per selected weekday, the next instant
// at the alarm's time on that weekday. Instants not strictly after now are
// pushed exactly one week out. One wake event is registered per weekday
// because the underlying primitive fires once and must be re-armed.
//
// Output order follows DaySet.List (Sunday..Saturday).
func ProjectWeeklyOccurrences(a Alarm, now time.Time) []Occurrence {
	days := a.Days.List()
	occs := make([]Occurrence, 0, len(days))
	for _, d := range days {
		occs = append(occs, Occurrence{
			Day: d,
			At:  nextOnWeekday(d, a.Time, now),
			Key: NewKey(a.ID, d, a.Time),
		})
	}
	return occs
}

// NextOccurrenceOn is the single-weekday form of ProjectWeeklyOccurrences,
// used when re-arming one weekday after it fires.
func NextOccurrenceOn(a Alarm, day time.Weekday, now time.Time) Occurrence {
	return Occurrence{
		Day: day,
		At:  nextOnWeekday(day, a.Time, now),
		Key: NewKey(a.ID, day, a.Time),
	}
}

func nextOnWeekday(d time.Weekday, tod TimeOfDay, now time.Time) time.Time {
	delta := (int(d) - int(now.Weekday()) + 7) % 7
	day := now.AddDate(0, 0, delta)
	at := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 7)
	}
	return at
}
