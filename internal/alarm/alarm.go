package alarm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTime = errors.New("invalid time of day")
	ErrUnknownDay  = errors.New("unknown weekday tag")
	ErrMissingID   = errors.New("alarm id required")
)

// TimeOfDay is a wall-clock time (24h).
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("%w: bad hour in %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: bad minute in %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidTime, t.Hour, t.Minute)
	}
	return nil
}

// DaySet is a set of weekdays, one bit per time.Weekday (Sunday=0).
type DaySet uint8

func Days(days ...time.Weekday) DaySet {
	var s DaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s DaySet) With(d time.Weekday) DaySet    { return s | 1<<uint(d) }
func (s DaySet) Without(d time.Weekday) DaySet { return s &^ (1 << uint(d)) }
func (s DaySet) Has(d time.Weekday) bool       { return s&(1<<uint(d)) != 0 }
func (s DaySet) Empty() bool                   { return s == 0 }

// List returns the member weekdays in Sunday..Saturday order.
func (s DaySet) List() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s DaySet) String() string {
	tags := make([]string, 0, 7)
	for _, d := range s.List() {
		tags = append(tags, DayTag(d))
	}
	return strings.Join(tags, ",")
}

var dayTags = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseDay maps a canonical weekday tag ("mon".."sun", case-insensitive,
// full names accepted) to time.Weekday.
func ParseDay(tag string) (time.Weekday, error) {
	t := strings.ToLower(strings.TrimSpace(tag))
	if len(t) > 3 {
		t = t[:3]
	}
	d, ok := dayTags[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDay, tag)
	}
	return d, nil
}

// DayTag is the canonical wire tag for a weekday.
func DayTag(d time.Weekday) string {
	switch d {
	case time.Sunday:
		return "sun"
	case time.Monday:
		return "mon"
	case time.Tuesday:
		return "tue"
	case time.Wednesday:
		return "wed"
	case time.Thursday:
		return "thu"
	case time.Friday:
		return "fri"
	case time.Saturday:
		return "sat"
	}
	return "?"
}

// ParseDays builds a DaySet from tags. Duplicates collapse (set semantics).
func ParseDays(tags []string) (DaySet, error) {
	var s DaySet
	for _, tag := range tags {
		d, err := ParseDay(tag)
		if err != nil {
			return 0, err
		}
		s = s.With(d)
	}
	return s, nil
}

// Alarm is the scheduling entity. Label has no effect on scheduling.
// An empty day set means the alarm never fires.
type Alarm struct {
	ID     string
	Time   TimeOfDay
	Days   DaySet
	Active bool
	Label  string
	Repeat bool
}

func (a Alarm) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrMissingID
	}
	return a.Time.Validate()
}
