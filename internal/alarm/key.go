package alarm

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies one pending wake event. It encodes
// (alarm id, weekday, hour, minute) so that re-registering the same
// combination overwrites instead of duplicating, and so cancellation can
// address the exact request. Two alarms sharing a weekday and time still get
// distinct keys because the alarm id namespaces them.
type Key string

func NewKey(alarmID string, day time.Weekday, tod TimeOfDay) Key {
	return Key(fmt.Sprintf("%s/%s/%02d%02d", alarmID, DayTag(day), tod.Hour, tod.Minute))
}

// AllKeys returns the key for every weekday at the given time, selected or
// not. Cancelling this full set on deactivation clears requests left behind
// by day-set edits.
func AllKeys(alarmID string, tod TimeOfDay) []Key {
	keys := make([]Key, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		keys = append(keys, NewKey(alarmID, d, tod))
	}
	return keys
}

// AlarmID extracts the alarm id prefix from a key.
func (k Key) AlarmID() string {
	id, _, _ := strings.Cut(string(k), "/")
	return id
}

// Day extracts the weekday component from a key.
func (k Key) Day() (time.Weekday, bool) {
	parts := strings.Split(string(k), "/")
	if len(parts) != 3 {
		return 0, false
	}
	d, err := ParseDay(parts[1])
	if err != nil {
		return 0, false
	}
	return d, true
}
