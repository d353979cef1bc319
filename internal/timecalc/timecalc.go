// Package timecalc holds the calendar-day arithmetic for time entries:
// the fixed zone-offset catalog and the midnight splitter.
package timecalc

import (
	"fmt"
	"time"

	"clockline/internal/domain"
)

// Zone is a UTC offset in minutes east. Day attribution uses a fixed
// enumerated catalog of offsets rather than full IANA zone rules; zones
// whose offset changes during the year (DST) are out of scope.
type Zone int

// DayLayout is the calendar date format used for TimeEntry.Day.
const DayLayout = "2006-01-02"

// catalog lists every selectable offset, UTC-12:00 through UTC+14:00,
// including the half- and quarter-hour zones in real use.
var catalog = []Zone{
	-720, -660, -600, -570, -540, -480, -420, -360, -300, -240, -210, -180,
	-150, -120, -60, 0, 60, 120, 180, 210, 240, 270, 300, 330, 345, 360,
	390, 420, 480, 510, 525, 540, 570, 600, 630, 660, 720, 765, 780, 840,
}

// Valid reports whether z is in the supported catalog.
func (z Zone) Valid() bool {
	for _, c := range catalog {
		if c == z {
			return true
		}
	}
	return false
}

// Catalog returns the supported offsets in minutes east of UTC.
func Catalog() []Zone {
	out := make([]Zone, len(catalog))
	copy(out, catalog)
	return out
}

// String formats the offset as "UTC+05:30" / "UTC-08:00".
func (z Zone) String() string {
	sign := "+"
	m := int(z)
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("UTC%s%02d:%02d", sign, m/60, m%60)
}

// ParseZone parses "UTC+05:30", "+05:30" or "-08:00" into a catalog Zone.
func ParseZone(s string) (Zone, error) {
	raw := s
	if len(raw) >= 3 && raw[:3] == "UTC" {
		raw = raw[3:]
	}
	if raw == "" || raw == "Z" {
		return 0, nil
	}
	var sign int
	switch raw[0] {
	case '+':
		sign = 1
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid zone %q", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(raw[1:], "%02d:%02d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid zone %q", s)
	}
	z := Zone(sign * (h*60 + m))
	if !z.Valid() {
		return 0, fmt.Errorf("zone %s not in supported catalog", z)
	}
	return z, nil
}

// Location returns a fixed time.Location for the offset.
func (z Zone) Location() *time.Location {
	return time.FixedZone(z.String(), int(z)*60)
}

// Date returns the calendar date of t in the zone, formatted as DayLayout.
func Date(t time.Time, z Zone) string {
	return t.In(z.Location()).Format(DayLayout)
}

// SameDay reports whether a and b fall on the same calendar date in the zone.
func SameDay(a, b time.Time, z Zone) bool {
	return Date(a, z) == Date(b, z)
}

// EndOfDay returns 23:59:59.999 of t's local date in the zone.
func EndOfDay(t time.Time, z Zone) time.Time {
	return StartOfNextDay(t, z).Add(-time.Millisecond)
}

// StartOfNextDay returns 00:00:00.000 of the local date after t's date.
func StartOfNextDay(t time.Time, z Zone) time.Time {
	loc := z.Location()
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
}

// Split divides an open entry that has crossed its local midnight into a
// closed first half and a fresh open second half. The first half keeps the
// entry's identity and date and ends at 23:59:59.999 local; the second half
// takes newID, starts at 00:00:00.000 of the following local date and keeps
// task, user and comment. No time is gained or lost across the split beyond
// the sub-second truncation at the boundary.
func Split(e domain.TimeEntry, z Zone, newID string) (closed, next domain.TimeEntry) {
	closed = e
	end := EndOfDay(e.StartedAt, z)
	closed.EndedAt = &end
	closed.Day = Date(e.StartedAt, z)

	next = domain.TimeEntry{
		ID:        newID,
		UserID:    e.UserID,
		TaskID:    e.TaskID,
		StartedAt: StartOfNextDay(e.StartedAt, z),
		EndedAt:   nil,
		Comment:   e.Comment,
	}
	next.Day = Date(next.StartedAt, z)
	return closed, next
}
