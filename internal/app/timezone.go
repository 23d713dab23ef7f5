package app

import (
	"fmt"
	"log"
	"time"
)

// LoadZone resolves an IANA timezone identifier. An unrecognized identifier
// is not fatal: the configured default zone is used instead and a warning is
// logged, so one bad specialist row cannot take down the read path.
func LoadZone(name, fallback string) *time.Location {
	if name != "" {
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc
		}
		log.Printf("WARN unknown timezone %q, falling back to %q", name, fallback)
	}
	loc, err := time.LoadLocation(fallback)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ToUTC converts a calendar date plus a local wall-clock time in loc to a UTC
// instant. time.Date consults the zone's rules for that specific date, so the
// offset in force on that day (including DST) is the one applied.
func ToUTC(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, loc).UTC()
}

// ToLocal converts a UTC instant back to the local calendar date and
// wall-clock time in loc.
func ToLocal(t time.Time, loc *time.Location) (date string, hhmm string) {
	lt := t.In(loc)
	return lt.Format("2006-01-02"), lt.Format("15:04")
}

// LocalDate returns the calendar date of t as seen in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func parseHHMM(s string) (hour, minute int, err error) {
	// Take first 5 chars "HH:MM" ("09:00:00.000000" -> "09:00")
	if len(s) < 5 {
		return 0, 0, fmt.Errorf("invalid time string: %s", s)
	}
	tt, err := time.Parse("15:04", s[:5])
	if err != nil {
		return 0, 0, err
	}
	return tt.Hour(), tt.Minute(), nil
}
