package app

import (
	"context"
	"time"
)

// ConflictIndex answers whether a UTC range overlaps anything that blocks
// booking for a specialist: time-off, a live appointment, or a confirmed
// mirrored external event.
type ConflictIndex interface {
	HasConflict(ctx context.Context, specialistID string, start, end time.Time, loc *time.Location) (bool, error)
}

// rangesOverlap implements the half-open interval rule: [s1,e1) and [s2,e2)
// conflict iff s1 < e2 && s2 < e1. A slot ending exactly when another range
// begins does not conflict.
func rangesOverlap(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// allDayCoversLocalDay reports whether an all-day event spanning calendar
// dates [evStart, evEnd) blocks the local day the slot falls on. All-day
// events are stored with midnight-UTC bounds for their calendar dates, so the
// comparison is date-to-date: the slot's date is taken in the specialist's
// zone, never the UTC day of the slot instant (a UTC-day boundary crossing
// must not shift the blocked day).
func allDayCoversLocalDay(evStart, evEnd, slotStart time.Time, loc *time.Location) bool {
	day := slotStart.In(loc).Format("2006-01-02")
	end := evEnd.UTC()
	if !end.After(evStart.UTC()) {
		end = evStart.UTC().AddDate(0, 0, 1)
	}
	for d := evStart.UTC(); d.Before(end); d = d.AddDate(0, 0, 1) {
		if d.Format("2006-01-02") == day {
			return true
		}
	}
	return false
}

// HasConflict checks blocking sources in priority order, short-circuiting on
// the first hit: time-off, non-cancelled appointments, confirmed timed
// external events, then all-day external events by local calendar date.
func (s *Store) HasConflict(ctx context.Context, specialistID string, start, end time.Time, loc *time.Location) (bool, error) {
	var blocked bool

	q := `SELECT EXISTS(SELECT 1 FROM time_off
	      WHERE specialist_id=$1 AND start_at_utc < $3 AND end_at_utc > $2)`
	if err := s.DB.QueryRow(ctx, q, specialistID, start, end).Scan(&blocked); err != nil {
		return false, err
	}
	if blocked {
		return true, nil
	}

	q = `SELECT EXISTS(SELECT 1 FROM appointments
	     WHERE specialist_id=$1 AND status <> 'cancelled'
	       AND start_at_utc < $3 AND end_at_utc > $2)`
	if err := s.DB.QueryRow(ctx, q, specialistID, start, end).Scan(&blocked); err != nil {
		return false, err
	}
	if blocked {
		return true, nil
	}

	q = `SELECT EXISTS(SELECT 1 FROM external_events
	     WHERE specialist_id=$1 AND status='confirmed' AND NOT is_all_day
	       AND start_at_utc < $3 AND end_at_utc > $2)`
	if err := s.DB.QueryRow(ctx, q, specialistID, start, end).Scan(&blocked); err != nil {
		return false, err
	}
	if blocked {
		return true, nil
	}

	// All-day events near the slot; the local-date comparison happens in Go
	// because it depends on the specialist's zone.
	q = `SELECT start_at_utc, end_at_utc FROM external_events
	     WHERE specialist_id=$1 AND status='confirmed' AND is_all_day
	       AND start_at_utc < $3 + interval '2 days'
	       AND end_at_utc > $2 - interval '2 days'`
	rows, err := s.DB.Query(ctx, q, specialistID, start, end)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var evStart, evEnd time.Time
		if err := rows.Scan(&evStart, &evEnd); err != nil {
			return false, err
		}
		if allDayCoversLocalDay(evStart, evEnd, start, loc) {
			return true, nil
		}
	}
	return false, rows.Err()
}
