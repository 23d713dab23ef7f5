package app

import (
	"context"
	"fmt"
	"time"
)

// RuleSource is the read-only availability template access SlotGenerator
// needs: the specialist record and at most one rule per weekday.
type RuleSource interface {
	SpecialistByID(ctx context.Context, id string) (*Specialist, error)
	RuleForWeekday(ctx context.Context, specialistID string, weekday int) (*AvailabilityRule, error)
}

// SlotGenerator turns the weekly template plus the conflict sources into
// bookable UTC slots. It is a pure read: no side effects, safe to call
// concurrently.
type SlotGenerator struct {
	Rules       RuleSource
	Conflicts   ConflictIndex
	DefaultZone string
}

// Generate produces one entry per calendar day in [startDate, endDate],
// inclusive, dates in "2006-01-02" form interpreted in the specialist's
// zone. Days with no rule get an empty slot list; an inactive specialist
// yields empty lists for every day.
func (g *SlotGenerator) Generate(ctx context.Context, specialistID, startDate, endDate string) ([]DaySlots, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad start date %q", ErrInvalidRange, startDate)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad end date %q", ErrInvalidRange, endDate)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end date before start date", ErrInvalidRange)
	}

	sp, err := g.Rules.SpecialistByID(ctx, specialistID)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, ErrNotFound
	}

	var days []DaySlots
	loc := LoadZone(sp.Timezone, g.DefaultZone)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		day := DaySlots{Date: d.Format("2006-01-02"), Slots: []Slot{}}
		if sp.Active {
			slots, err := g.slotsForDay(ctx, sp.ID, d, loc)
			if err != nil {
				return nil, err
			}
			day.Slots = slots
		}
		days = append(days, day)
	}
	return days, nil
}

func (g *SlotGenerator) slotsForDay(ctx context.Context, specialistID string, d time.Time, loc *time.Location) ([]Slot, error) {
	year, month, dayNum := d.Date()
	weekday := int(time.Date(year, month, dayNum, 0, 0, 0, 0, loc).Weekday())

	rule, err := g.Rules.RuleForWeekday(ctx, specialistID, weekday)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return []Slot{}, nil
	}

	startH, startM, err := parseHHMM(rule.StartTime)
	if err != nil {
		return nil, err
	}
	endH, endM, err := parseHHMM(rule.EndTime)
	if err != nil {
		return nil, err
	}
	startMins := startH*60 + startM
	endMins := endH*60 + endM
	if endMins <= startMins {
		return nil, fmt.Errorf("end_time must be after start_time for rule %d", rule.ID)
	}
	if rule.SlotIntervalMins <= 0 {
		return nil, fmt.Errorf("slot interval must be positive for rule %d", rule.ID)
	}

	// Walk the local wall clock in interval steps; a window the interval
	// does not evenly divide just stops short of the end, no partial slot.
	// Converting each step through the zone applies the offset in force on
	// that date, which is what keeps DST days correct.
	slots := []Slot{}
	for m := startMins; m+rule.SlotIntervalMins <= endMins; m += rule.SlotIntervalMins {
		slotStart := ToUTC(year, month, dayNum, m/60, m%60, loc)
		next := m + rule.SlotIntervalMins
		slotEnd := ToUTC(year, month, dayNum, next/60, next%60, loc)

		blocked, err := g.Conflicts.HasConflict(ctx, specialistID, slotStart, slotEnd, loc)
		if err != nil {
			return nil, err
		}
		if !blocked {
			slots = append(slots, Slot{StartsAt: slotStart, EndsAt: slotEnd})
		}
	}
	return slots, nil
}
