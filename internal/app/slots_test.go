package app

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(sp *Specialist, rules map[int]*AvailabilityRule, conflicts *memConflicts) *SlotGenerator {
	if conflicts == nil {
		conflicts = &memConflicts{}
	}
	return &SlotGenerator{
		Rules:       &memRules{specialist: sp, rules: rules},
		Conflicts:   conflicts,
		DefaultZone: "UTC",
	}
}

// The concrete scenario: Edmonton specialist, Monday 09:00-12:00 at 30
// minutes, one confirmed appointment 10:00-10:30 local. The 10:00 slot must
// be the only one missing.
func TestGenerateEdmontonMondayWithBooking(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: true}
	rules := map[int]*AvailabilityRule{
		1: {ID: 1, SpecialistID: "s1", DayOfWeek: 1, StartTime: "09:00", EndTime: "12:00", SlotIntervalMins: 30},
	}
	// 2025-06-16 is a Monday; Edmonton is on MDT (UTC-6), so 10:00 local
	// is 16:00Z.
	conflicts := &memConflicts{busy: [][2]time.Time{{
		time.Date(2025, time.June, 16, 16, 0, 0, 0, time.UTC),
		time.Date(2025, time.June, 16, 16, 30, 0, 0, time.UTC),
	}}}

	days, err := newTestGenerator(sp, rules, conflicts).Generate(context.Background(), "s1", "2025-06-16", "2025-06-16")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "2025-06-16", days[0].Date)

	var starts []string
	for _, s := range days[0].Slots {
		starts = append(starts, s.StartsAt.Format("15:04"))
	}
	// 09:00, 09:30, 10:30, 11:00, 11:30 local, i.e. not 16:00Z.
	assert.Equal(t, []string{"15:00", "15:30", "16:30", "17:00", "17:30"}, starts)
}

// On the spring-forward date the same wall-clock rule must produce slots at
// the post-shift offset, and the previous week at the pre-shift offset.
func TestGenerateDSTSpringForward(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: true}
	rules := map[int]*AvailabilityRule{
		0: {ID: 1, SpecialistID: "s1", DayOfWeek: 0, StartTime: "09:00", EndTime: "11:00", SlotIntervalMins: 60},
	}

	days, err := newTestGenerator(sp, rules, nil).Generate(context.Background(), "s1", "2025-03-02", "2025-03-09")
	require.NoError(t, err)
	require.Len(t, days, 8)

	// 2025-03-02: MST, UTC-7 — 09:00 local is 16:00Z.
	require.Len(t, days[0].Slots, 2)
	assert.Equal(t, time.Date(2025, time.March, 2, 16, 0, 0, 0, time.UTC), days[0].Slots[0].StartsAt)

	// 2025-03-09: clocks shifted forward at 02:00; 09:00 local is MDT,
	// UTC-6, so 15:00Z — one hour earlier in UTC than the week before.
	last := days[len(days)-1]
	assert.Equal(t, "2025-03-09", last.Date)
	require.Len(t, last.Slots, 2)
	assert.Equal(t, time.Date(2025, time.March, 9, 15, 0, 0, 0, time.UTC), last.Slots[0].StartsAt)
	assert.Equal(t, time.Date(2025, time.March, 9, 16, 0, 0, 0, time.UTC), last.Slots[1].StartsAt)
}

func TestGenerateNoRulesYieldsEmptyDays(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: true}

	days, err := newTestGenerator(sp, map[int]*AvailabilityRule{}, nil).Generate(context.Background(), "s1", "2025-06-16", "2025-06-20")
	require.NoError(t, err)
	require.Len(t, days, 5)
	for _, d := range days {
		assert.Empty(t, d.Slots)
		assert.NotNil(t, d.Slots, "empty day serializes as [], not null")
	}
}

func TestGenerateInactiveSpecialistYieldsNoSlots(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: false}
	rules := map[int]*AvailabilityRule{
		1: {ID: 1, SpecialistID: "s1", DayOfWeek: 1, StartTime: "09:00", EndTime: "17:00", SlotIntervalMins: 30},
	}

	days, err := newTestGenerator(sp, rules, nil).Generate(context.Background(), "s1", "2025-06-16", "2025-06-17")
	require.NoError(t, err)
	for _, d := range days {
		assert.Empty(t, d.Slots)
	}
}

func TestGenerateUnknownSpecialist(t *testing.T) {
	g := newTestGenerator(&Specialist{ID: "other", Active: true, Timezone: "UTC"}, nil, nil)
	_, err := g.Generate(context.Background(), "s1", "2025-06-16", "2025-06-16")
	assert.ErrorIs(t, err, ErrNotFound)
}

// An interval that does not evenly divide the window stops before
// overshooting; there is no partial trailing slot.
func TestGenerateNoPartialTrailingSlot(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "UTC", Active: true}
	rules := map[int]*AvailabilityRule{
		1: {ID: 1, SpecialistID: "s1", DayOfWeek: 1, StartTime: "09:00", EndTime: "10:45", SlotIntervalMins: 30},
	}

	days, err := newTestGenerator(sp, rules, nil).Generate(context.Background(), "s1", "2025-06-16", "2025-06-16")
	require.NoError(t, err)
	require.Len(t, days[0].Slots, 3)
	lastSlot := days[0].Slots[2]
	assert.Equal(t, time.Date(2025, time.June, 16, 10, 0, 0, 0, time.UTC), lastSlot.StartsAt)
	assert.Equal(t, time.Date(2025, time.June, 16, 10, 30, 0, 0, time.UTC), lastSlot.EndsAt)
}

func TestGenerateRejectsBadDates(t *testing.T) {
	g := newTestGenerator(&Specialist{ID: "s1", Active: true, Timezone: "UTC"}, nil, nil)

	_, err := g.Generate(context.Background(), "s1", "16-06-2025", "2025-06-16")
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = g.Generate(context.Background(), "s1", "2025-06-16", "bogus")
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = g.Generate(context.Background(), "s1", "2025-06-17", "2025-06-16")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

// Property: no generated slot ever overlaps a blocking range, whatever the
// random mix of appointments and time-off looks like.
func TestGenerateNeverEmitsBlockedSlot(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: true}
	rules := map[int]*AvailabilityRule{
		1: {ID: 1, SpecialistID: "s1", DayOfWeek: 1, StartTime: "08:00", EndTime: "18:00", SlotIntervalMins: 30},
	}

	for run := 0; run < 50; run++ {
		conflicts := &memConflicts{}
		dayStart := time.Date(2025, time.June, 16, 14, 0, 0, 0, time.UTC) // 08:00 MDT
		for i := 0; i < rng.Intn(8); i++ {
			offset := time.Duration(rng.Intn(600)) * time.Minute
			length := time.Duration(15+rng.Intn(120)) * time.Minute
			start := dayStart.Add(offset)
			conflicts.busy = append(conflicts.busy, [2]time.Time{start, start.Add(length)})
		}

		days, err := newTestGenerator(sp, rules, conflicts).Generate(context.Background(), "s1", "2025-06-16", "2025-06-16")
		require.NoError(t, err)
		for _, s := range days[0].Slots {
			blocked, err := conflicts.HasConflict(context.Background(), "s1", s.StartsAt, s.EndsAt, time.UTC)
			require.NoError(t, err)
			assert.False(t, blocked, "run %d emitted blocked slot %v", run, s)
		}
	}
}

func TestGenerateSlotsAreChronological(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: true}
	rules := map[int]*AvailabilityRule{
		1: {ID: 1, SpecialistID: "s1", DayOfWeek: 1, StartTime: "09:00", EndTime: "17:00", SlotIntervalMins: 45},
	}

	days, err := newTestGenerator(sp, rules, nil).Generate(context.Background(), "s1", "2025-06-16", "2025-06-16")
	require.NoError(t, err)
	slots := days[0].Slots
	require.NotEmpty(t, slots)
	for i := 1; i < len(slots); i++ {
		assert.True(t, slots[i-1].EndsAt.Compare(slots[i].StartsAt) <= 0)
	}
}
