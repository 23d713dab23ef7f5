package app

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// In-memory fakes for the store-facing interfaces, shared across the package
// tests.

type memRules struct {
	specialist *Specialist
	rules      map[int]*AvailabilityRule // by weekday
}

func (m *memRules) SpecialistByID(_ context.Context, id string) (*Specialist, error) {
	if m.specialist == nil || m.specialist.ID != id {
		return nil, nil
	}
	sp := *m.specialist
	return &sp, nil
}

func (m *memRules) RuleForWeekday(_ context.Context, _ string, weekday int) (*AvailabilityRule, error) {
	r, ok := m.rules[weekday]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// memConflicts blocks any slot overlapping one of its busy ranges, plus
// whole local days for all-day events, mirroring the priority sources.
type memConflicts struct {
	busy   [][2]time.Time
	allDay []ExternalEvent
}

func (m *memConflicts) HasConflict(_ context.Context, _ string, start, end time.Time, loc *time.Location) (bool, error) {
	for _, b := range m.busy {
		if rangesOverlap(start, end, b[0], b[1]) {
			return true, nil
		}
	}
	for _, ev := range m.allDay {
		if allDayCoversLocalDay(ev.StartAtUTC, ev.EndAtUTC, start, loc) {
			return true, nil
		}
	}
	return false, nil
}

func eventKey(specialistID string, provider Provider, eventID string) string {
	return fmt.Sprintf("%s|%s|%s", specialistID, provider, eventID)
}

type memReconcileStore struct {
	mu        sync.Mutex
	blocklist map[string]bool
	events    map[string]*ExternalEvent
	appts     map[string]*Appointment

	timeUpdates []string
	cancelled   []string
}

func newMemReconcileStore() *memReconcileStore {
	return &memReconcileStore{
		blocklist: map[string]bool{},
		events:    map[string]*ExternalEvent{},
		appts:     map[string]*Appointment{},
	}
}

func (m *memReconcileStore) ConsumeDeletionBlock(_ context.Context, specialistID string, provider Provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey(specialistID, provider, eventID)
	if m.blocklist[k] {
		delete(m.blocklist, k)
		return true, nil
	}
	return false, nil
}

func (m *memReconcileStore) AddDeletionBlock(_ context.Context, specialistID string, provider Provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocklist[eventKey(specialistID, provider, eventID)] = true
	return nil
}

func (m *memReconcileStore) ExternalEventByKey(_ context.Context, specialistID string, provider Provider, eventID string) (*ExternalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventKey(specialistID, provider, eventID)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memReconcileStore) ListExternalEventsInWindow(_ context.Context, specialistID string, provider Provider, timeMin, timeMax time.Time) ([]ExternalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExternalEvent
	for _, e := range m.events {
		if e.SpecialistID == specialistID && e.Provider == provider &&
			rangesOverlap(e.StartAtUTC, e.EndAtUTC, timeMin, timeMax) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memReconcileStore) UpsertExternalEvent(_ context.Context, e *ExternalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[eventKey(e.SpecialistID, e.Provider, e.ProviderEventID)] = &cp
	return nil
}

func (m *memReconcileStore) DeleteExternalEvent(_ context.Context, specialistID string, provider Provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventKey(specialistID, provider, eventID))
	return nil
}

func (m *memReconcileStore) AppointmentByID(_ context.Context, id string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memReconcileStore) UpdateAppointmentTime(_ context.Context, id string, start, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return ErrNotFound
	}
	a.StartAtUTC = start
	a.EndAtUTC = end
	m.timeUpdates = append(m.timeUpdates, id)
	return nil
}

func (m *memReconcileStore) CancelAppointment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appts[id]; ok {
		a.Status = AppointmentCancelled
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

type memConnections struct {
	mu          sync.Mutex
	byID        map[string]*CalendarConnection
	byChannelID map[string]*CalendarConnection
}

func newMemConnections(conns ...*CalendarConnection) *memConnections {
	m := &memConnections{byID: map[string]*CalendarConnection{}, byChannelID: map[string]*CalendarConnection{}}
	for _, c := range conns {
		m.byID[c.ID] = c
		if c.WebhookChannelID != "" {
			m.byChannelID[c.WebhookChannelID] = c
		}
	}
	return m
}

func (m *memConnections) ConnectionByID(_ context.Context, id string) (*CalendarConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *memConnections) ConnectionByChannelID(_ context.Context, channelID string) (*CalendarConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byChannelID[channelID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *memConnections) ListSyncEnabledConnections(context.Context) ([]CalendarConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CalendarConnection
	for _, c := range m.byID {
		if c.SyncEnabled {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memConnections) ListConnectionsForSpecialist(_ context.Context, specialistID string) ([]CalendarConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CalendarConnection
	for _, c := range m.byID {
		if c.SpecialistID == specialistID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memConnections) UpdateConnectionWebhook(_ context.Context, id, channelID, resourceID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if c.WebhookChannelID != "" {
		delete(m.byChannelID, c.WebhookChannelID)
	}
	c.WebhookChannelID = channelID
	c.WebhookResourceID = resourceID
	c.WebhookExpiresAt = expiresAt
	if channelID != "" {
		m.byChannelID[channelID] = c
	}
	return nil
}

func (m *memConnections) DisableConnectionSync(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.SyncEnabled = false
	return nil
}

func (m *memConnections) PruneExternalEvents(context.Context, string, Provider, time.Time) (int64, error) {
	return 0, nil
}

// fakeAdapter records fetches and serves canned events.
type fakeAdapter struct {
	provider Provider

	mu      sync.Mutex
	fetches int
	stops   int
	events  []NormalizedEvent
	err     error
}

func (f *fakeAdapter) Provider() Provider { return f.provider }

func (f *fakeAdapter) FetchEvents(context.Context, *CalendarConnection, time.Time, time.Time) ([]NormalizedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.events, f.err
}

func (f *fakeAdapter) EnsureWatch(context.Context, *CalendarConnection, string) (string, string, time.Time, error) {
	return "chan-1", "res-1", time.Now().Add(24 * time.Hour), nil
}

func (f *fakeAdapter) StopWatch(context.Context, *CalendarConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeAdapter) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
