package app

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ReconcileStore is the slice of Store the reconciler writes through.
type ReconcileStore interface {
	ConsumeDeletionBlock(ctx context.Context, specialistID string, provider Provider, providerEventID string) (bool, error)
	AddDeletionBlock(ctx context.Context, specialistID string, provider Provider, providerEventID string) error
	ExternalEventByKey(ctx context.Context, specialistID string, provider Provider, providerEventID string) (*ExternalEvent, error)
	ListExternalEventsInWindow(ctx context.Context, specialistID string, provider Provider, timeMin, timeMax time.Time) ([]ExternalEvent, error)
	UpsertExternalEvent(ctx context.Context, e *ExternalEvent) error
	DeleteExternalEvent(ctx context.Context, specialistID string, provider Provider, providerEventID string) error
	AppointmentByID(ctx context.Context, id string) (*Appointment, error)
	UpdateAppointmentTime(ctx context.Context, id string, start, end time.Time) error
	CancelAppointment(ctx context.Context, id string) error
}

// Reconciler merges freshly fetched provider events into the mirror. Safe to
// run twice with the same input: the upsert key prevents duplicates and
// back-propagation compares against the row's prior state, not a run marker.
// Concurrent runs for the same connection (webhook + poller) are likewise
// safe because every write is an atomic upsert-by-key.
type Reconciler struct {
	Store ReconcileStore

	// AllowExternalEdits is the global gate; the connection's own flag
	// must also be on before any change flows back onto an appointment.
	AllowExternalEdits bool
}

// Reconcile applies one batch of normalized events for a connection.
// Returns the number of mirror rows upserted.
func (r *Reconciler) Reconcile(ctx context.Context, conn *CalendarConnection, events []NormalizedEvent) (int, error) {
	upserted := 0
	for _, ev := range events {
		if ev.ProviderEventID == "" {
			continue
		}
		if err := r.reconcileOne(ctx, conn, ev, &upserted); err != nil {
			return upserted, fmt.Errorf("event %s: %w", ev.ProviderEventID, err)
		}
	}
	return upserted, nil
}

// ReconcileWindow applies a batch known to be the complete set of provider
// events overlapping [timeMin, timeMax], then sweeps the mirror for rows in
// that window the batch no longer contains. Microsoft has no way to report
// deletions in a calendarView fetch (deleted events are simply absent), so
// absence inside a fully-fetched window is the deletion signal; a still-live
// row that went missing is reprocessed as cancelled, which routes it through
// the same blocklist and back-propagation paths an explicit cancellation
// takes.
func (r *Reconciler) ReconcileWindow(ctx context.Context, conn *CalendarConnection, events []NormalizedEvent, timeMin, timeMax time.Time) (int, error) {
	upserted, err := r.Reconcile(ctx, conn, events)
	if err != nil {
		return upserted, err
	}

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.ProviderEventID] = true
	}
	mirrored, err := r.Store.ListExternalEventsInWindow(ctx, conn.SpecialistID, conn.Provider, timeMin, timeMax)
	if err != nil {
		return upserted, err
	}
	for i := range mirrored {
		row := &mirrored[i]
		if seen[row.ProviderEventID] || row.Status == EventCancelled {
			continue
		}
		log.Printf("sync: event %s gone from provider window, reconciling as cancelled specialist=%s provider=%s",
			row.ProviderEventID, conn.SpecialistID, conn.Provider)
		ev := NormalizedEvent{
			ProviderEventID: row.ProviderEventID,
			StartsAt:        row.StartAtUTC,
			EndsAt:          row.EndAtUTC,
			IsAllDay:        row.IsAllDay,
			Status:          EventCancelled,
			AppointmentID:   row.AppointmentID,
		}
		if err := r.reconcileOne(ctx, conn, ev, &upserted); err != nil {
			return upserted, fmt.Errorf("absent event %s: %w", row.ProviderEventID, err)
		}
	}
	return upserted, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, conn *CalendarConnection, ev NormalizedEvent, upserted *int) error {
	// A deliberate external deletion wins over a stale cached copy the
	// provider may still be returning. The entry is single-use.
	blocked, err := r.Store.ConsumeDeletionBlock(ctx, conn.SpecialistID, conn.Provider, ev.ProviderEventID)
	if err != nil {
		return err
	}
	if blocked {
		log.Printf("sync: skipping blocklisted event specialist=%s provider=%s event=%s",
			conn.SpecialistID, conn.Provider, ev.ProviderEventID)
		return nil
	}

	prior, err := r.Store.ExternalEventByKey(ctx, conn.SpecialistID, conn.Provider, ev.ProviderEventID)
	if err != nil {
		return err
	}

	if ev.AppointmentID != "" {
		appt, err := r.Store.AppointmentByID(ctx, ev.AppointmentID)
		if err != nil {
			return err
		}
		// Stale echo: the provider still reports a Soradin event whose
		// appointment is gone from the booking store. Drop it, never
		// re-create it.
		if appt == nil {
			return r.Store.DeleteExternalEvent(ctx, conn.SpecialistID, conn.Provider, ev.ProviderEventID)
		}

		// The specialist deleted a Soradin-created event in their own
		// calendar. Remove the mirror and record the id so the next
		// poll's cached copy cannot resurrect it as a phantom block.
		if ev.Status == EventCancelled {
			if err := r.Store.DeleteExternalEvent(ctx, conn.SpecialistID, conn.Provider, ev.ProviderEventID); err != nil {
				return err
			}
			if err := r.Store.AddDeletionBlock(ctx, conn.SpecialistID, conn.Provider, ev.ProviderEventID); err != nil {
				return err
			}
			if r.backPropagationEnabled(conn) && prior != nil && prior.Status != EventCancelled {
				log.Printf("sync: external cancellation propagated to appointment %s", ev.AppointmentID)
				return r.Store.CancelAppointment(ctx, ev.AppointmentID)
			}
			return nil
		}
	}

	row := &ExternalEvent{
		SpecialistID:     conn.SpecialistID,
		Provider:         conn.Provider,
		ProviderEventID:  ev.ProviderEventID,
		StartAtUTC:       ev.StartsAt.UTC(),
		EndAtUTC:         ev.EndsAt.UTC(),
		IsAllDay:         ev.IsAllDay,
		Status:           ev.Status,
		IsSoradinCreated: ev.AppointmentID != "",
		AppointmentID:    ev.AppointmentID,
	}
	if err := r.Store.UpsertExternalEvent(ctx, row); err != nil {
		return err
	}
	*upserted++

	// Back-propagation: externally-made time changes on a Soradin-created
	// event move the linked appointment. Opt-in per connection because an
	// uncontrolled move silently reschedules a confirmed appointment.
	if row.IsSoradinCreated && r.backPropagationEnabled(conn) && prior != nil {
		timeChanged := !prior.StartAtUTC.Equal(row.StartAtUTC) || !prior.EndAtUTC.Equal(row.EndAtUTC)
		if timeChanged && row.Status == EventConfirmed {
			log.Printf("sync: external time change propagated to appointment %s", row.AppointmentID)
			if err := r.Store.UpdateAppointmentTime(ctx, row.AppointmentID, row.StartAtUTC, row.EndAtUTC); err != nil && err != ErrNotFound {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) backPropagationEnabled(conn *CalendarConnection) bool {
	return r.AllowExternalEdits && conn.AllowExternalEdits
}
