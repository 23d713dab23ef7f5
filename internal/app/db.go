package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pgx-backed persistence layer. SlotGenerator and Reconciler
// consume it through narrow interfaces so tests can substitute in-memory
// fakes.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{DB: pool}
}

// --- specialists ---

func (s *Store) SpecialistByID(ctx context.Context, id string) (*Specialist, error) {
	q := `SELECT id, timezone, active FROM specialists WHERE id=$1`
	var sp Specialist
	err := s.DB.QueryRow(ctx, q, id).Scan(&sp.ID, &sp.Timezone, &sp.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// --- availability rules ---

func (s *Store) InsertAvailabilityRule(ctx context.Context, r *AvailabilityRule) error {
	now := time.Now().UTC()

	// At most one rule per (specialist, weekday).
	var existingID int
	checkQ := `SELECT id FROM availability_rules WHERE specialist_id=$1 AND day_of_week=$2 LIMIT 1`
	err := s.DB.QueryRow(ctx, checkQ, r.SpecialistID, r.DayOfWeek).Scan(&existingID)
	if err == nil {
		return fmt.Errorf("availability already exists for day %d", r.DayOfWeek)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	q := `INSERT INTO availability_rules
          (specialist_id, day_of_week, start_time, end_time, slot_interval_minutes, created_at, updated_at)
          VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`
	row := s.DB.QueryRow(ctx, q,
		r.SpecialistID, r.DayOfWeek, r.StartTime, r.EndTime, r.SlotIntervalMins, now, now)
	return row.Scan(&r.ID)
}

func (s *Store) UpdateAvailabilityRule(ctx context.Context, r *AvailabilityRule) error {
	now := time.Now().UTC()
	q := `UPDATE availability_rules
          SET start_time=$1, end_time=$2, slot_interval_minutes=$3, updated_at=$4
          WHERE id=$5 AND specialist_id=$6
          RETURNING id`
	err := s.DB.QueryRow(ctx, q,
		r.StartTime, r.EndTime, r.SlotIntervalMins, now, r.ID, r.SpecialistID).Scan(&r.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	r.UpdatedAt = now
	return nil
}

func (s *Store) ListAvailabilityRules(ctx context.Context, specialistID string) ([]AvailabilityRule, error) {
	q := `SELECT id, specialist_id, day_of_week, start_time, end_time, slot_interval_minutes, created_at, updated_at
	      FROM availability_rules WHERE specialist_id=$1 ORDER BY day_of_week`
	rows, err := s.DB.Query(ctx, q, specialistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AvailabilityRule
	for rows.Next() {
		var r AvailabilityRule
		if err := rows.Scan(&r.ID, &r.SpecialistID, &r.DayOfWeek, &r.StartTime, &r.EndTime,
			&r.SlotIntervalMins, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RuleForWeekday(ctx context.Context, specialistID string, weekday int) (*AvailabilityRule, error) {
	q := `SELECT id, specialist_id, day_of_week, start_time, end_time, slot_interval_minutes
	      FROM availability_rules WHERE specialist_id=$1 AND day_of_week=$2`
	var r AvailabilityRule
	err := s.DB.QueryRow(ctx, q, specialistID, weekday).Scan(
		&r.ID, &r.SpecialistID, &r.DayOfWeek, &r.StartTime, &r.EndTime, &r.SlotIntervalMins)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- time off ---

func (s *Store) InsertTimeOff(ctx context.Context, t *TimeOff) error {
	q := `INSERT INTO time_off (id, specialist_id, start_at_utc, end_at_utc, created_at)
	      VALUES (gen_random_uuid(), $1, $2, $3, now()) RETURNING id, created_at`
	return s.DB.QueryRow(ctx, q, t.SpecialistID, t.StartAtUTC, t.EndAtUTC).Scan(&t.ID, &t.CreatedAt)
}

func (s *Store) DeleteTimeOff(ctx context.Context, specialistID, id string) error {
	res, err := s.DB.Exec(ctx, `DELETE FROM time_off WHERE id=$1 AND specialist_id=$2`, id, specialistID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListTimeOff(ctx context.Context, specialistID string) ([]TimeOff, error) {
	q := `SELECT id, specialist_id, start_at_utc, end_at_utc, created_at
	      FROM time_off WHERE specialist_id=$1 ORDER BY start_at_utc`
	rows, err := s.DB.Query(ctx, q, specialistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimeOff
	for rows.Next() {
		var t TimeOff
		if err := rows.Scan(&t.ID, &t.SpecialistID, &t.StartAtUTC, &t.EndAtUTC, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- appointments (owned by the booking collaborator) ---

func (s *Store) AppointmentByID(ctx context.Context, id string) (*Appointment, error) {
	q := `SELECT id, specialist_id, start_at_utc, end_at_utc, status FROM appointments WHERE id=$1`
	var a Appointment
	err := s.DB.QueryRow(ctx, q, id).Scan(&a.ID, &a.SpecialistID, &a.StartAtUTC, &a.EndAtUTC, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) UpdateAppointmentTime(ctx context.Context, id string, start, end time.Time) error {
	res, err := s.DB.Exec(ctx,
		`UPDATE appointments SET start_at_utc=$1, end_at_utc=$2 WHERE id=$3 AND status <> 'cancelled'`,
		start, end, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CancelAppointment(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE appointments SET status='cancelled' WHERE id=$1 AND status <> 'cancelled'`, id)
	return err
}

// --- calendar connections ---

const connectionCols = `id, specialist_id, provider, external_calendar_id, access_token, refresh_token,
	token_expires_at, sync_enabled, allow_external_edits,
	COALESCE(webhook_channel_id,''), COALESCE(webhook_resource_id,''),
	COALESCE(webhook_expires_at, 'epoch'::timestamptz)`

func scanConnection(row pgx.Row) (*CalendarConnection, error) {
	var c CalendarConnection
	err := row.Scan(&c.ID, &c.SpecialistID, &c.Provider, &c.ExternalCalendarID,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.SyncEnabled,
		&c.AllowExternalEdits, &c.WebhookChannelID, &c.WebhookResourceID, &c.WebhookExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ConnectionByID(ctx context.Context, id string) (*CalendarConnection, error) {
	q := `SELECT ` + connectionCols + ` FROM calendar_connections WHERE id=$1`
	return scanConnection(s.DB.QueryRow(ctx, q, id))
}

func (s *Store) ConnectionByChannelID(ctx context.Context, channelID string) (*CalendarConnection, error) {
	q := `SELECT ` + connectionCols + ` FROM calendar_connections WHERE webhook_channel_id=$1`
	return scanConnection(s.DB.QueryRow(ctx, q, channelID))
}

func (s *Store) ListSyncEnabledConnections(ctx context.Context) ([]CalendarConnection, error) {
	q := `SELECT ` + connectionCols + ` FROM calendar_connections WHERE sync_enabled ORDER BY id`
	rows, err := s.DB.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalendarConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) ListConnectionsForSpecialist(ctx context.Context, specialistID string) ([]CalendarConnection, error) {
	q := `SELECT ` + connectionCols + ` FROM calendar_connections WHERE specialist_id=$1 ORDER BY provider`
	rows, err := s.DB.Query(ctx, q, specialistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalendarConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateConnectionTokens persists a refreshed token only if the row's expiry
// still matches what the caller read, so two racing refreshes cannot clobber
// each other. Returns the winning row either way.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id string, readExpiry time.Time, accessToken, refreshToken string, expiresAt time.Time) (*CalendarConnection, error) {
	q := `UPDATE calendar_connections
	      SET access_token=$1, refresh_token=COALESCE(NULLIF($2,''), refresh_token), token_expires_at=$3
	      WHERE id=$4 AND token_expires_at=$5`
	if _, err := s.DB.Exec(ctx, q, accessToken, refreshToken, expiresAt, id, readExpiry); err != nil {
		return nil, err
	}
	return s.ConnectionByID(ctx, id)
}

func (s *Store) UpdateConnectionWebhook(ctx context.Context, id, channelID, resourceID string, expiresAt time.Time) error {
	q := `UPDATE calendar_connections
	      SET webhook_channel_id=NULLIF($1,''), webhook_resource_id=NULLIF($2,''), webhook_expires_at=$3
	      WHERE id=$4`
	_, err := s.DB.Exec(ctx, q, channelID, resourceID, expiresAt, id)
	return err
}

func (s *Store) DisableConnectionSync(ctx context.Context, id string) error {
	res, err := s.DB.Exec(ctx, `UPDATE calendar_connections SET sync_enabled=false WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- external event mirror ---

func (s *Store) ExternalEventByKey(ctx context.Context, specialistID string, provider Provider, providerEventID string) (*ExternalEvent, error) {
	q := `SELECT specialist_id, provider, provider_event_id, start_at_utc, end_at_utc,
	             is_all_day, status, is_soradin_created, COALESCE(appointment_id,'')
	      FROM external_events
	      WHERE specialist_id=$1 AND provider=$2 AND provider_event_id=$3`
	var e ExternalEvent
	err := s.DB.QueryRow(ctx, q, specialistID, provider, providerEventID).Scan(
		&e.SpecialistID, &e.Provider, &e.ProviderEventID, &e.StartAtUTC, &e.EndAtUTC,
		&e.IsAllDay, &e.Status, &e.IsSoradinCreated, &e.AppointmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExternalEventsInWindow returns mirror rows overlapping [timeMin,
// timeMax), the same overlap rule a provider window fetch uses, so absence
// from a fetched batch can be detected against exactly these rows.
func (s *Store) ListExternalEventsInWindow(ctx context.Context, specialistID string, provider Provider, timeMin, timeMax time.Time) ([]ExternalEvent, error) {
	q := `SELECT specialist_id, provider, provider_event_id, start_at_utc, end_at_utc,
	             is_all_day, status, is_soradin_created, COALESCE(appointment_id,'')
	      FROM external_events
	      WHERE specialist_id=$1 AND provider=$2 AND start_at_utc < $4 AND end_at_utc > $3`
	rows, err := s.DB.Query(ctx, q, specialistID, provider, timeMin, timeMax)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExternalEvent
	for rows.Next() {
		var e ExternalEvent
		if err := rows.Scan(&e.SpecialistID, &e.Provider, &e.ProviderEventID, &e.StartAtUTC, &e.EndAtUTC,
			&e.IsAllDay, &e.Status, &e.IsSoradinCreated, &e.AppointmentID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertExternalEvent is keyed on (specialist_id, provider, provider_event_id).
// Running it twice with the same input leaves exactly one row.
func (s *Store) UpsertExternalEvent(ctx context.Context, e *ExternalEvent) error {
	q := `INSERT INTO external_events
	      (specialist_id, provider, provider_event_id, start_at_utc, end_at_utc,
	       is_all_day, status, is_soradin_created, appointment_id, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),now())
	      ON CONFLICT (specialist_id, provider, provider_event_id) DO UPDATE SET
	        start_at_utc=EXCLUDED.start_at_utc,
	        end_at_utc=EXCLUDED.end_at_utc,
	        is_all_day=EXCLUDED.is_all_day,
	        status=EXCLUDED.status,
	        is_soradin_created=EXCLUDED.is_soradin_created,
	        appointment_id=EXCLUDED.appointment_id,
	        updated_at=now()`
	_, err := s.DB.Exec(ctx, q, e.SpecialistID, e.Provider, e.ProviderEventID,
		e.StartAtUTC, e.EndAtUTC, e.IsAllDay, e.Status, e.IsSoradinCreated, e.AppointmentID)
	return err
}

func (s *Store) DeleteExternalEvent(ctx context.Context, specialistID string, provider Provider, providerEventID string) error {
	_, err := s.DB.Exec(ctx,
		`DELETE FROM external_events WHERE specialist_id=$1 AND provider=$2 AND provider_event_id=$3`,
		specialistID, provider, providerEventID)
	return err
}

// PruneExternalEvents removes mirror rows that ended before cutoff and are
// not linked to any appointment. Bounded retention, not a correctness need.
func (s *Store) PruneExternalEvents(ctx context.Context, specialistID string, provider Provider, cutoff time.Time) (int64, error) {
	res, err := s.DB.Exec(ctx,
		`DELETE FROM external_events
		 WHERE specialist_id=$1 AND provider=$2 AND end_at_utc < $3 AND appointment_id IS NULL`,
		specialistID, provider, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// --- deletion blocklist ---

func (s *Store) AddDeletionBlock(ctx context.Context, specialistID string, provider Provider, providerEventID string) error {
	q := `INSERT INTO deletion_blocklist (specialist_id, provider, provider_event_id, recorded_at)
	      VALUES ($1,$2,$3,now())
	      ON CONFLICT (specialist_id, provider, provider_event_id) DO NOTHING`
	_, err := s.DB.Exec(ctx, q, specialistID, provider, providerEventID)
	return err
}

// ConsumeDeletionBlock atomically removes the blocklist entry and reports
// whether it existed. Single-use: the second call for the same key is false.
func (s *Store) ConsumeDeletionBlock(ctx context.Context, specialistID string, provider Provider, providerEventID string) (bool, error) {
	q := `DELETE FROM deletion_blocklist
	      WHERE specialist_id=$1 AND provider=$2 AND provider_event_id=$3
	      RETURNING provider_event_id`
	var id string
	err := s.DB.QueryRow(ctx, q, specialistID, provider, providerEventID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
