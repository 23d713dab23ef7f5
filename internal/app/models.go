package app

import "time"

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

type Specialist struct {
	ID       string `json:"id"`
	Timezone string `json:"timezone"` // IANA identifier, e.g. "America/Edmonton"
	Active   bool   `json:"active"`
}

type AvailabilityRule struct {
	ID               int       `json:"id"`
	SpecialistID     string    `json:"specialist_id"`
	DayOfWeek        int       `json:"day_of_week"` // 0 = Sunday
	StartTime        string    `json:"start_time"`  // local "HH:MM"
	EndTime          string    `json:"end_time"`
	SlotIntervalMins int       `json:"slot_interval_minutes"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

type TimeOff struct {
	ID           string    `json:"id"`
	SpecialistID string    `json:"specialist_id"`
	StartAtUTC   time.Time `json:"start_at_utc"`
	EndAtUTC     time.Time `json:"end_at_utc"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

const (
	AppointmentPending   = "pending"
	AppointmentConfirmed = "confirmed"
	AppointmentCancelled = "cancelled"
)

// Appointment is owned by the booking flow; this engine reads it for
// conflict checks and only writes it through policy-gated back-propagation.
type Appointment struct {
	ID           string    `json:"id"`
	SpecialistID string    `json:"specialist_id"`
	StartAtUTC   time.Time `json:"start_at_utc"`
	EndAtUTC     time.Time `json:"end_at_utc"`
	Status       string    `json:"status"`
}

type CalendarConnection struct {
	ID                 string    `json:"id"`
	SpecialistID       string    `json:"specialist_id"`
	Provider           Provider  `json:"provider"`
	ExternalCalendarID string    `json:"external_calendar_id"`
	AccessToken        string    `json:"-"`
	RefreshToken       string    `json:"-"`
	TokenExpiresAt     time.Time `json:"token_expires_at"`
	SyncEnabled        bool      `json:"sync_enabled"`
	AllowExternalEdits bool      `json:"allow_external_edits"`
	WebhookChannelID   string    `json:"webhook_channel_id,omitempty"`
	WebhookResourceID  string    `json:"webhook_resource_id,omitempty"`
	WebhookExpiresAt   time.Time `json:"webhook_expires_at,omitempty"`
}

const (
	EventConfirmed = "confirmed"
	EventCancelled = "cancelled"
)

// ExternalEvent is a mirror row for one provider calendar event. Natural key
// (specialist_id, provider, provider_event_id); upsert on that key is the
// idempotence mechanism for the whole sync pipeline.
type ExternalEvent struct {
	SpecialistID     string    `json:"specialist_id"`
	Provider         Provider  `json:"provider"`
	ProviderEventID  string    `json:"provider_event_id"`
	StartAtUTC       time.Time `json:"start_at_utc"`
	EndAtUTC         time.Time `json:"end_at_utc"`
	IsAllDay         bool      `json:"is_all_day"`
	Status           string    `json:"status"`
	IsSoradinCreated bool      `json:"is_soradin_created"`
	AppointmentID    string    `json:"appointment_id,omitempty"`
}

// NormalizedEvent is the provider-neutral event shape everything past the
// adapter boundary operates on. AppointmentID is set when the provider event
// carries the Soradin marker property.
type NormalizedEvent struct {
	ProviderEventID string
	StartsAt        time.Time
	EndsAt          time.Time
	IsAllDay        bool
	Status          string // EventConfirmed or EventCancelled
	AppointmentID   string
}

// Slot DTO
type Slot struct {
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
}

type DaySlots struct {
	Date  string `json:"date"` // "YYYY-MM-DD" in the specialist's zone
	Slots []Slot `json:"slots"`
}
