package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// Extended property identifier Graph uses to address the Soradin marker on
// an event. The GUID namespaces the property; it is fixed for the product.
const msMarkerPropertyID = "String {7c4f3b0a-2d1e-4b8a-9c6d-5e0f1a2b3c4d} Name " + soradinMarkerProp

// Shared HTTP client for Graph calls. Credentials are passed per request via
// the Authorization header, so a process-wide client is fine.
var graphHTTPClient = &http.Client{Timeout: 30 * time.Second}

// MicrosoftAdapter speaks Microsoft Graph directly: calendarView for events,
// /subscriptions for change notifications.
type MicrosoftAdapter struct {
	Config    *Config
	Refresher *tokenRefresher
}

func NewMicrosoftAdapter(cfg *Config, store TokenStore) *MicrosoftAdapter {
	return &MicrosoftAdapter{Config: cfg, Refresher: newTokenRefresher(store)}
}

func (m *MicrosoftAdapter) Provider() Provider { return ProviderMicrosoft }

func (m *MicrosoftAdapter) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.Config.MicrosoftClientID,
		ClientSecret: m.Config.MicrosoftClientSecret,
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
		Endpoint:     microsoft.AzureADEndpoint(m.Config.MicrosoftTenantID),
	}
}

// Graph wire shapes. Only the fields the engine reads.

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type graphEvent struct {
	ID                            string                  `json:"id"`
	IsAllDay                      bool                    `json:"isAllDay"`
	IsCancelled                   bool                    `json:"isCancelled"`
	Start                         graphDateTime           `json:"start"`
	End                           graphDateTime           `json:"end"`
	SingleValueExtendedProperties []graphExtendedProperty `json:"singleValueExtendedProperties"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (m *MicrosoftAdapter) fresh(ctx context.Context, conn *CalendarConnection) (*CalendarConnection, error) {
	if !m.Config.MicrosoftConfigured() {
		return nil, ErrProviderNotConfigured
	}
	return m.Refresher.ensureFresh(ctx, conn, m.oauthConfig())
}

func (m *MicrosoftAdapter) do(ctx context.Context, conn *CalendarConnection, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := graphHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: graph returned 401", ErrReauthRequired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: graph returned 429", ErrRateLimited)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph %s %s: status %d: %s", method, rawURL, resp.StatusCode, snippet)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *MicrosoftAdapter) FetchEvents(ctx context.Context, conn *CalendarConnection, timeMin, timeMax time.Time) ([]NormalizedEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Config.ProviderTimeout)
	defer cancel()

	conn, err := m.fresh(ctx, conn)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("startDateTime", timeMin.UTC().Format(time.RFC3339))
	q.Set("endDateTime", timeMax.UTC().Format(time.RFC3339))
	q.Set("$select", "id,isAllDay,isCancelled,start,end")
	q.Set("$expand", fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s')", msMarkerPropertyID))
	q.Set("$top", "100")
	next := fmt.Sprintf("%s/me/calendars/%s/calendarView?%s",
		graphBaseURL, url.PathEscape(conn.ExternalCalendarID), q.Encode())

	var out []NormalizedEvent
	for next != "" {
		var page graphEventPage
		if err := m.do(ctx, conn, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			out = append(out, normalizeGraphEvent(item))
		}
		next = page.NextLink
	}
	return out, nil
}

func normalizeGraphEvent(item graphEvent) NormalizedEvent {
	ev := NormalizedEvent{
		ProviderEventID: item.ID,
		IsAllDay:        item.IsAllDay,
		Status:          EventConfirmed,
	}
	if item.IsCancelled {
		ev.Status = EventCancelled
	}
	for _, p := range item.SingleValueExtendedProperties {
		if p.ID == msMarkerPropertyID {
			ev.AppointmentID = p.Value
		}
	}
	ev.StartsAt = parseGraphTime(item.Start)
	ev.EndsAt = parseGraphTime(item.End)
	if item.IsAllDay {
		// Graph stores all-day events midnight-to-midnight in the zone
		// they were created in, and the UTC Prefer header hands back the
		// zone-converted instants. Snap them to the nearest midnight UTC
		// to recover the calendar dates the mirror stores: the source
		// zone's midnight is within twelve hours of UTC midnight.
		ev.StartsAt = nearestMidnightUTC(ev.StartsAt)
		ev.EndsAt = nearestMidnightUTC(ev.EndsAt)
		if !ev.EndsAt.After(ev.StartsAt) {
			ev.EndsAt = ev.StartsAt.AddDate(0, 0, 1)
		}
	}
	return ev
}

func nearestMidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	if t.Sub(day) >= 12*time.Hour {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// parseGraphTime handles Graph's fractional-second local format; the Prefer
// header pins the zone to UTC.
func parseGraphTime(dt graphDateTime) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.9999999", time.RFC3339} {
		if t, err := time.Parse(layout, dt.DateTime); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// EnsureWatch creates a fresh subscription; the scheduler stops the expiring
// one first. Graph caps calendar subscriptions at roughly three days.
func (m *MicrosoftAdapter) EnsureWatch(ctx context.Context, conn *CalendarConnection, callbackURL string) (string, string, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Config.ProviderTimeout)
	defer cancel()

	conn, err := m.fresh(ctx, conn)
	if err != nil {
		return "", "", time.Time{}, err
	}

	expiresAt := time.Now().Add(70 * time.Hour).UTC()
	sub := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    callbackURL,
		Resource:           fmt.Sprintf("me/calendars/%s/events", conn.ExternalCalendarID),
		ExpirationDateTime: expiresAt.Format(time.RFC3339),
		ClientState:        uuid.NewString(),
	}
	var created graphSubscription
	if err := m.do(ctx, conn, http.MethodPost, graphBaseURL+"/subscriptions", sub, &created); err != nil {
		return "", "", time.Time{}, err
	}
	if created.ExpirationDateTime != "" {
		if t, err := time.Parse(time.RFC3339, created.ExpirationDateTime); err == nil {
			expiresAt = t
		}
	}
	// Graph notifications identify the connection by subscription id; there
	// is no separate resource id to keep.
	return created.ID, "", expiresAt, nil
}

func (m *MicrosoftAdapter) StopWatch(ctx context.Context, conn *CalendarConnection) error {
	if conn.WebhookChannelID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.Config.ProviderTimeout)
	defer cancel()

	conn, err := m.fresh(ctx, conn)
	if err != nil {
		return err
	}
	return m.do(ctx, conn, http.MethodDelete,
		graphBaseURL+"/subscriptions/"+url.PathEscape(conn.WebhookChannelID), nil, nil)
}
