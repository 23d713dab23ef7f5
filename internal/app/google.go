package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleAdapter speaks the Calendar v3 API. One adapter instance serves all
// Google connections; credentials travel per call, never baked into a client.
type GoogleAdapter struct {
	Config    *Config
	Refresher *tokenRefresher
}

func NewGoogleAdapter(cfg *Config, store TokenStore) *GoogleAdapter {
	return &GoogleAdapter{Config: cfg, Refresher: newTokenRefresher(store)}
}

func (g *GoogleAdapter) Provider() Provider { return ProviderGoogle }

func (g *GoogleAdapter) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.Config.GoogleClientID,
		ClientSecret: g.Config.GoogleClientSecret,
		Scopes:       []string{calendar.CalendarEventsScope},
		Endpoint:     google.Endpoint,
	}
}

func (g *GoogleAdapter) service(ctx context.Context, conn *CalendarConnection) (*calendar.Service, *CalendarConnection, error) {
	if !g.Config.GoogleConfigured() {
		return nil, nil, ErrProviderNotConfigured
	}
	conn, err := g.Refresher.ensureFresh(ctx, conn, g.oauthConfig())
	if err != nil {
		return nil, nil, err
	}
	client := oauth2.NewClient(ctx, staticToken(conn))
	srv, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, nil, fmt.Errorf("create calendar service: %w", err)
	}
	return srv, conn, nil
}

func (g *GoogleAdapter) FetchEvents(ctx context.Context, conn *CalendarConnection, timeMin, timeMax time.Time) ([]NormalizedEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Config.ProviderTimeout)
	defer cancel()

	srv, conn, err := g.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	var out []NormalizedEvent
	pageToken := ""
	for {
		call := srv.Events.List(conn.ExternalCalendarID).
			SingleEvents(true).
			ShowDeleted(true).
			TimeMin(timeMin.Format(time.RFC3339)).
			TimeMax(timeMax.Format(time.RFC3339)).
			MaxResults(250)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}
		for _, item := range events.Items {
			out = append(out, normalizeGoogleEvent(item))
		}
		if events.NextPageToken == "" {
			return out, nil
		}
		pageToken = events.NextPageToken
	}
}

func normalizeGoogleEvent(item *calendar.Event) NormalizedEvent {
	ev := NormalizedEvent{
		ProviderEventID: item.Id,
		Status:          EventConfirmed,
	}
	if item.Status == "cancelled" {
		ev.Status = EventCancelled
	}
	if item.ExtendedProperties != nil {
		ev.AppointmentID = item.ExtendedProperties.Private[soradinMarkerProp]
	}
	// Cancelled stubs from ShowDeleted may carry no times at all.
	if item.Start != nil {
		if item.Start.Date != "" {
			ev.IsAllDay = true
			if t, err := time.Parse("2006-01-02", item.Start.Date); err == nil {
				ev.StartsAt = t.UTC()
			}
		} else if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
			ev.StartsAt = t.UTC()
		}
	}
	if item.End != nil {
		if item.End.Date != "" {
			if t, err := time.Parse("2006-01-02", item.End.Date); err == nil {
				ev.EndsAt = t.UTC()
			}
		} else if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.EndsAt = t.UTC()
		}
	}
	return ev
}

// EnsureWatch registers a web_hook channel for the connection's calendar.
// Google caps channel lifetime; the scheduler renews before expiry.
func (g *GoogleAdapter) EnsureWatch(ctx context.Context, conn *CalendarConnection, callbackURL string) (string, string, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Config.ProviderTimeout)
	defer cancel()

	srv, conn, err := g.service(ctx, conn)
	if err != nil {
		return "", "", time.Time{}, err
	}

	channelID := uuid.NewString()
	expiration := time.Now().Add(7 * 24 * time.Hour)
	ch, err := srv.Events.Watch(conn.ExternalCalendarID, &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    callbackURL,
		Expiration: expiration.UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		return "", "", time.Time{}, classifyGoogleError(err)
	}

	expiresAt := expiration
	if ch.Expiration > 0 {
		expiresAt = time.UnixMilli(ch.Expiration)
	}
	return ch.Id, ch.ResourceId, expiresAt, nil
}

func (g *GoogleAdapter) StopWatch(ctx context.Context, conn *CalendarConnection) error {
	if conn.WebhookChannelID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.Config.ProviderTimeout)
	defer cancel()

	srv, conn, err := g.service(ctx, conn)
	if err != nil {
		return err
	}
	err = srv.Channels.Stop(&calendar.Channel{
		Id:         conn.WebhookChannelID,
		ResourceId: conn.WebhookResourceID,
	}).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

func classifyGoogleError(err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch ge.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusForbidden:
			for _, e := range ge.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return fmt.Errorf("%w: %v", ErrRateLimited, err)
				}
			}
		}
	}
	return classifyOAuthError(err)
}
