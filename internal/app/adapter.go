package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// soradinMarkerProp is the provider-side property carrying the originating
// appointment id for events Soradin created. Google stores it as a private
// extended property, Microsoft as a single-value extended property; both use
// this name.
const soradinMarkerProp = "soradinAppointmentId"

// CalendarAdapter normalizes one provider's calendar into NormalizedEvent
// and owns that provider's webhook subscription calls. Implementations must
// refresh an expired access token (persisting it) before the events call and
// must surface ErrReauthRequired / ErrRateLimited as distinguishable
// conditions.
type CalendarAdapter interface {
	Provider() Provider
	FetchEvents(ctx context.Context, conn *CalendarConnection, timeMin, timeMax time.Time) ([]NormalizedEvent, error)
	// EnsureWatch creates or replaces the push subscription for the
	// connection and returns its identifiers and expiry.
	EnsureWatch(ctx context.Context, conn *CalendarConnection, callbackURL string) (channelID, resourceID string, expiresAt time.Time, err error)
	StopWatch(ctx context.Context, conn *CalendarConnection) error
}

// TokenStore is the slice of Store the refresher needs.
type TokenStore interface {
	ConnectionByID(ctx context.Context, id string) (*CalendarConnection, error)
	UpdateConnectionTokens(ctx context.Context, id string, readExpiry time.Time, accessToken, refreshToken string, expiresAt time.Time) (*CalendarConnection, error)
}

// tokenRefresher serializes token refresh per connection. Two concurrent
// syncs for the same connection (webhook + poller overlapping) take the same
// mutex, and the conditional update in the store makes the write safe even
// across processes.
type tokenRefresher struct {
	store TokenStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTokenRefresher(store TokenStore) *tokenRefresher {
	return &tokenRefresher{store: store, locks: map[string]*sync.Mutex{}}
}

func (r *tokenRefresher) lockFor(connID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[connID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[connID] = l
	}
	return l
}

// ensureFresh returns a connection whose access token is valid, refreshing
// through cfg's token endpoint when the stored expiry has passed. The new
// token is persisted before the caller makes any events call.
func (r *tokenRefresher) ensureFresh(ctx context.Context, conn *CalendarConnection, cfg *oauth2.Config) (*CalendarConnection, error) {
	if time.Until(conn.TokenExpiresAt) > time.Minute {
		return conn, nil
	}

	l := r.lockFor(conn.ID)
	l.Lock()
	defer l.Unlock()

	// Re-read after acquiring the lock: another goroutine may have
	// refreshed while we waited.
	current, err := r.store.ConnectionByID(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotFound
	}
	if time.Until(current.TokenExpiresAt) > time.Minute {
		return current, nil
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	updated, err := r.store.UpdateConnectionTokens(ctx, current.ID, current.TokenExpiresAt,
		tok.AccessToken, tok.RefreshToken, tok.Expiry)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// classifyOAuthError maps a token-endpoint failure onto the sync error
// taxonomy: invalid/revoked grants need reauthorization, 429 backs off.
func classifyOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant",
			re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized):
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		case re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return err
}

// staticToken wraps a stored access token for use with oauth2 clients
// without letting the client library refresh behind our back; refresh is the
// tokenRefresher's job so the result gets persisted.
func staticToken(conn *CalendarConnection) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: conn.AccessToken,
		TokenType:   "Bearer",
	})
}
