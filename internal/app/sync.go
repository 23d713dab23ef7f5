package app

import (
	"context"
	"errors"
	"log"
	"time"
)

const (
	// Webhook subscriptions are renewed when they expire within this
	// threshold; polling covers the gap if renewal keeps failing.
	watchRenewalThreshold = 12 * time.Hour

	// Cooldown after a provider 429 before retrying webhook setup or a
	// fetch for that connection.
	rateLimitCooldown = 15 * time.Minute

	// Webhook-triggered refetches cover the recent past through the sync
	// window; the poller uses the same lookbehind.
	syncLookbehind = time.Hour
)

// SyncSummary aggregates one scheduler run for observability. It is logged
// and returned as the body of the sync trigger endpoint.
type SyncSummary struct {
	StartedAt        time.Time `json:"started_at"`
	Connections      int       `json:"connections"`
	Synced           int       `json:"synced"`
	ReauthRequired   int       `json:"reauth_required"`
	RateLimited      int       `json:"rate_limited"`
	Failed           int       `json:"failed"`
	EventsUpserted   int       `json:"events_upserted"`
	EventsPruned     int64     `json:"events_pruned"`
	SkippedProviders []string  `json:"skipped_providers,omitempty"`
}

// RunSync is one scheduler tick: for every sync-enabled connection, keep the
// webhook subscription alive, poll the forward window, reconcile, and prune.
// Polling runs regardless of webhook health; webhooks only buy latency.
// Failures are isolated per connection, one bad token never stops the batch.
func (a *App) RunSync(ctx context.Context) *SyncSummary {
	summary := &SyncSummary{StartedAt: time.Now().UTC()}

	conns, err := a.Connections.ListSyncEnabledConnections(ctx)
	if err != nil {
		log.Printf("sync: listing connections failed: %v", err)
		summary.Failed++
		return summary
	}
	summary.Connections = len(conns)

	skipped := map[Provider]bool{}
	for i := range conns {
		conn := &conns[i]

		if !a.Config.ProviderConfigured(conn.Provider) {
			if !skipped[conn.Provider] {
				log.Printf("sync: provider %s not configured, skipping its connections", conn.Provider)
				skipped[conn.Provider] = true
				summary.SkippedProviders = append(summary.SkippedProviders, string(conn.Provider))
			}
			continue
		}

		a.ensureWatch(ctx, conn)

		upserted, err := a.syncConnection(ctx, conn)
		summary.EventsUpserted += upserted
		switch {
		case err == nil:
			summary.Synced++
		case errors.Is(err, ErrReauthRequired):
			log.Printf("sync: connection %s needs reauthorization: %v", conn.ID, err)
			summary.ReauthRequired++
			continue
		case errors.Is(err, ErrRateLimited):
			log.Printf("sync: connection %s rate limited, backing off: %v", conn.ID, err)
			a.setBackoff(conn.ID, rateLimitCooldown)
			summary.RateLimited++
			continue
		default:
			log.Printf("sync: connection %s failed this cycle: %v", conn.ID, err)
			summary.Failed++
			continue
		}

		cutoff := time.Now().Add(-syncLookbehind).UTC()
		pruned, err := a.Connections.PruneExternalEvents(ctx, conn.SpecialistID, conn.Provider, cutoff)
		if err != nil {
			log.Printf("sync: pruning for connection %s failed: %v", conn.ID, err)
		}
		summary.EventsPruned += pruned
	}

	log.Printf("sync: run complete connections=%d synced=%d reauth=%d rate_limited=%d failed=%d upserted=%d pruned=%d",
		summary.Connections, summary.Synced, summary.ReauthRequired,
		summary.RateLimited, summary.Failed, summary.EventsUpserted, summary.EventsPruned)
	return summary
}

// ensureWatch (re)creates the push subscription when it is missing or close
// to expiry. Failures here are logged only: polling is the correctness
// backstop, so a broken webhook must not fail the run.
func (a *App) ensureWatch(ctx context.Context, conn *CalendarConnection) {
	if a.Config.WebhookBaseURL == "" {
		return
	}
	if conn.WebhookChannelID != "" && time.Until(conn.WebhookExpiresAt) > watchRenewalThreshold {
		return
	}
	if a.inBackoff(conn.ID) {
		return
	}

	adapter, ok := a.Adapters[conn.Provider]
	if !ok {
		return
	}
	// Releasing the expiring subscription first keeps the provider from
	// accumulating orphans that only die at natural expiry. Best effort:
	// a failed stop never blocks the replacement.
	if conn.WebhookChannelID != "" {
		if err := adapter.StopWatch(ctx, conn); err != nil {
			log.Printf("sync: stopping expiring webhook %s for connection %s failed: %v",
				conn.WebhookChannelID, conn.ID, err)
		}
	}

	callback := a.Config.WebhookBaseURL + "/webhooks/" + string(conn.Provider)
	channelID, resourceID, expiresAt, err := adapter.EnsureWatch(ctx, conn, callback)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			a.setBackoff(conn.ID, rateLimitCooldown)
		}
		log.Printf("sync: webhook setup for connection %s failed: %v", conn.ID, err)
		return
	}
	if err := a.Connections.UpdateConnectionWebhook(ctx, conn.ID, channelID, resourceID, expiresAt); err != nil {
		log.Printf("sync: persisting webhook for connection %s failed: %v", conn.ID, err)
		return
	}
	conn.WebhookChannelID = channelID
	conn.WebhookResourceID = resourceID
	conn.WebhookExpiresAt = expiresAt
	log.Printf("sync: webhook subscription ready connection=%s provider=%s expires=%s",
		conn.ID, conn.Provider, expiresAt.Format(time.RFC3339))
}

// syncConnection fetches the bounded window and reconciles it into the
// mirror. Shared by the poller and webhook-triggered refetches.
func (a *App) syncConnection(ctx context.Context, conn *CalendarConnection) (int, error) {
	adapter, ok := a.Adapters[conn.Provider]
	if !ok {
		return 0, ErrProviderNotConfigured
	}
	if a.inBackoff(conn.ID) {
		return 0, ErrRateLimited
	}

	timeMin := time.Now().Add(-syncLookbehind).UTC()
	timeMax := time.Now().AddDate(0, 0, a.Config.SyncWindowDays).UTC()
	events, err := adapter.FetchEvents(ctx, conn, timeMin, timeMax)
	if err != nil {
		return 0, err
	}
	return a.Reconciler.ReconcileWindow(ctx, conn, events, timeMin, timeMax)
}
