package app

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Provider push notifications carry no event payload; they are only a signal
// to re-fetch a bounded window for the affected connection. Handlers must
// acknowledge 2xx even on internal failure, or the provider disables or
// retry-storms the subscription.

// GET /webhooks/google — subscription handshake.
func (a *App) GoogleWebhookVerifyHandler(c *gin.Context) {
	c.String(http.StatusOK, c.Query("challenge"))
}

// POST /webhooks/google
func (a *App) GoogleWebhookHandler(c *gin.Context) {
	channelID := c.GetHeader("X-Goog-Channel-Id")
	state := c.GetHeader("X-Goog-Resource-State")

	// "sync" announces a new channel; nothing to fetch yet.
	if state == "sync" || channelID == "" {
		c.Status(http.StatusOK)
		return
	}

	conn, err := a.Connections.ConnectionByChannelID(c.Request.Context(), channelID)
	if err != nil {
		log.Printf("webhook: google channel %s lookup failed: %v", channelID, err)
		c.Status(http.StatusOK)
		return
	}
	if conn == nil {
		// Stale channel, e.g. from before a reconnect. The next poll
		// covers whatever this push was about.
		log.Printf("webhook: google channel %s unknown, ignoring", channelID)
		c.Status(http.StatusOK)
		return
	}

	a.reconcileInBackground(conn)
	c.Status(http.StatusOK)
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	Resource       string `json:"resource"`
	ChangeType     string `json:"changeType"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

// POST /webhooks/microsoft
func (a *App) MicrosoftWebhookHandler(c *gin.Context) {
	// Subscription validation: the token arrives as a query param or as
	// the entire raw body, and must be echoed back as text/plain before
	// anything else happens.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		log.Printf("webhook: microsoft body read failed: %v", err)
		c.Status(http.StatusOK)
		return
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		c.Status(http.StatusOK)
		return
	}
	if !strings.HasPrefix(trimmed, "{") {
		// Raw-body variant of the validation handshake.
		c.String(http.StatusOK, trimmed)
		return
	}

	var batch graphNotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		log.Printf("webhook: malformed microsoft payload: %v", err)
		c.Status(http.StatusOK)
		return
	}

	for _, n := range batch.Value {
		if n.SubscriptionID == "" {
			continue
		}
		conn, err := a.Connections.ConnectionByChannelID(c.Request.Context(), n.SubscriptionID)
		if err != nil {
			log.Printf("webhook: microsoft subscription %s lookup failed: %v", n.SubscriptionID, err)
			continue
		}
		if conn == nil {
			log.Printf("webhook: microsoft subscription %s unknown, ignoring", n.SubscriptionID)
			continue
		}
		a.reconcileInBackground(conn)
	}
	c.Status(http.StatusOK)
}

// reconcileInBackground hands the refetch to a goroutine so the handler
// returns within the provider's response SLA. The work still runs to
// completion with its own deadline; a failure here is caught by the next
// poll, which is the correctness backstop.
func (a *App) reconcileInBackground(conn *CalendarConnection) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := a.syncConnection(ctx, conn); err != nil {
			log.Printf("webhook: refetch for connection %s failed: %v", conn.ID, err)
		}
	}()
}
