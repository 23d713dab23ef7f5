package app

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /availability?specialistId=<uuid>&startDate=YYYY-MM-DD&endDate=YYYY-MM-DD
// The booking UI's read path. Only reads last-known mirror state: a failed
// sync degrades freshness here, never availability of the endpoint itself.
func (a *App) GetAvailabilityHandler(c *gin.Context) {
	specialistID := c.Query("specialistId")
	startDate := c.Query("startDate")
	endDate := c.Query("endDate")
	if specialistID == "" || startDate == "" || endDate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "specialistId, startDate and endDate required"})
		return
	}

	ctx := c.Request.Context()
	sp, err := a.Slots.Rules.SpecialistByID(ctx, specialistID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "specialist not found"})
		return
	}
	if !sp.Active {
		c.JSON(http.StatusBadRequest, gin.H{"error": "specialist is not active"})
		return
	}

	days, err := a.Slots.Generate(ctx, specialistID, startDate, endDate)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "specialist not found"})
			return
		}
		if errors.Is(err, ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, days)
}

// GET /integrations/sync — internal cron trigger, shared-secret guarded.
func (a *App) SyncTriggerHandler(c *gin.Context) {
	summary := a.RunSync(c.Request.Context())
	c.JSON(http.StatusOK, summary)
}

// POST /api/specialists/:id/availability
// Accepts a list of rules; one rule per weekday.
func (a *App) SetAvailabilityHandler(c *gin.Context) {
	specialistID := c.Param("id")
	var payload []AvailabilityRule
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var saved []AvailabilityRule
	for i := range payload {
		payload[i].SpecialistID = specialistID
		if err := validateRule(&payload[i]); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := a.Store.InsertAvailabilityRule(ctx, &payload[i]); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		saved = append(saved, payload[i])
	}
	c.JSON(http.StatusCreated, saved)
}

// PUT /api/specialists/:id/availability/:rule_id
func (a *App) UpdateAvailabilityHandler(c *gin.Context) {
	specialistID := c.Param("id")
	ruleID, err := strconv.Atoi(c.Param("rule_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}

	var payload AvailabilityRule
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload.ID = ruleID
	payload.SpecialistID = specialistID
	if err := validateRule(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.Store.UpdateAvailabilityRule(c.Request.Context(), &payload); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "availability not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// GET /api/specialists/:id/availability
func (a *App) ListAvailabilityHandler(c *gin.Context) {
	rules, err := a.Store.ListAvailabilityRules(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

type createTimeOffReq struct {
	StartAtUTC string `json:"start_at_utc" binding:"required"` // RFC3339
	EndAtUTC   string `json:"end_at_utc" binding:"required"`
}

// POST /api/specialists/:id/timeoff
func (a *App) CreateTimeOffHandler(c *gin.Context) {
	specialistID := c.Param("id")
	var req createTimeOffReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartAtUTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_at_utc"})
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndAtUTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_at_utc"})
		return
	}
	if !start.Before(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be before end"})
		return
	}

	t := &TimeOff{SpecialistID: specialistID, StartAtUTC: start.UTC(), EndAtUTC: end.UTC()}
	if err := a.Store.InsertTimeOff(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GET /api/specialists/:id/timeoff
func (a *App) ListTimeOffHandler(c *gin.Context) {
	out, err := a.Store.ListTimeOff(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// DELETE /api/specialists/:id/timeoff/:timeoff_id
func (a *App) DeleteTimeOffHandler(c *gin.Context) {
	err := a.Store.DeleteTimeOff(c.Request.Context(), c.Param("id"), c.Param("timeoff_id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "time off not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /api/specialists/:id/connections
// Token fields never leave the process (json:"-"); this is for the dashboard
// to show sync health.
func (a *App) ListConnectionsHandler(c *gin.Context) {
	conns, err := a.Connections.ListConnectionsForSpecialist(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conns)
}

// POST /api/connections/:id/disconnect
// Disables sync and makes a best-effort attempt to stop the provider-side
// subscription; a failed stop just means the channel dies at its expiry.
func (a *App) DisconnectConnectionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := a.Connections.ConnectionByID(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}

	if adapter, ok := a.Adapters[conn.Provider]; ok && conn.WebhookChannelID != "" {
		if err := adapter.StopWatch(ctx, conn); err != nil {
			_ = c.Error(err)
		}
		if err := a.Connections.UpdateConnectionWebhook(ctx, conn.ID, "", "", time.Time{}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if err := a.Connections.DisableConnectionSync(ctx, conn.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func validateRule(r *AvailabilityRule) error {
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return errors.New("day_of_week must be 0-6")
	}
	sh, sm, err := parseHHMM(r.StartTime)
	if err != nil {
		return err
	}
	eh, em, err := parseHHMM(r.EndTime)
	if err != nil {
		return err
	}
	if eh*60+em <= sh*60+sm {
		return errors.New("end_time must be after start_time")
	}
	if r.SlotIntervalMins <= 0 {
		return errors.New("slot_interval_minutes must be positive")
	}
	return nil
}
