package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func availabilityRouter(a *App) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/availability", a.GetAvailabilityHandler)
	return r
}

func TestGetAvailabilityOK(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "America/Edmonton", Active: true}
	rules := map[int]*AvailabilityRule{
		1: {ID: 1, SpecialistID: "s1", DayOfWeek: 1, StartTime: "09:00", EndTime: "10:00", SlotIntervalMins: 30},
	}
	a := &App{Slots: newTestGenerator(sp, rules, nil)}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/availability?specialistId=s1&startDate=2025-06-16&endDate=2025-06-17", nil)
	availabilityRouter(a).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var days []DaySlots
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &days))
	require.Len(t, days, 2)
	assert.Equal(t, "2025-06-16", days[0].Date)
	assert.Len(t, days[0].Slots, 2) // Monday 09:00 and 09:30
	assert.Empty(t, days[1].Slots)  // Tuesday has no rule
	assert.NotNil(t, days[1].Slots) // but serializes as []
}

func TestGetAvailabilityUnknownSpecialistIs404(t *testing.T) {
	a := &App{Slots: newTestGenerator(&Specialist{ID: "other", Active: true, Timezone: "UTC"}, nil, nil)}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/availability?specialistId=s1&startDate=2025-06-16&endDate=2025-06-16", nil)
	availabilityRouter(a).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAvailabilityInactiveSpecialistIs400(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "UTC", Active: false}
	a := &App{Slots: newTestGenerator(sp, nil, nil)}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/availability?specialistId=s1&startDate=2025-06-16&endDate=2025-06-16", nil)
	availabilityRouter(a).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAvailabilityMalformedParamsAre400(t *testing.T) {
	sp := &Specialist{ID: "s1", Timezone: "UTC", Active: true}
	a := &App{Slots: newTestGenerator(sp, nil, nil)}
	router := availabilityRouter(a)

	for _, target := range []string{
		"/availability",
		"/availability?specialistId=s1",
		"/availability?specialistId=s1&startDate=junk&endDate=2025-06-16",
		"/availability?specialistId=s1&startDate=2025-06-17&endDate=2025-06-16",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, "target %s", target)
	}
}

func TestValidateRule(t *testing.T) {
	ok := AvailabilityRule{DayOfWeek: 1, StartTime: "09:00", EndTime: "17:00", SlotIntervalMins: 30}
	assert.NoError(t, validateRule(&ok))

	bad := []AvailabilityRule{
		{DayOfWeek: 7, StartTime: "09:00", EndTime: "17:00", SlotIntervalMins: 30},
		{DayOfWeek: 1, StartTime: "17:00", EndTime: "09:00", SlotIntervalMins: 30},
		{DayOfWeek: 1, StartTime: "09:00", EndTime: "09:00", SlotIntervalMins: 30},
		{DayOfWeek: 1, StartTime: "09:00", EndTime: "17:00", SlotIntervalMins: 0},
		{DayOfWeek: 1, StartTime: "morning", EndTime: "17:00", SlotIntervalMins: 30},
	}
	for i := range bad {
		assert.Error(t, validateRule(&bad[i]), "case %d", i)
	}
}

func TestCronSecretMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/integrations/sync", CronSecretMiddleware("s3cret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid secret", "Bearer s3cret", http.StatusOK},
		{"wrong secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/integrations/sync", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
