package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"soradin-availability/internal/app"
	"soradin-availability/internal/server"
)

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL required")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer pool.Close()

	cfg := app.LoadConfig()
	appInstance := app.New(pool, cfg)

	router := gin.Default()

	// Public read path for the booking UI.
	router.GET("/availability", appInstance.GetAvailabilityHandler)

	// Provider push endpoints (validated per provider, never behind auth).
	router.GET("/webhooks/google", appInstance.GoogleWebhookVerifyHandler)
	router.POST("/webhooks/google", appInstance.GoogleWebhookHandler)
	router.POST("/webhooks/microsoft", appInstance.MicrosoftWebhookHandler)

	// Internal cron trigger.
	router.GET("/integrations/sync",
		app.CronSecretMiddleware(cfg.CronSecret), appInstance.SyncTriggerHandler)

	api := router.Group("/api")
	api.Use(app.AuthMiddlewareFromEnv())
	{
		specialists := api.Group("/specialists")
		{
			specialists.POST("/:id/availability", appInstance.SetAvailabilityHandler)
			specialists.PUT("/:id/availability/:rule_id", appInstance.UpdateAvailabilityHandler)
			specialists.GET("/:id/availability", appInstance.ListAvailabilityHandler)
			specialists.POST("/:id/timeoff", appInstance.CreateTimeOffHandler)
			specialists.GET("/:id/timeoff", appInstance.ListTimeOffHandler)
			specialists.DELETE("/:id/timeoff/:timeoff_id", appInstance.DeleteTimeOffHandler)
			specialists.GET("/:id/connections", appInstance.ListConnectionsHandler)
		}
		api.POST("/connections/:id/disconnect", appInstance.DisconnectConnectionHandler)
	}

	// Polling is the correctness backstop for calendar sync; webhooks only
	// improve latency.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 2m", func() {
		appInstance.RunSync(context.Background())
	}); err != nil {
		log.Fatalf("failed to schedule sync: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server.Run(router)
}
