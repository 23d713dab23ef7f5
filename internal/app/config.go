package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once from the environment at startup. Provider credentials
// are optional: a provider with no client id/secret is skipped by sync rather
// than failing the process.
type Config struct {
	GoogleClientID     string
	GoogleClientSecret string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenantID     string

	// WebhookBaseURL is the public base for provider push callbacks,
	// e.g. "https://api.soradin.com". Empty disables webhook setup;
	// polling still runs.
	WebhookBaseURL string

	CronSecret string

	DefaultTimezone string

	// AllowExternalEdits is the global switch for back-propagation; the
	// per-connection flag must also be set for edits to flow back.
	AllowExternalEdits bool

	SyncWindowDays  int
	ProviderTimeout time.Duration
}

func LoadConfig() *Config {
	cfg := &Config{
		GoogleClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:     os.Getenv("MS_CLIENT_ID"),
		MicrosoftClientSecret: os.Getenv("MS_CLIENT_SECRET"),
		MicrosoftTenantID:     os.Getenv("MS_TENANT_ID"),
		WebhookBaseURL:        strings.TrimRight(os.Getenv("WEBHOOK_BASE_URL"), "/"),
		CronSecret:            os.Getenv("CRON_SECRET"),
		DefaultTimezone:       os.Getenv("DEFAULT_TIMEZONE"),
		AllowExternalEdits:    envBool("ALLOW_EXTERNAL_EDITS", false),
		SyncWindowDays:        envInt("SYNC_WINDOW_DAYS", 30),
		ProviderTimeout:       30 * time.Second,
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "America/Edmonton"
	}
	if cfg.MicrosoftTenantID == "" {
		cfg.MicrosoftTenantID = "common"
	}
	return cfg
}

// GoogleConfigured reports whether Google sync can run at all.
func (c *Config) GoogleConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

func (c *Config) MicrosoftConfigured() bool {
	return c.MicrosoftClientID != "" && c.MicrosoftClientSecret != ""
}

func (c *Config) ProviderConfigured(p Provider) bool {
	switch p {
	case ProviderGoogle:
		return c.GoogleConfigured()
	case ProviderMicrosoft:
		return c.MicrosoftConfigured()
	}
	return false
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
