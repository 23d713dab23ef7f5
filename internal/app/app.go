package app

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectionSource is the connection-lifecycle access webhook ingest and the
// sync scheduler share. *Store implements it; tests use in-memory fakes.
type ConnectionSource interface {
	ConnectionByID(ctx context.Context, id string) (*CalendarConnection, error)
	ConnectionByChannelID(ctx context.Context, channelID string) (*CalendarConnection, error)
	ListSyncEnabledConnections(ctx context.Context) ([]CalendarConnection, error)
	ListConnectionsForSpecialist(ctx context.Context, specialistID string) ([]CalendarConnection, error)
	UpdateConnectionWebhook(ctx context.Context, id, channelID, resourceID string, expiresAt time.Time) error
	DisableConnectionSync(ctx context.Context, id string) error
	PruneExternalEvents(ctx context.Context, specialistID string, provider Provider, cutoff time.Time) (int64, error)
}

// App owns the engine's wiring: storage, slot generation, provider adapters,
// reconciler, and the HTTP handlers hanging off it.
type App struct {
	Config      *Config
	DB          *pgxpool.Pool
	Store       *Store
	Connections ConnectionSource
	Slots       *SlotGenerator
	Reconciler  *Reconciler
	Adapters    map[Provider]CalendarAdapter

	// Cooldowns after a provider 429, keyed by connection id; in-memory
	// on purpose, a restart retrying early is harmless.
	backoffMu    sync.Mutex
	backoffUntil map[string]time.Time

	// Tracks background webhook reconciles so tests and shutdown can wait.
	background sync.WaitGroup
}

func New(pool *pgxpool.Pool, cfg *Config) *App {
	store := NewStore(pool)
	a := &App{
		Config:      cfg,
		DB:          pool,
		Store:       store,
		Connections: store,
		Slots: &SlotGenerator{
			Rules:       store,
			Conflicts:   store,
			DefaultZone: cfg.DefaultTimezone,
		},
		Reconciler: &Reconciler{
			Store:              store,
			AllowExternalEdits: cfg.AllowExternalEdits,
		},
		Adapters:     map[Provider]CalendarAdapter{},
		backoffUntil: map[string]time.Time{},
	}
	a.Adapters[ProviderGoogle] = NewGoogleAdapter(cfg, store)
	a.Adapters[ProviderMicrosoft] = NewMicrosoftAdapter(cfg, store)
	return a
}

// Wait blocks until in-flight background reconciles finish.
func (a *App) Wait() {
	a.background.Wait()
}

func (a *App) inBackoff(connID string) bool {
	a.backoffMu.Lock()
	defer a.backoffMu.Unlock()
	return time.Now().Before(a.backoffUntil[connID])
}

func (a *App) setBackoff(connID string, d time.Duration) {
	a.backoffMu.Lock()
	defer a.backoffMu.Unlock()
	a.backoffUntil[connID] = time.Now().Add(d)
}
