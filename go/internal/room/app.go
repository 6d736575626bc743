// Package room wires the join protocol, change feed, room cache, message bus,
// round resolver and presence tracker into per-participant sessions.
package room

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/room/bus"
	"github.com/mcdev12/quizzo/go/internal/room/cache"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/room/presence"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/mcdev12/quizzo/go/internal/store"
)

// Config collects the timings of every component.
type Config struct {
	Join     join.Config
	Feed     feed.Config
	Bus      bus.Config
	Round    round.Config
	Presence presence.Config
	Retry    store.RetryConfig
	// CodeAttempts bounds the search for an unused room code.
	CodeAttempts int
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Join:         join.DefaultConfig(),
		Feed:         feed.DefaultConfig(),
		Bus:          bus.DefaultConfig(),
		Round:        round.DefaultConfig(),
		Presence:     presence.DefaultConfig(),
		Retry:        store.DefaultRetryConfig(),
		CodeAttempts: 10,
	}
}

// App holds the components shared by every session in a process.
type App struct {
	st       store.Store
	clock    clockwork.Clock
	cfg      Config
	cache    *cache.Cache
	feed     *feed.Adapter
	bus      *bus.Bus
	joiner   *join.Joiner
	resolver *round.Resolver
	presence *presence.Tracker

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewApp builds the room layer on st. Store calls are retried on transient
// failures. A nil clock means the real clock.
func NewApp(st store.Store, clock clockwork.Clock, cfg Config) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rs := store.WithRetry(st, cfg.Retry, clock)
	fa := feed.New(rs, clock, cfg.Feed)
	return &App{
		st:       rs,
		clock:    clock,
		cfg:      cfg,
		cache:    cache.New(),
		feed:     fa,
		bus:      bus.New(rs, fa, clock, cfg.Bus),
		joiner:   join.New(rs, clock, cfg.Join),
		resolver: round.NewResolver(rs, clock, cfg.Round),
		presence: presence.New(rs, clock, cfg.Presence),
		sessions: make(map[*Session]struct{}),
	}
}

// Store returns the retrying store the app writes through.
func (a *App) Store() store.Store { return a.st }

// Cache returns the shared room cache.
func (a *App) Cache() *cache.Cache { return a.cache }

// Presence returns the presence tracker.
func (a *App) Presence() *presence.Tracker { return a.presence }

func (a *App) now() time.Time { return a.clock.Now() }

func (a *App) track(s *Session) {
	a.mu.Lock()
	a.sessions[s] = struct{}{}
	a.mu.Unlock()
}

func (a *App) untrack(s *Session) {
	a.mu.Lock()
	delete(a.sessions, s)
	a.mu.Unlock()
}

// Sessions returns the number of open sessions.
func (a *App) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Close ends every session and cancels pending message deletions. The
// store itself is left open.
func (a *App) Close() {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	a.presence.Shutdown()
	a.bus.Close()
}
