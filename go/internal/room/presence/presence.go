// Package presence keeps a liveness record per participant under
// presence/{code}/{participantId}.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Config holds the heartbeat timings.
type Config struct {
	Heartbeat time.Duration
	// TTL is how old a record may be before it counts as offline.
	TTL time.Duration
}

// DefaultConfig refreshes every 10 seconds and expires after 30.
func DefaultConfig() Config {
	return Config{
		Heartbeat: 10 * time.Second,
		TTL:       30 * time.Second,
	}
}

// Member is one online participant.
type Member struct {
	ID string `json:"id"`
	models.Presence
}

type registration struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker writes and refreshes presence records.
type Tracker struct {
	st    store.Store
	clock clockwork.Clock
	cfg   Config

	mu   sync.Mutex
	regs map[string]*registration
}

// New returns a Tracker. A nil clock means the real clock.
func New(st store.Store, clock clockwork.Clock, cfg Config) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		st:    st,
		clock: clock,
		cfg:   cfg,
		regs:  make(map[string]*registration),
	}
}

func (t *Tracker) write(ctx context.Context, path string, p models.Player) error {
	raw, err := json.Marshal(models.Presence{
		Name:      p.Name,
		Team:      p.Team,
		Online:    true,
		Timestamp: t.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = t.st.Put(ctx, path, raw)
	return err
}

// Register marks a participant online and keeps the record fresh until ctx
// ends or Close is called.
func (t *Tracker) Register(ctx context.Context, code string, p models.Player) error {
	path := store.PresencePath(code, p.ID)
	if err := t.write(ctx, path, p); err != nil {
		return fmt.Errorf("register presence %s: %w", path, err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	reg := &registration{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	prev := t.regs[path]
	t.regs[path] = reg
	t.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go func() {
		defer close(reg.done)
		ticker := t.clock.NewTicker(t.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.Chan():
				if err := t.write(hbCtx, path, p); err != nil && hbCtx.Err() == nil {
					log.Warn().Err(err).Str("path", path).Msg("presence heartbeat failed")
				}
			}
		}
	}()
	return nil
}

// Online lists participants whose record is fresh. Stores with native expiry
// drop stale records themselves.
func (t *Tracker) Online(ctx context.Context, code string) ([]Member, error) {
	prefix := store.PresencePrefix(code)
	entries, err := t.st.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list presence %s: %w", code, err)
	}
	native := false
	if x, ok := store.AsExpirer(t.st); ok {
		native = x.Expires(prefix)
	}
	now := t.clock.Now()

	var out []Member
	for _, e := range entries {
		var p models.Presence
		if err := json.Unmarshal(e.Value, &p); err != nil {
			log.Warn().Err(err).Str("path", e.Path).Msg("skipping undecodable presence")
			continue
		}
		if !p.Online {
			continue
		}
		if !native && now.Sub(time.UnixMilli(p.Timestamp)) > t.cfg.TTL {
			continue
		}
		out = append(out, Member{ID: store.Base(e.Path), Presence: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close stops the heartbeat and removes the record.
func (t *Tracker) Close(ctx context.Context, code, participantID string) error {
	path := store.PresencePath(code, participantID)
	t.mu.Lock()
	reg := t.regs[path]
	delete(t.regs, path)
	t.mu.Unlock()
	if reg != nil {
		reg.cancel()
		<-reg.done
	}
	if err := t.st.Delete(ctx, path); err != nil {
		return fmt.Errorf("remove presence %s: %w", path, err)
	}
	return nil
}

// Shutdown stops every heartbeat without deleting records.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	regs := t.regs
	t.regs = make(map[string]*registration)
	t.mu.Unlock()
	for _, reg := range regs {
		reg.cancel()
		<-reg.done
	}
}
