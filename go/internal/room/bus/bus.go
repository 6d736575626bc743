// Package bus is a best-effort, self-expiring event channel for a room,
// layered on the store under messages/{code}/.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Config holds the message lifetime.
type Config struct {
	// FreshnessWindow is how old a message may be when received.
	FreshnessWindow time.Duration
	// TTL is how long a message stays in the store.
	TTL time.Duration
}

// DefaultConfig keeps messages for 10 seconds.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 10 * time.Second,
		TTL:             10 * time.Second,
	}
}

// Handler receives fresh messages. It runs on the subscription goroutine.
type Handler func(models.Message)

// Bus publishes and receives room messages.
type Bus struct {
	st    store.Store
	feed  *feed.Adapter
	clock clockwork.Clock
	cfg   Config

	mu      sync.Mutex
	pending map[string]clockwork.Timer
}

// New returns a Bus. A nil clock means the real clock.
func New(st store.Store, fa *feed.Adapter, clock clockwork.Clock, cfg Config) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bus{
		st:      st,
		feed:    fa,
		clock:   clock,
		cfg:     cfg,
		pending: make(map[string]clockwork.Timer),
	}
}

// Publish stores a message and schedules its removal, unless the store
// expires messages on its own.
func (b *Bus) Publish(ctx context.Context, code, from string, typ models.MessageType, payload any) (models.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	msg := models.Message{
		ID:        id.String(),
		Type:      typ,
		Data:      data,
		Timestamp: b.clock.Now().UnixMilli(),
		From:      from,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message: %w", err)
	}

	path := store.MessagePath(code, msg.ID)
	if _, err := b.st.Put(ctx, path, raw); err != nil {
		return models.Message{}, fmt.Errorf("publish %s: %w", typ, err)
	}
	if x, ok := store.AsExpirer(b.st); !ok || !x.Expires(path) {
		b.scheduleDelete(path)
	}
	log.Debug().Str("room", code).Str("type", string(typ)).Str("id", msg.ID).Msg("message published")
	return msg, nil
}

func (b *Bus) scheduleDelete(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[path] = b.clock.AfterFunc(b.cfg.TTL, func() {
		b.mu.Lock()
		delete(b.pending, path)
		b.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.st.Delete(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to delete expired message")
		}
	})
}

// Pending returns the number of scheduled deletions.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close cancels scheduled deletions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for path, t := range b.pending {
		t.Stop()
		delete(b.pending, path)
	}
}

// Subscribe delivers messages for code that are inside the freshness window
// when they arrive. Each message id is delivered at most once per
// subscription.
func (b *Bus) Subscribe(ctx context.Context, code string, h Handler) *feed.Subscription {
	seen := make(map[string]time.Time)
	return b.feed.Subscribe(ctx, store.MessagesPrefix(code), func(e store.Entry) {
		if e.Deleted {
			return
		}
		id := store.Base(e.Path)
		if _, ok := seen[id]; ok {
			return
		}
		var msg models.Message
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			log.Warn().Err(err).Str("path", e.Path).Msg("dropping undecodable message")
			return
		}
		msg.ID = id

		// prefer the store's write time over the sender's clock
		sent := e.Updated
		if sent.IsZero() {
			sent = time.UnixMilli(msg.Timestamp)
		}
		now := b.clock.Now()
		if now.Sub(sent) > b.cfg.FreshnessWindow {
			return
		}
		seen[id] = sent
		prune(seen, now, b.cfg.FreshnessWindow)
		h(msg)
	})
}

// prune forgets ids that would fail the freshness check anyway.
func prune(seen map[string]time.Time, now time.Time, window time.Duration) {
	if len(seen) < 256 {
		return
	}
	for id, sent := range seen {
		if now.Sub(sent) > window {
			delete(seen, id)
		}
	}
}
