// Package feed turns store watches into a stream of whole-document changes
// that survives dropped connections and stalled pushes.
//
// Each subscription runs one goroutine that holds a watch open, reconnects
// with backoff when it closes, and polls the path on a ticker as a fallback.
// Delivery is at least once; stale and repeated entries are suppressed by
// revision, or by content when the backend has no revisions.
package feed

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Config controls reconnects and the fallback poll.
type Config struct {
	PollInterval time.Duration // 0 disables the fallback poll
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig polls every 300ms.
func DefaultConfig() Config {
	return Config{
		PollInterval: 300 * time.Millisecond,
		MinBackoff:   100 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
	}
}

// Handler receives a full document, or a deletion. It runs on the
// subscription goroutine and must not block.
type Handler func(store.Entry)

// Adapter creates subscriptions against one store.
type Adapter struct {
	st    store.Store
	clock clockwork.Clock
	cfg   Config
}

// New returns an adapter. A nil clock means the real clock.
func New(st store.Store, clock clockwork.Clock, cfg Config) *Adapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig().MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	return &Adapter{st: st, clock: clock, cfg: cfg}
}

// Subscription is a running subscription.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop ends the subscription and waits for its goroutine. No handler call
// starts after Stop returns.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

type seen struct {
	revision uint64
	deleted  bool
	value    []byte
}

type loop struct {
	a    *Adapter
	path string
	fn   Handler
	seen map[string]seen

	watch       <-chan store.Entry
	watchCancel context.CancelFunc
	backoff     time.Duration
	retry       clockwork.Timer
}

// Subscribe delivers every change at path until ctx ends or Stop is called.
// A path ending in "/" covers every document below it.
func (a *Adapter) Subscribe(ctx context.Context, path string, fn Handler) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	l := &loop{
		a:       a,
		path:    path,
		fn:      fn,
		seen:    make(map[string]seen),
		backoff: a.cfg.MinBackoff,
	}
	go func() {
		defer close(sub.done)
		l.run(ctx)
	}()
	return sub
}

func (l *loop) run(ctx context.Context) {
	l.retry = l.a.clock.NewTimer(time.Hour)
	l.retry.Stop()
	defer l.retry.Stop()
	defer l.closeWatch()

	var poll <-chan time.Time
	if l.a.cfg.PollInterval > 0 {
		t := l.a.clock.NewTicker(l.a.cfg.PollInterval)
		defer t.Stop()
		poll = t.Chan()
	}

	l.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-l.watch:
			if !ok {
				log.Debug().Str("path", l.path).Msg("watch closed, reconnecting")
				l.closeWatch()
				l.scheduleReconnect()
				continue
			}
			l.deliver(ctx, e)
		case <-l.retry.Chan():
			l.connect(ctx)
		case <-poll:
			l.poll(ctx)
		}
	}
}

func (l *loop) connect(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	ch, err := l.a.st.Watch(wctx, l.path)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("path", l.path).Dur("backoff", l.backoff).Msg("watch failed")
		l.scheduleReconnect()
		return
	}
	l.watch = ch
	l.watchCancel = cancel
	l.backoff = l.a.cfg.MinBackoff
}

func (l *loop) closeWatch() {
	if l.watchCancel != nil {
		l.watchCancel()
		l.watchCancel = nil
	}
	l.watch = nil
}

func (l *loop) scheduleReconnect() {
	l.retry.Reset(l.backoff)
	l.backoff = min(l.backoff*2, l.a.cfg.MaxBackoff)
}

// poll re-reads the path. Documents that vanished since the last delivery
// are reported as deleted.
func (l *loop) poll(ctx context.Context) {
	if store.IsPrefix(l.path) {
		entries, err := l.a.st.List(ctx, l.path)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("path", l.path).Msg("poll failed")
			}
			return
		}
		present := make(map[string]bool, len(entries))
		for _, e := range entries {
			present[e.Path] = true
			l.deliver(ctx, e)
		}
		for p, s := range l.seen {
			if !s.deleted && !present[p] {
				l.deliver(ctx, store.Entry{Path: p, Deleted: true})
			}
		}
		return
	}

	e, err := l.a.st.Get(ctx, l.path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if s, ok := l.seen[l.path]; ok && !s.deleted {
			l.deliver(ctx, store.Entry{Path: l.path, Deleted: true})
		}
	case err != nil:
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("path", l.path).Msg("poll failed")
		}
	default:
		l.deliver(ctx, e)
	}
}

func (l *loop) deliver(ctx context.Context, e store.Entry) {
	if ctx.Err() != nil {
		return
	}
	prev, ok := l.seen[e.Path]
	switch {
	case !ok:
		if e.Deleted {
			return
		}
	case e.Revision != 0 && prev.revision != 0 && e.Revision <= prev.revision:
		return
	case prev.deleted == e.Deleted && bytes.Equal(prev.value, e.Value):
		return
	}
	l.seen[e.Path] = seen{
		revision: max(prev.revision, e.Revision),
		deleted:  e.Deleted,
		value:    e.Value,
	}
	l.fn(e)
}
