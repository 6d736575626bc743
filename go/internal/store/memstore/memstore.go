// Package memstore is an in-process store.Store. It backs tests and the
// "memory" backend, and can inject transport faults.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/store"
)

const watchBuffer = 64

// Op names a store operation passed to a fault hook.
type Op string

const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpCreate Op = "create"
	OpDelete Op = "delete"
	OpList   Op = "list"
	OpWatch  Op = "watch"
)

// FaultFunc runs before every operation. A non-nil error fails the operation.
// It is called without the store lock held, so it may call back into the store.
type FaultFunc func(op Op, path string) error

type entry struct {
	value    []byte
	revision uint64
	updated  time.Time
}

type watcher struct {
	path   string
	ch     chan store.Entry
	closed bool
}

// Store keeps documents in a map.
type Store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	docs     map[string]entry
	revision uint64
	watchers map[*watcher]struct{}
	ttl      map[string]time.Duration
	fault    FaultFunc
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for write times and expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithTTL expires documents under the given root segment (for example
// "messages") after ttl.
func WithTTL(root string, ttl time.Duration) Option {
	return func(s *Store) { s.ttl[root] = ttl }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    clockwork.NewRealClock(),
		docs:     make(map[string]entry),
		watchers: make(map[*watcher]struct{}),
		ttl:      make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Creator = (*Store)(nil)
	_ store.Expirer = (*Store)(nil)
)

// SetFault installs a fault hook; nil removes it.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// DropWatchers closes every open watch channel, as a dropped connection would.
func (s *Store) DropWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		s.closeWatcherLocked(w)
	}
}

// Watchers returns the number of open watches.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Store) before(ctx context.Context, op Op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	f, closed := s.fault, s.closed
	s.mu.Unlock()
	if closed {
		return store.ErrClosed
	}
	if f != nil {
		return f(op, path)
	}
	return nil
}

// Expires reports whether documents at path are removed by TTL.
func (s *Store) Expires(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ttl[store.Root(path)]
	return ok
}

func (s *Store) expiredLocked(path string, e entry) bool {
	ttl, ok := s.ttl[store.Root(path)]
	return ok && s.clock.Since(e.updated) > ttl
}

func (s *Store) Get(ctx context.Context, path string) (store.Entry, error) {
	if err := s.before(ctx, OpGet, path); err != nil {
		return store.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.docs[path]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	if s.expiredLocked(path, e) {
		s.deleteLocked(path)
		return store.Entry{}, store.ErrNotFound
	}
	return toEntry(path, e), nil
}

func (s *Store) Put(ctx context.Context, path string, value []byte) (store.Entry, error) {
	if err := s.before(ctx, OpPut, path); err != nil {
		return store.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(path, value), nil
}

// Create writes value only when nothing is stored at path.
func (s *Store) Create(ctx context.Context, path string, value []byte) (store.Entry, error) {
	if err := s.before(ctx, OpCreate, path); err != nil {
		return store.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.docs[path]; ok && !s.expiredLocked(path, e) {
		return store.Entry{}, store.ErrExists
	}
	return s.putLocked(path, value), nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.before(ctx, OpDelete, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(path)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	if err := s.before(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(prefix), nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if err := s.before(ctx, OpDelete, prefix); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.docs {
		if store.Matches(prefix, path) {
			s.deleteLocked(path)
		}
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Entry, error) {
	if err := s.before(ctx, OpWatch, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snap := s.snapshotLocked(path)
	w := &watcher{path: path, ch: make(chan store.Entry, watchBuffer+len(snap))}
	for _, e := range snap {
		w.ch <- e
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closeWatcherLocked(w)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// Close closes all watches and fails later calls.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for w := range s.watchers {
		s.closeWatcherLocked(w)
	}
	return nil
}

func (s *Store) putLocked(path string, value []byte) store.Entry {
	s.revision++
	e := entry{
		value:    append([]byte(nil), value...),
		revision: s.revision,
		updated:  s.clock.Now(),
	}
	s.docs[path] = e
	out := toEntry(path, e)
	s.notifyLocked(out)
	return out
}

func (s *Store) deleteLocked(path string) {
	if _, ok := s.docs[path]; !ok {
		return
	}
	delete(s.docs, path)
	s.revision++
	s.notifyLocked(store.Entry{
		Path:     path,
		Revision: s.revision,
		Updated:  s.clock.Now(),
		Deleted:  true,
	})
}

func (s *Store) snapshotLocked(path string) []store.Entry {
	var out []store.Entry
	for p, e := range s.docs {
		if !store.Matches(path, p) {
			continue
		}
		if s.expiredLocked(p, e) {
			continue
		}
		out = append(out, toEntry(p, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out
}

// notifyLocked fans an entry out to matching watchers. A watcher that cannot
// keep up is closed, which callers observe as a dropped connection.
func (s *Store) notifyLocked(e store.Entry) {
	for w := range s.watchers {
		if !store.Matches(w.path, e.Path) {
			continue
		}
		c := e
		c.Value = append([]byte(nil), e.Value...)
		select {
		case w.ch <- c:
		default:
			s.closeWatcherLocked(w)
		}
	}
}

func (s *Store) closeWatcherLocked(w *watcher) {
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
	delete(s.watchers, w)
}

func toEntry(path string, e entry) store.Entry {
	return store.Entry{
		Path:     path,
		Value:    append([]byte(nil), e.value...),
		Revision: e.revision,
		Updated:  e.updated,
	}
}
