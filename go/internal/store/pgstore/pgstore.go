// Package pgstore implements store.Store on a Postgres table. Reads and writes
// go through a pgx pool; change notifications arrive over LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

// Config holds the database and listener settings.
type Config struct {
	DatabaseURL      string        // Postgres DSN for the pool and LISTEN
	NotifyChannel    string        // Channel name the trigger notifies on
	FallbackInterval time.Duration // How often expired rows are swept
	PingInterval     time.Duration
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
	TTL              map[string]time.Duration
}

// DefaultConfig returns listener defaults. DatabaseURL must be set.
func DefaultConfig() Config {
	return Config{
		NotifyChannel:    "quizzo_kv",
		FallbackInterval: 5 * time.Second,
		PingInterval:     90 * time.Second,
		MinReconnect:     10 * time.Second,
		MaxReconnect:     time.Minute,
		TTL: map[string]time.Duration{
			"messages": 10 * time.Second,
			"presence": 30 * time.Second,
		},
	}
}

type notification struct {
	Path     string `json:"path"`
	Op       string `json:"op"`
	Revision uint64 `json:"revision"`
}

// Store is a store.Store over the quizzo_kv table.
type Store struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	cfg      Config
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Creator = (*Store)(nil)
	_ store.Expirer = (*Store)(nil)
)

// Open connects the pool, starts listening and runs the notification loop
// until Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		pool.Close()
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:     pool,
		listener: l,
		cfg:      cfg,
		cancel:   cancel,
		done:     make(chan struct{}),
		watchers: make(map[*watcher]struct{}),
	}
	go s.run(runCtx)
	return s, nil
}

// Pool exposes the connection pool, for migrations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Expires reports whether rows under path carry an expiry.
func (s *Store) Expires(path string) bool {
	_, ok := s.cfg.TTL[store.Root(path)]
	return ok
}

func (s *Store) expiry(path string) *time.Time {
	ttl, ok := s.cfg.TTL[store.Root(path)]
	if !ok {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

// likePrefix escapes LIKE metacharacters.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

const live = `(expires_at IS NULL OR expires_at > now())`

func (s *Store) Get(ctx context.Context, path string) (store.Entry, error) {
	var (
		value   pqtype.NullRawMessage
		rev     int64
		updated time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, revision, updated_at FROM quizzo_kv WHERE path = $1 AND `+live,
		path,
	).Scan(&value, &rev, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return store.Entry{}, fmt.Errorf("get %s: %w", path, err)
	}
	return store.Entry{Path: path, Value: value.RawMessage, Revision: uint64(rev), Updated: updated}, nil
}

func (s *Store) Put(ctx context.Context, path string, value []byte) (store.Entry, error) {
	var (
		rev     int64
		updated time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quizzo_kv (path, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET
			value = EXCLUDED.value,
			revision = nextval('quizzo_kv_revision'),
			updated_at = now(),
			expires_at = EXCLUDED.expires_at
		RETURNING revision, updated_at`,
		path, pqtype.NullRawMessage{RawMessage: value, Valid: true}, s.expiry(path),
	).Scan(&rev, &updated)
	if err != nil {
		return store.Entry{}, fmt.Errorf("put %s: %w", path, err)
	}
	return store.Entry{Path: path, Value: value, Revision: uint64(rev), Updated: updated}, nil
}

// Create inserts value unless a live row exists. An expired row is replaced.
func (s *Store) Create(ctx context.Context, path string, value []byte) (store.Entry, error) {
	var (
		rev     int64
		updated time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quizzo_kv (path, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET
			value = EXCLUDED.value,
			revision = nextval('quizzo_kv_revision'),
			updated_at = now(),
			expires_at = EXCLUDED.expires_at
		WHERE quizzo_kv.expires_at IS NOT NULL AND quizzo_kv.expires_at <= now()
		RETURNING revision, updated_at`,
		path, pqtype.NullRawMessage{RawMessage: value, Valid: true}, s.expiry(path),
	).Scan(&rev, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, store.ErrExists
	}
	if err != nil {
		return store.Entry{}, fmt.Errorf("create %s: %w", path, err)
	}
	return store.Entry{Path: path, Value: value, Revision: uint64(rev), Updated: updated}, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM quizzo_kv WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, value, revision, updated_at FROM quizzo_kv
		 WHERE path LIKE $1 AND `+live+` ORDER BY revision`,
		likePrefix(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var (
			e     store.Entry
			value pqtype.NullRawMessage
			rev   int64
		)
		if err := rows.Scan(&e.Path, &value, &rev, &e.Updated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		e.Value = value.RawMessage
		e.Revision = uint64(rev)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM quizzo_kv WHERE path LIKE $1`, likePrefix(prefix)); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// Watch registers for notifications before reading the snapshot, so no
// change between the two is lost. Duplicates carry the same revision.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Entry, error) {
	w := newWatcher(path)
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	var snap []store.Entry
	if store.IsPrefix(path) {
		entries, err := s.List(ctx, path)
		if err != nil {
			s.drop(w)
			return nil, err
		}
		snap = entries
	} else {
		e, err := s.Get(ctx, path)
		switch {
		case err == nil:
			snap = []store.Entry{e}
		case !errors.Is(err, store.ErrNotFound):
			s.drop(w)
			return nil, err
		}
	}
	for _, e := range snap {
		w.send(e)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-w.stop:
		}
		s.drop(w)
	}()
	return w.ch, nil
}

// Close stops the notification loop and closes the pool.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.pool.Close()
	return nil
}

func (s *Store) drop(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	w.close()
}

func (s *Store) dropAll() {
	s.mu.Lock()
	ws := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		ws = append(ws, w)
	}
	s.watchers = make(map[*watcher]struct{})
	s.mu.Unlock()
	for _, w := range ws {
		w.close()
	}
}

func (s *Store) matching(path string) []*watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*watcher
	for w := range s.watchers {
		if store.Matches(w.path, path) {
			out = append(out, w)
		}
	}
	return out
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)

	log.Info().
		Str("channel", s.cfg.NotifyChannel).
		Dur("ping_interval", s.cfg.PingInterval).
		Dur("fallback_interval", s.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	fallbackTicker := time.NewTicker(s.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			s.dropAll()
			if err := s.listener.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close listener")
			}
			return
		case note := <-s.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost and
				// notifications may have been missed. Watchers resubscribe.
				s.dropAll()
				continue
			}
			if err := s.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := s.sweep(ctx); err != nil {
				log.Error().Err(err).Msg("failed to sweep expired rows")
			}
		case <-pingTicker.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification fetches the changed row once and fans it out.
func (s *Store) handleNotification(ctx context.Context, extra string) error {
	var n notification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return fmt.Errorf("invalid notification payload: %w", err)
	}
	ws := s.matching(n.Path)
	if len(ws) == 0 {
		return nil
	}

	e := store.Entry{Path: n.Path, Revision: n.Revision, Deleted: n.Op == "delete"}
	if !e.Deleted {
		got, err := s.Get(ctx, n.Path)
		if errors.Is(err, store.ErrNotFound) {
			// deleted again before we read it; the delete notification follows
			return nil
		}
		if err != nil {
			return err
		}
		e = got
	}
	for _, w := range ws {
		w.send(e)
	}
	return nil
}

// sweep deletes expired rows so watchers see their removal.
func (s *Store) sweep(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quizzo_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Debug().Int64("rows", n).Msg("swept expired rows")
	}
	return nil
}

type watcher struct {
	path string
	ch   chan store.Entry

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

func newWatcher(path string) *watcher {
	return &watcher{
		path: path,
		ch:   make(chan store.Entry, 64),
		stop: make(chan struct{}),
	}
}

// send delivers without blocking. A watcher that falls behind is closed and
// its owner resubscribes.
func (w *watcher) send(e store.Entry) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	select {
	case w.ch <- e:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.close()
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
	close(w.stop)
}
