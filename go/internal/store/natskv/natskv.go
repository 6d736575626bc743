// Package natskv implements store.Store on NATS JetStream key-value buckets.
//
// Each root segment of a path gets its own bucket (rooms, locks, messages,
// answers, powerups, presence). The rest of the path becomes the key with
// "/" replaced by ".", so a prefix watch maps onto a subject wildcard.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds the connection and bucket settings.
type Config struct {
	URL           string
	BucketPrefix  string
	Replicas      int
	MaxReconnects int
	ReconnectWait time.Duration
	// TTL gives buckets a max age so the server removes their documents.
	TTL map[string]time.Duration
}

// DefaultConfig returns settings for a local single-node server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		BucketPrefix:  "quizzo",
		Replicas:      1,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		TTL: map[string]time.Duration{
			"messages": 10 * time.Second,
			"presence": 30 * time.Second,
		},
	}
}

// Store is a store.Store over JetStream KV.
type Store struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Creator = (*Store)(nil)
	_ store.Expirer = (*Store)(nil)
)

// Connect dials NATS and prepares a JetStream context. Buckets are created on
// first use.
func Connect(cfg Config) (*Store, error) {
	opts := []nats.Option{
		nats.Name("quizzo"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return &Store{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		buckets: make(map[string]jetstream.KeyValue),
	}, nil
}

// Expires reports whether the bucket holding path has a max age.
func (s *Store) Expires(path string) bool {
	_, ok := s.cfg.TTL[store.Root(path)]
	return ok
}

// split maps a store path to a bucket root and key. A prefix path yields a
// wildcard key.
func split(path string) (root, key string, err error) {
	root, rest, _ := strings.Cut(path, "/")
	if root == "" {
		return "", "", fmt.Errorf("natskv: empty root in %q", path)
	}
	if store.IsPrefix(path) {
		rest = strings.TrimSuffix(rest, "/")
		if rest == "" {
			return root, ">", nil
		}
		return root, strings.ReplaceAll(rest, "/", ".") + ".>", nil
	}
	if rest == "" {
		return "", "", fmt.Errorf("natskv: no key in %q", path)
	}
	return root, strings.ReplaceAll(rest, "/", "."), nil
}

func join(root, key string) string {
	return root + "/" + strings.ReplaceAll(key, ".", "/")
}

func (s *Store) bucket(ctx context.Context, root string) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[root]; ok {
		return kv, nil
	}
	cfg := jetstream.KeyValueConfig{
		Bucket:      s.cfg.BucketPrefix + "_" + root,
		Description: "quizzo " + root,
		History:     1,
		Replicas:    s.cfg.Replicas,
		TTL:         s.cfg.TTL[root],
	}
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	log.Debug().Str("bucket", cfg.Bucket).Dur("ttl", cfg.TTL).Msg("key-value bucket ready")
	s.buckets[root] = kv
	return kv, nil
}

func (s *Store) open(ctx context.Context, path string) (jetstream.KeyValue, string, string, error) {
	root, key, err := split(path)
	if err != nil {
		return nil, "", "", err
	}
	kv, err := s.bucket(ctx, root)
	if err != nil {
		return nil, "", "", err
	}
	return kv, root, key, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return store.ErrNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		return store.ErrExists
	case errors.Is(err, nats.ErrConnectionClosed):
		return store.ErrClosed
	}
	return err
}

func toEntry(root string, e jetstream.KeyValueEntry) store.Entry {
	return store.Entry{
		Path:     join(root, e.Key()),
		Value:    e.Value(),
		Revision: e.Revision(),
		Updated:  e.Created(),
		Deleted:  e.Operation() != jetstream.KeyValuePut,
	}
}

// written builds the entry for a completed write. The server timestamp comes
// from reading the revision back; Updated stays zero when that read failed.
func written(path string, value []byte, rev uint64, back jetstream.KeyValueEntry, err error) store.Entry {
	e := store.Entry{Path: path, Value: value, Revision: rev}
	if err == nil && back != nil {
		e.Updated = back.Created()
	}
	return e
}

func (s *Store) Get(ctx context.Context, path string) (store.Entry, error) {
	kv, root, key, err := s.open(ctx, path)
	if err != nil {
		return store.Entry{}, err
	}
	e, err := kv.Get(ctx, key)
	if err != nil {
		return store.Entry{}, mapErr(err)
	}
	return toEntry(root, e), nil
}

func (s *Store) Put(ctx context.Context, path string, value []byte) (store.Entry, error) {
	kv, _, key, err := s.open(ctx, path)
	if err != nil {
		return store.Entry{}, err
	}
	rev, err := kv.Put(ctx, key, value)
	if err != nil {
		return store.Entry{}, mapErr(err)
	}
	back, err := kv.GetRevision(ctx, key, rev)
	return written(path, value, rev, back, err), nil
}

// Create writes value only if the key has no live value.
func (s *Store) Create(ctx context.Context, path string, value []byte) (store.Entry, error) {
	kv, _, key, err := s.open(ctx, path)
	if err != nil {
		return store.Entry{}, err
	}
	rev, err := kv.Create(ctx, key, value)
	if err != nil {
		return store.Entry{}, mapErr(err)
	}
	back, err := kv.GetRevision(ctx, key, rev)
	return written(path, value, rev, back, err), nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	kv, _, key, err := s.open(ctx, path)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil {
		if err = mapErr(err); errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// List reads the current value of every key below prefix by running a watch
// until the server marks the initial values as delivered.
func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	kv, root, key, err := s.open(ctx, prefix)
	if err != nil {
		return nil, err
	}
	w, err := kv.Watch(ctx, key, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, mapErr(err)
	}
	defer w.Stop()

	var out []store.Entry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-w.Updates():
			if !ok {
				return nil, fmt.Errorf("natskv: list %s: watcher closed", prefix)
			}
			if e == nil {
				return out, nil
			}
			out = append(out, toEntry(root, e))
		}
	}
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.Delete(ctx, e.Path); err != nil {
			return fmt.Errorf("delete %s: %w", e.Path, err)
		}
	}
	return nil
}

// Watch forwards KV updates. Delete markers that exist before the watch
// started are skipped; later deletes are reported.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Entry, error) {
	kv, root, key, err := s.open(ctx, path)
	if err != nil {
		return nil, err
	}
	w, err := kv.Watch(ctx, key)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make(chan store.Entry, 64)
	go func() {
		defer close(out)
		defer w.Stop()
		initial := true
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					log.Debug().Str("path", path).Msg("key-value watcher closed")
					return
				}
				if e == nil {
					initial = false
					continue
				}
				if initial && e.Operation() != jetstream.KeyValuePut {
					continue
				}
				select {
				case out <- toEntry(root, e):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains the connection.
func (s *Store) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
