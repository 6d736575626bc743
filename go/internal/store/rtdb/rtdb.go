// Package rtdb implements store.Store on a Firebase-style realtime database:
// documents are read and written with REST calls on {base}/{path}.json and
// changes stream back as server-sent events.
//
// The protocol has no revisions and no conditional create, so entries carry
// Revision 0 and the join protocol falls back to its claim-and-verify lock.
package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Config holds the database location and credentials.
type Config struct {
	URL     string // e.g. https://project-default-rtdb.firebaseio.com
	Auth    string // optional database secret or ID token
	Timeout time.Duration
}

// Store is a store.Store over the REST and streaming API.
type Store struct {
	c *baseClient
}

var _ store.Store = (*Store)(nil)

// New returns a store for cfg.URL.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("rtdb: database URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Store{c: newBaseClient(cfg.URL, cfg.Auth, cfg.Timeout)}, nil
}

// SetHeader adds a header to every request.
func (s *Store) SetHeader(key, value string) {
	s.c.setHeader(key, value)
}

func isNull(b []byte) bool {
	return len(bytes.TrimSpace(b)) == 0 || string(bytes.TrimSpace(b)) == "null"
}

func (s *Store) Get(ctx context.Context, path string) (store.Entry, error) {
	body, err := s.c.makeRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return store.Entry{}, fmt.Errorf("get %s: %w", path, err)
	}
	if isNull(body) {
		return store.Entry{}, store.ErrNotFound
	}
	return store.Entry{Path: path, Value: body}, nil
}

func (s *Store) Put(ctx context.Context, path string, value []byte) (store.Entry, error) {
	if _, err := s.c.makeRequest(ctx, http.MethodPut, path, bytes.NewReader(value)); err != nil {
		return store.Entry{}, fmt.Errorf("put %s: %w", path, err)
	}
	return store.Entry{Path: path, Value: value}, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.c.makeRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List returns the direct children of prefix ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	body, err := s.c.makeRequest(ctx, http.MethodGet, prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	children, err := decodeChildren(body)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]store.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.Entry{Path: prefix + k, Value: children[k]})
	}
	return out, nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	return s.Delete(ctx, strings.TrimSuffix(prefix, "/"))
}

// Watch opens a streaming read. The channel closes when the stream ends.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Entry, error) {
	body, err := s.c.openStream(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	out := make(chan store.Entry, 64)
	w := &streamWatch{s: s, path: path, out: out, known: make(map[string]bool)}
	go func() {
		defer close(out)
		defer body.Close()
		err := readEvents(body, func(ev event) error { return w.handle(ctx, ev) })
		if ctx.Err() == nil && !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Str("path", path).Msg("event stream ended")
		}
	}()
	return out, nil
}

// Close is a no-op; streams end with their contexts.
func (s *Store) Close() error { return nil }

func decodeChildren(body []byte) (map[string]json.RawMessage, error) {
	if isNull(body) {
		return nil, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(body, &children); err != nil {
		return nil, fmt.Errorf("decode children: %w", err)
	}
	return children, nil
}

type streamWatch struct {
	s     *Store
	path  string
	out   chan<- store.Entry
	known map[string]bool
	seen  bool
}

func (w *streamWatch) emit(ctx context.Context, e store.Entry) error {
	select {
	case w.out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *streamWatch) handle(ctx context.Context, ev event) error {
	if store.IsPrefix(w.path) {
		return w.handleChildren(ctx, ev)
	}
	first := !w.seen
	w.seen = true
	if ev.Name == "put" && ev.Path == "/" {
		if isNull(ev.Data) {
			if first {
				return nil
			}
			return w.emit(ctx, store.Entry{Path: w.path, Deleted: true})
		}
		return w.emit(ctx, store.Entry{Path: w.path, Value: ev.Data})
	}
	// partial update below the document: read the whole document back
	return w.refetch(ctx, w.path)
}

func (w *streamWatch) handleChildren(ctx context.Context, ev event) error {
	if ev.Path == "/" {
		children, err := decodeChildren(ev.Data)
		if err != nil {
			return err
		}
		if ev.Name == "put" {
			for k := range w.known {
				if _, ok := children[k]; !ok {
					if err := w.child(ctx, k, nil); err != nil {
						return err
					}
				}
			}
		}
		keys := make([]string, 0, len(children))
		for k := range children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := w.child(ctx, k, children[k]); err != nil {
				return err
			}
		}
		return nil
	}

	rest := strings.TrimPrefix(ev.Path, "/")
	key, deeper, _ := strings.Cut(rest, "/")
	if deeper == "" && ev.Name == "put" {
		return w.child(ctx, key, ev.Data)
	}
	return w.refetch(ctx, w.path+key)
}

func (w *streamWatch) child(ctx context.Context, key string, value json.RawMessage) error {
	if isNull(value) {
		if !w.known[key] {
			return nil
		}
		delete(w.known, key)
		return w.emit(ctx, store.Entry{Path: w.path + key, Deleted: true})
	}
	w.known[key] = true
	return w.emit(ctx, store.Entry{Path: w.path + key, Value: value})
}

func (w *streamWatch) refetch(ctx context.Context, path string) error {
	e, err := w.s.Get(ctx, path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if store.IsPrefix(w.path) {
			return w.child(ctx, store.Base(path), nil)
		}
		return w.emit(ctx, store.Entry{Path: path, Deleted: true})
	case err != nil:
		return err
	}
	if store.IsPrefix(w.path) {
		return w.child(ctx, store.Base(path), e.Value)
	}
	return w.emit(ctx, e)
}
