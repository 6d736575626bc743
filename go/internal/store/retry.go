package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RetryConfig bounds how transient transport failures are retried.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration // multiplied by the attempt number
}

// DefaultRetryConfig returns the retry budget used by sessions.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Permanent reports whether err is an answer from the store rather than a
// transport failure, so retrying cannot change the outcome.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Retrying wraps a Store and retries transient failures with linear backoff.
type Retrying struct {
	Store
	cfg   RetryConfig
	clock clockwork.Clock
}

// WithRetry wraps st. Creator and Expirer are preserved when st implements them.
func WithRetry(st Store, cfg RetryConfig, clock clockwork.Clock) *Retrying {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retrying{Store: st, cfg: cfg, clock: clock}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.Store }

func (r *Retrying) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(r.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		err := fn()
		if err == nil {
			if attempt > 0 {
				log.Debug().Str("op", op).Str("path", path).Int("attempt", attempt+1).Msg("store call succeeded after retry")
			}
			return nil
		}
		if Permanent(err) {
			return err
		}
		lastErr = err
		log.Warn().Err(err).Str("op", op).Str("path", path).Int("attempt", attempt+1).Msg("store call failed, retrying")
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", op, path, r.cfg.MaxRetries+1, lastErr)
}

func (r *Retrying) Get(ctx context.Context, path string) (Entry, error) {
	var e Entry
	err := r.do(ctx, "get", path, func() (err error) {
		e, err = r.Store.Get(ctx, path)
		return err
	})
	return e, err
}

func (r *Retrying) Put(ctx context.Context, path string, value []byte) (Entry, error) {
	var e Entry
	err := r.do(ctx, "put", path, func() (err error) {
		e, err = r.Store.Put(ctx, path, value)
		return err
	})
	return e, err
}

func (r *Retrying) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, func() error {
		return r.Store.Delete(ctx, path)
	})
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := r.do(ctx, "list", prefix, func() (err error) {
		out, err = r.Store.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *Retrying) DeletePrefix(ctx context.Context, prefix string) error {
	return r.do(ctx, "delete", prefix, func() error {
		return r.Store.DeletePrefix(ctx, prefix)
	})
}

// Create retries only when the wrapped store supports atomic creates.
// A retried create that reports ErrExists may have been our own earlier
// attempt; callers verify the stored value.
func (r *Retrying) Create(ctx context.Context, path string, value []byte) (Entry, error) {
	c, ok := r.Store.(Creator)
	if !ok {
		return Entry{}, errors.ErrUnsupported
	}
	var e Entry
	err := r.do(ctx, "create", path, func() (err error) {
		e, err = c.Create(ctx, path, value)
		return err
	})
	return e, err
}

// Expires delegates to the wrapped store.
func (r *Retrying) Expires(path string) bool {
	if x, ok := r.Store.(Expirer); ok {
		return x.Expires(path)
	}
	return false
}

// AsCreator returns the atomic-create capability of st, looking through
// Retrying wrappers.
func AsCreator(st Store) (Creator, bool) {
	if r, ok := st.(*Retrying); ok {
		if _, ok := r.Store.(Creator); !ok {
			return nil, false
		}
		return r, true
	}
	c, ok := st.(Creator)
	return c, ok
}

// AsExpirer returns the native expiry capability of st.
func AsExpirer(st Store) (Expirer, bool) {
	if r, ok := st.(*Retrying); ok {
		st = r.Store
	}
	x, ok := st.(Expirer)
	return x, ok
}
