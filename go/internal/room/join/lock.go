package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// errBusy means another claimant holds the lock.
var errBusy = errors.New("lock held by another claimant")

// releaseTimeout bounds lock cleanup that runs after the caller's context
// has ended.
const releaseTimeout = 2 * time.Second

// Config holds the lock timings.
type Config struct {
	SettleDelay  time.Duration // wait between claiming and verifying
	RecheckDelay time.Duration // wait before the single re-check
	LockExpiry   time.Duration // locks older than this may be taken over
	// Atomic uses the store's create-if-absent write when it has one.
	Atomic bool
}

// DefaultConfig returns the timings of the claim-and-verify protocol.
func DefaultConfig() Config {
	return Config{
		SettleDelay:  100 * time.Millisecond,
		RecheckDelay: 200 * time.Millisecond,
		LockExpiry:   5 * time.Second,
		Atomic:       true,
	}
}

// Claim is a held lock.
type Claim struct {
	Code string
	Lock models.Lock
}

// Locker claims and releases locks/{code}.
type Locker struct {
	st    store.Store
	clock clockwork.Clock
	cfg   Config
}

// NewLocker returns a Locker. A nil clock means the real clock.
func NewLocker(st store.Store, clock clockwork.Clock, cfg Config) *Locker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Locker{st: st, clock: clock, cfg: cfg}
}

func (l *Locker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(d):
		return nil
	}
}

func (l *Locker) newClaim(code, claimant string) (*Claim, []byte, error) {
	c := &Claim{
		Code: code,
		Lock: models.Lock{
			Claimant:  claimant,
			Timestamp: l.clock.Now().UnixMilli(),
			Nonce:     uuid.NewString(),
		},
	}
	raw, err := json.Marshal(c.Lock)
	if err != nil {
		return nil, nil, fmt.Errorf("encode lock: %w", err)
	}
	return c, raw, nil
}

// current reads the lock. A missing lock returns nil.
func (l *Locker) current(ctx context.Context, code string) (*models.Lock, error) {
	e, err := l.st.Get(ctx, store.LockPath(code))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lk models.Lock
	if err := json.Unmarshal(e.Value, &lk); err != nil {
		// unreadable locks are treated as held by someone else
		return &models.Lock{}, nil
	}
	return &lk, nil
}

func (l *Locker) owns(ctx context.Context, c *Claim) (bool, error) {
	cur, err := l.current(ctx, c.Code)
	if err != nil {
		return false, err
	}
	return cur != nil && cur.Nonce == c.Lock.Nonce, nil
}

// Acquire claims the lock for claimant. It returns errBusy when another
// claimant keeps it. On any error the claim has been withdrawn. claimed, if
// not nil, is called once the claim is written and before it is verified.
func (l *Locker) Acquire(ctx context.Context, code, claimant string, claimed func()) (*Claim, error) {
	c, raw, err := l.newClaim(code, claimant)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = func() {}
	}
	if l.cfg.Atomic {
		if creator, ok := store.AsCreator(l.st); ok {
			return l.acquireAtomic(ctx, creator, c, raw, claimed)
		}
	}
	return l.acquireVerified(ctx, c, raw, claimed)
}

// acquireVerified writes the claim, waits for concurrent claims to settle and
// reads it back, re-checking once.
func (l *Locker) acquireVerified(ctx context.Context, c *Claim, raw []byte, claimed func()) (*Claim, error) {
	if _, err := l.st.Put(ctx, store.LockPath(c.Code), raw); err != nil {
		l.Abandon(ctx, c)
		return nil, fmt.Errorf("claim lock: %w", err)
	}
	claimed()
	for _, delay := range []time.Duration{l.cfg.SettleDelay, l.cfg.RecheckDelay} {
		if err := l.sleep(ctx, delay); err != nil {
			l.Abandon(ctx, c)
			return nil, err
		}
		ok, err := l.owns(ctx, c)
		if err != nil {
			l.Abandon(ctx, c)
			return nil, fmt.Errorf("verify lock: %w", err)
		}
		if ok {
			return c, nil
		}
	}
	l.Abandon(ctx, c)
	return nil, errBusy
}

// acquireAtomic needs no settle wait: a successful create is verified.
func (l *Locker) acquireAtomic(ctx context.Context, creator store.Creator, c *Claim, raw []byte, claimed func()) (*Claim, error) {
	path := store.LockPath(c.Code)
	for attempt := 0; attempt < 2; attempt++ {
		_, err := creator.Create(ctx, path, raw)
		if err == nil {
			claimed()
			return c, nil
		}
		if !errors.Is(err, store.ErrExists) {
			// a retried create may have landed before failing
			l.Abandon(ctx, c)
			return nil, fmt.Errorf("create lock: %w", err)
		}
		held, err := l.current(ctx, c.Code)
		if err != nil {
			l.Abandon(ctx, c)
			return nil, fmt.Errorf("read lock: %w", err)
		}
		if held != nil && held.Nonce == c.Lock.Nonce {
			claimed()
			return c, nil
		}
		if held != nil && l.expired(held) {
			log.Warn().Str("room", c.Code).Str("claimant", held.Claimant).Msg("taking over expired lock")
			if err := l.st.Delete(ctx, path); err != nil {
				return nil, fmt.Errorf("remove expired lock: %w", err)
			}
			continue
		}
		if attempt == 0 {
			if err := l.sleep(ctx, l.cfg.RecheckDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, errBusy
}

func (l *Locker) expired(lk *models.Lock) bool {
	if l.cfg.LockExpiry <= 0 || lk.Timestamp == 0 {
		return false
	}
	return l.clock.Now().UnixMilli()-lk.Timestamp > l.cfg.LockExpiry.Milliseconds()
}

// Release deletes the lock unconditionally.
func (l *Locker) Release(ctx context.Context, c *Claim) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := l.st.Delete(ctx, store.LockPath(c.Code)); err != nil {
		log.Error().Err(err).Str("room", c.Code).Msg("failed to release lock")
		return err
	}
	return nil
}

// Abandon deletes the lock only if it still holds this claim, so a losing
// claimant never removes the winner's lock.
func (l *Locker) Abandon(ctx context.Context, c *Claim) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	ok, err := l.owns(ctx, c)
	if err != nil {
		log.Error().Err(err).Str("room", c.Code).Msg("failed to check lock before abandoning")
		return
	}
	if !ok {
		return
	}
	if err := l.st.Delete(ctx, store.LockPath(c.Code)); err != nil {
		log.Error().Err(err).Str("room", c.Code).Msg("failed to abandon lock")
	}
}

// WithLock runs fn while holding the lock on code.
func (l *Locker) WithLock(ctx context.Context, code, claimant string, fn func(context.Context) error) error {
	c, err := l.Acquire(ctx, code, claimant, nil)
	if err != nil {
		if errors.Is(err, errBusy) {
			return rejectBusy()
		}
		return err
	}
	defer l.Release(ctx, c)
	return fn(ctx)
}
