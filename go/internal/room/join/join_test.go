package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/mcdev12/quizzo/go/internal/store/memstore"
)

const code = "ABCD"

func fastConfig(atomic bool) Config {
	return Config{
		SettleDelay:  10 * time.Millisecond,
		RecheckDelay: 20 * time.Millisecond,
		LockExpiry:   time.Second,
		Atomic:       atomic,
	}
}

func seedRoom(t *testing.T, st store.Store, status models.RoomStatus, players ...models.Player) {
	t.Helper()
	raw, err := json.Marshal(models.Room{Code: code, Status: status, Players: players})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Put(context.Background(), store.RoomPath(code), raw); err != nil {
		t.Fatal(err)
	}
}

func readRoom(t *testing.T, st store.Store) *models.Room {
	t.Helper()
	room, _, err := ReadRoom(context.Background(), st, code)
	if err != nil {
		t.Fatal(err)
	}
	return room
}

func assertNoLock(t *testing.T, st store.Store) {
	t.Helper()
	if _, err := st.Get(context.Background(), store.LockPath(code)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("lock left behind: %v", err)
	}
}

func reason(err error) Reason {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

func TestJoin(t *testing.T) {
	blue := models.NewPlayer("p1", "Ann", models.TeamBlue)
	red := models.NewPlayer("p1", "Ann", models.TeamRed)

	tests := []struct {
		name         string
		status       models.RoomStatus
		seed         bool
		existing     []models.Player
		code         string
		player       models.Player
		wantReason   Reason
		wantSentinel error
		wantPlayers  int
	}{
		{name: "joins lobby", status: models.RoomStatusLobby, seed: true, code: code, player: blue, wantPlayers: 1},
		{name: "lower case code", status: models.RoomStatusWaiting, seed: true, code: " abcd ", player: blue, wantPlayers: 1},
		{name: "idempotent rejoin", status: models.RoomStatusWaiting, seed: true, existing: []models.Player{blue}, code: code, player: blue, wantPlayers: 1},
		{name: "room not found", code: code, player: blue, wantReason: ReasonRoomNotFound, wantSentinel: ErrRoomNotFound},
		{name: "invalid code", code: "AB", player: blue, wantReason: ReasonInvalidCode, wantSentinel: models.ErrInvalidCode},
		{name: "invalid team", status: models.RoomStatusLobby, seed: true, code: code, player: models.NewPlayer("p1", "Ann", "green"), wantReason: ReasonInvalidTeam, wantSentinel: ErrInvalidTeam},
		{name: "match in progress", status: models.RoomStatusPlaying, seed: true, code: code, player: blue, wantReason: ReasonMatchInProgress, wantSentinel: ErrMatchInProgress},
		{name: "lineup counts as started", status: models.RoomStatusLineup, seed: true, code: code, player: blue, wantReason: ReasonMatchInProgress, wantSentinel: ErrMatchInProgress},
		{name: "team conflict", status: models.RoomStatusWaiting, seed: true, existing: []models.Player{blue}, code: code, player: red, wantReason: ReasonTeamConflict, wantSentinel: ErrTeamConflict, wantPlayers: 1},
	}

	for _, atomic := range []bool{false, true} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/atomic=%v", tt.name, atomic), func(t *testing.T) {
				ctx := context.Background()
				st := memstore.New()
				if tt.seed {
					seedRoom(t, st, tt.status, tt.existing...)
				}
				var before uint64
				if tt.seed {
					e, _ := st.Get(ctx, store.RoomPath(code))
					before = e.Revision
				}

				res, err := New(st, nil, fastConfig(atomic)).Join(ctx, tt.code, tt.player)
				assertNoLock(t, st)

				if tt.wantReason != "" {
					if got := reason(err); got != tt.wantReason {
						t.Fatalf("reason = %q (err %v), want %q", got, err, tt.wantReason)
					}
					if !errors.Is(err, tt.wantSentinel) {
						t.Errorf("errors.Is(%v, %v) = false", err, tt.wantSentinel)
					}
					if tt.seed {
						e, _ := st.Get(ctx, store.RoomPath(code))
						if e.Revision != before {
							t.Error("rejected join mutated the room")
						}
					}
					return
				}
				if err != nil {
					t.Fatalf("join: %v", err)
				}
				room := readRoom(t, st)
				if len(room.Players) != tt.wantPlayers {
					t.Errorf("players = %d, want %d", len(room.Players), tt.wantPlayers)
				}
				if room.Status != models.RoomStatusWaiting {
					t.Errorf("status = %q, want waiting", room.Status)
				}
				if room.Timestamp == 0 {
					t.Error("timestamp not stamped")
				}
				wantPhases := []Phase{PhaseSearching, PhaseLockClaimed, PhaseLockVerified, PhaseRosterUpdated, PhaseReleased}
				if diff := cmp.Diff(wantPhases, res.Phases); diff != "" {
					t.Errorf("phases (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestJoinRoomBusy(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedRoom(t, st, models.RoomStatusLobby)

	// another client keeps overwriting the lock just before every read
	other, _ := json.Marshal(models.Lock{Claimant: "other", Nonce: "other-nonce"})
	st.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpGet && path == store.LockPath(code) {
			st.Put(ctx, path, other)
		}
		return nil
	})

	_, err := New(st, nil, fastConfig(false)).Join(ctx, code, models.NewPlayer("p1", "Ann", models.TeamBlue))
	if !errors.Is(err, ErrRoomBusy) {
		t.Fatalf("got %v, want ErrRoomBusy", err)
	}
	var rej *RejectedError
	if errors.As(err, &rej) && !rej.Retryable() {
		t.Error("busy should be retryable")
	}

	st.SetFault(nil)
	e, err := st.Get(ctx, store.LockPath(code))
	if err != nil {
		t.Fatalf("winner's lock was removed: %v", err)
	}
	var lk models.Lock
	json.Unmarshal(e.Value, &lk)
	if lk.Nonce != "other-nonce" {
		t.Errorf("lock = %+v, want the other claimant's", lk)
	}
	if len(readRoom(t, st).Players) != 0 {
		t.Error("busy join changed the roster")
	}
}

func TestAtomicLockBusyAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	st := memstore.New(memstore.WithClock(clock))
	seedRoom(t, st, models.RoomStatusLobby)

	held, _ := json.Marshal(models.Lock{Claimant: "other", Timestamp: clock.Now().UnixMilli(), Nonce: "n"})
	st.Put(ctx, store.LockPath(code), held)

	cfg := fastConfig(true)
	cfg.RecheckDelay = 0
	j := New(st, clock, cfg)

	if _, err := j.Join(ctx, code, models.NewPlayer("p1", "Ann", models.TeamBlue)); !errors.Is(err, ErrRoomBusy) {
		t.Fatalf("fresh lock: got %v, want ErrRoomBusy", err)
	}

	clock.Advance(2 * cfg.LockExpiry)
	if _, err := j.Join(ctx, code, models.NewPlayer("p1", "Ann", models.TeamBlue)); err != nil {
		t.Fatalf("expired lock not taken over: %v", err)
	}
	assertNoLock(t, st)
}

func TestJoinStaleAfterLock(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		t.Run(fmt.Sprintf("atomic=%v", atomic), func(t *testing.T) {
			ctx := context.Background()
			st := memstore.New()
			seedRoom(t, st, models.RoomStatusWaiting)

			// the host starts the match while the lock is being claimed
			var once sync.Once
			st.SetFault(func(op memstore.Op, path string) error {
				if (op == memstore.OpPut || op == memstore.OpCreate) && path == store.LockPath(code) {
					once.Do(func() { seedRoom(t, st, models.RoomStatusLineup) })
				}
				return nil
			})

			_, err := New(st, nil, fastConfig(atomic)).Join(ctx, code, models.NewPlayer("p1", "Ann", models.TeamBlue))
			if !errors.Is(err, ErrMatchInProgress) || !errors.Is(err, models.ErrStaleWrite) {
				t.Fatalf("got %v, want stale ErrMatchInProgress", err)
			}
			assertNoLock(t, st)
			if len(readRoom(t, st).Players) != 0 {
				t.Error("stale join changed the roster")
			}
		})
	}
}

func TestJoinTransportError(t *testing.T) {
	st := memstore.New()
	seedRoom(t, st, models.RoomStatusLobby)
	st.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpGet && path == store.RoomPath(code) {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err := New(st, nil, fastConfig(false)).Join(context.Background(), code, models.NewPlayer("p1", "Ann", models.TeamBlue))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
}

func TestJoinCanceledLeavesNoLock(t *testing.T) {
	st := memstore.New()
	seedRoom(t, st, models.RoomStatusLobby)
	ctx, cancel := context.WithCancel(context.Background())
	st.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpPut && path == store.LockPath(code) {
			cancel()
		}
		return nil
	})
	_, err := New(st, nil, fastConfig(false)).Join(ctx, code, models.NewPlayer("p1", "Ann", models.TeamBlue))
	if err == nil {
		t.Fatal("canceled join succeeded")
	}
	assertNoLock(t, st)
}

// Racing joins, staggered so claims overlap the settling window.
func TestConcurrentJoins(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		t.Run(fmt.Sprintf("atomic=%v", atomic), func(t *testing.T) {
			ctx := context.Background()
			st := memstore.New()
			seedRoom(t, st, models.RoomStatusLobby)
			j := New(st, nil, DefaultConfig())
			if !atomic {
				j = New(st, nil, Config{SettleDelay: 100 * time.Millisecond, RecheckDelay: 200 * time.Millisecond})
			}

			delays := []time.Duration{0, 0, 50 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes = map[string]bool{}
			)
			for i, d := range delays {
				i, d := i, d
				wg.Add(1)
				go func() {
					defer wg.Done()
					time.Sleep(d)
					team := models.TeamBlue
					if i%2 == 1 {
						team = models.TeamRed
					}
					id := fmt.Sprintf("p%d", i)
					_, err := j.Join(ctx, code, models.NewPlayer(id, id, team))
					if err != nil && !errors.Is(err, ErrRoomBusy) {
						t.Errorf("join %s: unexpected error %v", id, err)
						return
					}
					if err == nil {
						mu.Lock()
						successes[id] = true
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			room := readRoom(t, st)
			got := map[string]bool{}
			for _, p := range room.Players {
				if got[p.ID] {
					t.Errorf("duplicate roster entry %s", p.ID)
				}
				got[p.ID] = true
			}
			if diff := cmp.Diff(successes, got); diff != "" {
				t.Errorf("roster differs from successful joins (-want +got):\n%s", diff)
			}
			if len(successes) == 0 {
				t.Error("no join succeeded")
			}
			assertNoLock(t, st)
		})
	}
}

func TestAcquireReportsClaimBeforeVerifying(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New()
	cfg := fastConfig(false)
	l := NewLocker(st, clock, cfg)

	claimed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		c, err := l.Acquire(ctx, code, "p1", func() { close(claimed) })
		if err == nil {
			l.Release(ctx, c)
		}
		done <- err
	}()

	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("claim never reported")
	}
	if _, err := st.Get(ctx, store.LockPath(code)); err != nil {
		t.Fatalf("claim reported before it was written: %v", err)
	}
	select {
	case err := <-done:
		t.Fatalf("acquired before the settle delay (err %v)", err)
	default:
	}

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(cfg.SettleDelay)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not finish after the settle delay")
	}
	assertNoLock(t, st)
}
