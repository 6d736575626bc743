package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/room/presence"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/mcdev12/quizzo/go/internal/store/memstore"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Join = join.Config{SettleDelay: 5 * time.Millisecond, RecheckDelay: 10 * time.Millisecond, LockExpiry: time.Second, Atomic: true}
	cfg.Feed = feed.Config{PollInterval: 20 * time.Millisecond, MinBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	cfg.Round = round.Config{PollInterval: 10 * time.Millisecond, SpeedGrace: 30 * time.Millisecond}
	cfg.Presence = presence.Config{Heartbeat: time.Hour, TTL: time.Hour}
	cfg.Retry = store.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond}
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func roomStatus(s *Session) models.RoomStatus {
	r, ok := s.Room()
	if !ok {
		return ""
	}
	return r.Status
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// match sets up a host and one player per team in a room of the given mode.
func match(t *testing.T, mode models.GameMode) (app *App, host, blue, red *Session, code string) {
	t.Helper()
	return matchOn(t, mode, memstore.New())
}

func matchOn(t *testing.T, mode models.GameMode, st store.Store) (app *App, host, blue, red *Session, code string) {
	t.Helper()
	ctx := context.Background()
	app = NewApp(st, nil, fastConfig())
	t.Cleanup(app.Close)

	host = app.NewSession("host")
	room, err := host.CreateRoom(ctx, mode)
	if err != nil {
		t.Fatal(err)
	}
	code = room.Code

	blue = app.NewSession("b1")
	if _, err := blue.Join(ctx, strings.ToLower(code), models.Player{Name: "Ann", Team: models.TeamBlue}); err != nil {
		t.Fatalf("blue join: %v", err)
	}
	if _, err := host.StartMatch(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("start with one team: got %v, want ErrNotReady", err)
	}
	red = app.NewSession("r1")
	if _, err := red.Join(ctx, code, models.Player{Name: "Bo", Team: models.TeamRed}); err != nil {
		t.Fatalf("red join: %v", err)
	}
	eventually(t, "host sees both players", func() bool {
		r, ok := host.Room()
		return ok && r.Ready()
	})
	return app, host, blue, red, code
}

func TestClassMatch(t *testing.T) {
	ctx := context.Background()
	_, host, blue, red, code := match(t, models.GameModeClass)

	var hostResolved, blueResolved counter
	host.OnAnswerResolved(func(round.Resolution) { hostResolved.inc() })
	blue.OnAnswerResolved(func(res round.Resolution) {
		if res.Question.Index == 0 {
			blueResolved.inc()
		}
	})

	if _, err := host.StartMatch(ctx); err != nil {
		t.Fatal(err)
	}
	late := host.app.NewSession("late")
	if _, err := late.Join(ctx, code, models.Player{Name: "Cy", Team: models.TeamRed}); !errors.Is(err, join.ErrMatchInProgress) {
		t.Errorf("join after start: got %v, want ErrMatchInProgress", err)
	}

	if _, err := blue.SubmitAnswer(ctx, 2); !errors.Is(err, ErrNotPlaying) {
		t.Errorf("answer before the question opened: got %v", err)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 0, Round: 1, Correct: 2}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "players see the question", func() bool { return !blue.InputLocked() && !red.InputLocked() })

	if _, err := blue.SubmitAnswer(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := blue.SubmitAnswer(ctx, 1); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("second answer: got %v, want ErrAlreadyAnswered", err)
	}
	if roomStatus(host) == models.RoomStatusResolving {
		t.Fatal("resolved before every player answered")
	}
	if _, err := red.SubmitAnswer(ctx, 1); err != nil {
		t.Fatal(err)
	}

	eventually(t, "players see the resolution", func() bool {
		return roomStatus(blue) == models.RoomStatusResolving && roomStatus(red) == models.RoomStatusResolving
	})
	eventually(t, "blue resolution callback", func() bool { return blueResolved.get() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := hostResolved.get(); n != 1 {
		t.Errorf("host resolved %d times, want 1", n)
	}
	if n := blueResolved.get(); n != 1 {
		t.Errorf("blue saw %d resolutions, want 1", n)
	}

	r, _ := blue.Room()
	b, _ := r.Player("b1")
	rd, _ := r.Player("r1")
	if b.Score != 100 || b.Streak != 1 || b.Correct != 1 || b.Answered != 1 {
		t.Errorf("blue = %+v, want one correct answer", b)
	}
	if rd.Score != 0 || rd.Streak != 0 || rd.Answered != 1 || rd.LastAns == nil || rd.LastAns.Index != 1 {
		t.Errorf("red = %+v, want one wrong answer", rd)
	}

	next, err := host.NextQuestion(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if next.Status != models.RoomStatusReady || next.CurrentQuestion != 1 {
		t.Errorf("after advance: status %s question %d", next.Status, next.CurrentQuestion)
	}
	answers, err := host.app.st.List(ctx, store.AnswersPrefix(code))
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 0 {
		t.Errorf("%d answers left after advancing", len(answers))
	}
	if _, err := host.NextQuestion(ctx, 0); !errors.Is(err, models.ErrStaleWrite) {
		t.Errorf("moving to an earlier round: got %v, want ErrStaleWrite", err)
	}
}

func TestResolutionSurvivesWriteOutage(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	_, host, blue, red, _ := matchOn(t, models.GameModeClass, mem)

	var resolved counter
	host.OnAnswerResolved(func(round.Resolution) { resolved.inc() })
	if _, err := host.StartMatch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 0, Round: 1, Correct: 2}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "players see the question", func() bool { return !blue.InputLocked() && !red.InputLocked() })

	var failed counter
	mem.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpPut && store.Root(path) == "rooms" {
			failed.inc()
			return errors.New("connection reset")
		}
		return nil
	})
	if _, err := blue.SubmitAnswer(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := red.SubmitAnswer(ctx, 1); err != nil {
		t.Fatal(err)
	}
	eventually(t, "room writes failing", func() bool { return failed.get() >= 4 })
	if roomStatus(host) != models.RoomStatusPlaying || resolved.get() != 0 {
		t.Fatalf("resolved during the outage: status %s", roomStatus(host))
	}

	mem.SetFault(nil)
	eventually(t, "resolution after the outage", func() bool {
		return roomStatus(host) == models.RoomStatusResolving && resolved.get() == 1
	})
	eventually(t, "blue sees the resolution", func() bool { return roomStatus(blue) == models.RoomStatusResolving })
	r, _ := blue.Room()
	if b, _ := r.Player("b1"); b.Score != 100 {
		t.Errorf("blue score = %d, want 100", b.Score)
	}
}

func TestAdvanceFromResolveCallback(t *testing.T) {
	ctx := context.Background()
	_, host, blue, red, _ := match(t, models.GameModeClass)

	advanced := make(chan error, 1)
	host.OnAnswerResolved(func(round.Resolution) {
		_, err := host.NextQuestion(ctx, 1)
		advanced <- err
	})
	if _, err := host.StartMatch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 0, Round: 1, Correct: 2}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "players see the question", func() bool { return !blue.InputLocked() && !red.InputLocked() })
	if _, err := blue.SubmitAnswer(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := red.SubmitAnswer(ctx, 2); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-advanced:
		if err != nil {
			t.Fatalf("next question from the resolve callback: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("next question from the resolve callback never returned")
	}
	r, _ := host.Room()
	if r.Status != models.RoomStatusReady || r.CurrentQuestion != 1 {
		t.Errorf("after advance: status %s question %d", r.Status, r.CurrentQuestion)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 1, Round: 1, Correct: 0}); err != nil {
		t.Errorf("open the next question: %v", err)
	}
}

func TestSpeedMatch(t *testing.T) {
	ctx := context.Background()
	_, host, blue, red, _ := match(t, models.GameModeSpeed)

	var winners []models.Team
	var mu sync.Mutex
	blue.OnSpeedCorrect(func(p models.SpeedCorrectPayload) {
		mu.Lock()
		winners = append(winners, p.Team)
		mu.Unlock()
	})

	if _, err := host.StartMatch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 0, Round: 1, Correct: 3}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "players see the question", func() bool { return !blue.InputLocked() && !red.InputLocked() })

	if _, err := red.SubmitAnswer(ctx, 3); err != nil {
		t.Fatal(err)
	}
	eventually(t, "blue sees speed_correct", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(winners) == 1
	})
	if !blue.InputLocked() {
		t.Error("blue can still answer after speed_correct")
	}
	if _, err := blue.SubmitAnswer(ctx, 3); err == nil {
		t.Error("late correct answer accepted")
	}

	eventually(t, "resolution", func() bool { return roomStatus(blue) == models.RoomStatusResolving })
	r, _ := blue.Room()
	rd, _ := r.Player("r1")
	b, _ := r.Player("b1")
	if rd.Score != 100 || b.Score != 0 {
		t.Errorf("scores red %d blue %d, want 100 and 0", rd.Score, b.Score)
	}
	mu.Lock()
	defer mu.Unlock()
	if winners[0] != models.TeamRed {
		t.Errorf("winner = %s, want red", winners[0])
	}
}

func TestHostOnlyOperations(t *testing.T) {
	ctx := context.Background()
	_, _, blue, _, _ := match(t, models.GameModeClass)

	if _, err := blue.StartMatch(ctx); !errors.Is(err, ErrNotHost) {
		t.Errorf("StartMatch: got %v, want ErrNotHost", err)
	}
	if _, err := blue.NextQuestion(ctx, 1); !errors.Is(err, ErrNotHost) {
		t.Errorf("NextQuestion: got %v, want ErrNotHost", err)
	}
	if err := blue.ClearRoom(ctx); !errors.Is(err, ErrNotHost) {
		t.Errorf("ClearRoom: got %v, want ErrNotHost", err)
	}
	lone := blue.app.NewSession("")
	if _, err := lone.SubmitAnswer(ctx, 0); !errors.Is(err, ErrNotJoined) {
		t.Errorf("SubmitAnswer without a room: got %v, want ErrNotJoined", err)
	}
}

func TestPowerups(t *testing.T) {
	ctx := context.Background()
	_, host, blue, _, _ := match(t, models.GameModeClass)

	if _, err := host.StartMatch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 0, Round: 1}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "blue sees the question", func() bool { return !blue.InputLocked() })

	if _, err := blue.SubmitPowerup(ctx, "double"); err != nil {
		t.Fatal(err)
	}
	ups, err := host.Powerups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 1 || ups[0].Team != models.TeamBlue || ups[0].Key != "double" {
		t.Errorf("power-ups = %+v", ups)
	}
}

func TestResetAndClearRoom(t *testing.T) {
	ctx := context.Background()
	_, host, blue, red, code := match(t, models.GameModeClass)

	if _, err := host.StartMatch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := host.BeginQuestion(ctx, models.Question{Index: 0, Round: 1, Correct: 0}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "players see the question", func() bool { return !blue.InputLocked() && !red.InputLocked() })
	blue.SubmitAnswer(ctx, 0)
	red.SubmitAnswer(ctx, 0)
	eventually(t, "resolution", func() bool { return roomStatus(host) == models.RoomStatusResolving })
	if _, err := host.EndMatch(ctx); err != nil {
		t.Fatal(err)
	}

	room, err := host.Reset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if room.Status != models.RoomStatusWaiting || len(room.Players) != 2 {
		t.Errorf("after reset: %s with %d players", room.Status, len(room.Players))
	}
	for _, p := range room.Players {
		if p.Score != 0 || p.Answered != 0 || p.Mult != 1 {
			t.Errorf("player not reset: %+v", p)
		}
	}

	gone := make(chan struct{})
	var once sync.Once
	blue.OnRoomChanged(func(r *models.Room) {
		if r == nil {
			once.Do(func() { close(gone) })
		}
	})
	if err := host.ClearRoom(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatal("player never saw the room disappear")
	}
	for _, prefix := range []string{store.AnswersPrefix(code), store.MessagesPrefix(code), store.PresencePrefix(code)} {
		left, err := host.app.st.List(ctx, prefix)
		if err != nil {
			t.Fatal(err)
		}
		if len(left) != 0 {
			t.Errorf("%d documents left under %s", len(left), prefix)
		}
	}
}

func TestCloseRemovesPresence(t *testing.T) {
	ctx := context.Background()
	app, _, blue, _, code := match(t, models.GameModeClass)

	online, err := app.Presence().Online(ctx, code)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 2 {
		t.Fatalf("online = %d, want 2", len(online))
	}
	blue.Close()
	online, err = app.Presence().Online(ctx, code)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0].ID != "r1" {
		t.Errorf("online after close = %+v", online)
	}
	if _, err := blue.Join(ctx, code, models.Player{Name: "Ann", Team: models.TeamBlue}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("join on a closed session: got %v", err)
	}
}

func TestRandomCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := randomCode()
		if err != nil {
			t.Fatal(err)
		}
		if got, err := models.NormalizeCode(code); err != nil || got != code {
			t.Fatalf("code %q is not a normalized room code: %v", code, err)
		}
	}
}
