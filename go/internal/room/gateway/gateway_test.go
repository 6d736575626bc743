package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/room/presence"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/mcdev12/quizzo/go/internal/store/memstore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, memstore.New())
}

func newTestServerWith(t *testing.T, st *memstore.Store) *httptest.Server {
	t.Helper()
	cfg := room.DefaultConfig()
	cfg.Join = join.Config{SettleDelay: 5 * time.Millisecond, RecheckDelay: 10 * time.Millisecond, LockExpiry: time.Second, Atomic: true}
	cfg.Feed = feed.Config{PollInterval: 20 * time.Millisecond, MinBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	cfg.Round = round.Config{PollInterval: 10 * time.Millisecond, SpeedGrace: 30 * time.Millisecond}
	cfg.Presence = presence.Config{Heartbeat: time.Hour, TTL: time.Hour}
	cfg.Retry = store.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond}
	app := room.NewApp(st, nil, cfg)

	svc := NewService(app, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		app.Close()
	})
	return srv
}

// client is one browser: its cookie jar carries the participant id.
type client struct {
	t   *testing.T
	srv *httptest.Server
	jar *cookiejar.Jar
	hc  *http.Client
}

func newClient(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &client{t: t, srv: srv, jar: jar, hc: &http.Client{Jar: jar, Timeout: 5 * time.Second}}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var r *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, r)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (c *client) dial(code string) *websocket.Conn {
	c.t.Helper()
	u := "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/ws/rooms/" + code
	dialer := websocket.Dialer{Jar: c.jar, HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		c.t.Fatalf("dial %s: %v", u, err)
	}
	c.t.Cleanup(func() { conn.Close() })
	return conn
}

func (c *client) participantID() string {
	u, _ := url.Parse(c.srv.URL)
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == DefaultConfig().CookieName {
			return ck.Value
		}
	}
	return ""
}

// readUntil reads events until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(Event) bool) Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(ev) {
			return ev
		}
	}
}

func decodeRoom(t *testing.T, ev Event) models.Room {
	t.Helper()
	var r models.Room
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatal(err)
	}
	return r
}

// lobby creates a room as host and joins one player per team.
func lobby(t *testing.T, srv *httptest.Server, mode models.GameMode) (host, blue, red *client, code string) {
	t.Helper()
	host = newClient(t, srv)
	var created models.Room
	if status := host.do(http.MethodPost, "/api/rooms", createRoomRequest{Mode: mode}, &created); status != http.StatusCreated {
		t.Fatalf("create room: status %d", status)
	}
	code = created.Code

	blue = newClient(t, srv)
	if status := blue.do(http.MethodPost, "/api/rooms/"+strings.ToLower(code)+"/join", joinRequest{Name: "Ann", Team: models.TeamBlue}, nil); status != http.StatusOK {
		t.Fatalf("blue join: status %d", status)
	}
	red = newClient(t, srv)
	if status := red.do(http.MethodPost, "/api/rooms/"+code+"/join", joinRequest{Name: "Bo", Team: models.TeamRed}, nil); status != http.StatusOK {
		t.Fatalf("red join: status %d", status)
	}
	return host, blue, red, code
}

func TestCreateJoinAndStart(t *testing.T) {
	srv := newTestServer(t)
	host := newClient(t, srv)

	var created models.Room
	if status := host.do(http.MethodPost, "/api/rooms", createRoomRequest{Mode: models.GameModeSpeed}, &created); status != http.StatusCreated {
		t.Fatalf("create room: status %d", status)
	}
	if created.Status != models.RoomStatusLobby || created.GameMode != models.GameModeSpeed {
		t.Fatalf("created room = %+v", created)
	}
	if host.participantID() == "" {
		t.Fatal("participant cookie not set")
	}

	var fetched models.Room
	if status := host.do(http.MethodGet, "/api/rooms/"+created.Code, nil, &fetched); status != http.StatusOK {
		t.Fatalf("get room: status %d", status)
	}
	if diff := cmp.Diff(created.Code, fetched.Code); diff != "" {
		t.Errorf("room code mismatch (-want +got):\n%s", diff)
	}

	blue := newClient(t, srv)
	var joined models.Room
	if status := blue.do(http.MethodPost, "/api/rooms/"+created.Code+"/join", joinRequest{Name: "Ann", Team: models.TeamBlue}, &joined); status != http.StatusOK {
		t.Fatalf("join: status %d", status)
	}
	if _, ok := joined.Player(blue.participantID()); !ok {
		t.Fatalf("joined room has no entry for %s: %+v", blue.participantID(), joined.Players)
	}

	var failure ErrorPayload
	if status := host.do(http.MethodPost, "/api/rooms/"+created.Code+"/host/start", nil, &failure); status != http.StatusConflict {
		t.Fatalf("start with one team: status %d", status)
	}
	if failure.Reason != "not_ready" {
		t.Errorf("start with one team: reason %q", failure.Reason)
	}

	red := newClient(t, srv)
	if status := red.do(http.MethodPost, "/api/rooms/"+created.Code+"/join", joinRequest{Name: "Bo", Team: models.TeamRed}, nil); status != http.StatusOK {
		t.Fatalf("red join: status %d", status)
	}

	if status := red.do(http.MethodPost, "/api/rooms/"+created.Code+"/host/start", nil, &failure); status != http.StatusForbidden {
		t.Fatalf("player start: status %d", status)
	}

	var started models.Room
	if status := host.do(http.MethodPost, "/api/rooms/"+created.Code+"/host/start", nil, &started); status != http.StatusOK {
		t.Fatalf("start: status %d", status)
	}
	if started.Status != models.RoomStatusLineup {
		t.Errorf("status after start = %s, want %s", started.Status, models.RoomStatusLineup)
	}

	late := newClient(t, srv)
	if status := late.do(http.MethodPost, "/api/rooms/"+created.Code+"/join", joinRequest{Name: "Cy", Team: models.TeamRed}, &failure); status != http.StatusConflict {
		t.Fatalf("late join: status %d", status)
	}
	if failure.Reason != string(join.ReasonMatchInProgress) {
		t.Errorf("late join: reason %q", failure.Reason)
	}
}

func TestJoinRejections(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		code       string
		body       joinRequest
		wantStatus int
		wantReason string
	}{
		{
			name:       "bad team",
			code:       "ABCD",
			body:       joinRequest{Name: "Ann", Team: "green"},
			wantStatus: http.StatusBadRequest,
			wantReason: string(join.ReasonInvalidTeam),
		},
		{
			name:       "short code",
			code:       "AB",
			body:       joinRequest{Name: "Ann", Team: models.TeamBlue},
			wantStatus: http.StatusBadRequest,
			wantReason: string(join.ReasonInvalidCode),
		},
		{
			name:       "unknown room",
			code:       "ZZZZ",
			body:       joinRequest{Name: "Ann", Team: models.TeamBlue},
			wantStatus: http.StatusNotFound,
			wantReason: string(join.ReasonRoomNotFound),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, srv)
			var got ErrorPayload
			if status := c.do(http.MethodPost, "/api/rooms/"+tt.code+"/join", tt.body, &got); status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", status, tt.wantStatus)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if got.Message == "" {
				t.Error("empty message")
			}
		})
	}
}

func TestCommandsRequireJoin(t *testing.T) {
	srv := newTestServer(t)
	_, _, _, code := lobby(t, srv, models.GameModeClass)

	stranger := newClient(t, srv)
	var got ErrorPayload
	if status := stranger.do(http.MethodPost, "/api/rooms/"+code+"/answer", answerRequest{Idx: 1}, &got); status != http.StatusNotFound {
		t.Fatalf("answer without joining: status %d", status)
	}
	if got.Reason != "not_joined" {
		t.Errorf("reason = %q, want not_joined", got.Reason)
	}
}

func TestClassRoundOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	host, blue, red, code := lobby(t, srv, models.GameModeClass)
	base := "/api/rooms/" + code

	ws := blue.dial(code)
	readUntil(t, ws, "initial room", func(ev Event) bool { return ev.Type == EventTypeRoomChanged })

	if status := host.do(http.MethodPost, base+"/host/start", nil, nil); status != http.StatusOK {
		t.Fatalf("start: status %d", status)
	}
	if status := host.do(http.MethodPost, base+"/host/question", questionRequest{Index: 0, Round: 1, Correct: 2}, nil); status != http.StatusOK {
		t.Fatalf("question: status %d", status)
	}
	readUntil(t, ws, "playing", func(ev Event) bool {
		return ev.Type == EventTypeRoomChanged && decodeRoom(t, ev).Status == models.RoomStatusPlaying
	})

	// blue answers over the websocket, red over HTTP
	if err := ws.WriteJSON(ClientMessage{Type: "answer", Idx: 2}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, ws, "answer accepted", func(ev Event) bool { return ev.Type == EventTypeAnswerAccepted })

	if status := red.do(http.MethodPost, base+"/answer", answerRequest{Idx: 0}, nil); status != http.StatusAccepted {
		t.Fatalf("red answer: status %d", status)
	}
	// the round may already have resolved, so either rejection is fine
	if status := red.do(http.MethodPost, base+"/answer", answerRequest{Idx: 1}, nil); status != http.StatusConflict {
		t.Fatalf("second answer: status %d", status)
	}

	// the scored room and the resolution arrive in either order
	var (
		res    *round.Resolution
		scored *models.Room
	)
	readUntil(t, ws, "resolution and scored room", func(ev Event) bool {
		switch ev.Type {
		case EventTypeAnswerResolved:
			res = new(round.Resolution)
			if err := json.Unmarshal(ev.Data, res); err != nil {
				t.Fatal(err)
			}
		case EventTypeRoomChanged:
			if r := decodeRoom(t, ev); r.Status == models.RoomStatusResolving {
				scored = &r
			}
		}
		return res != nil && scored != nil
	})
	if res.Code != code || res.Question.Index != 0 || len(res.Answers) != 2 {
		t.Errorf("resolution = %+v", res)
	}
	b, _ := scored.Player(blue.participantID())
	r, _ := scored.Player(red.participantID())
	if b.Score == 0 || r.Score != 0 {
		t.Errorf("scores blue=%d red=%d, want blue>0 red=0", b.Score, r.Score)
	}
}

func TestWebSocketErrorEvent(t *testing.T) {
	srv := newTestServer(t)
	_, blue, _, code := lobby(t, srv, models.GameModeClass)

	ws := blue.dial(code)
	if err := ws.WriteJSON(ClientMessage{Type: "answer", Idx: 0}); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, ws, "error event", func(ev Event) bool { return ev.Type == EventTypeError })
	var got ErrorPayload
	if err := json.Unmarshal(ev.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Reason != "not_playing" {
		t.Errorf("reason = %q, want not_playing", got.Reason)
	}
}

func TestRoomDeletedEvent(t *testing.T) {
	srv := newTestServer(t)
	host, blue, _, code := lobby(t, srv, models.GameModeClass)

	ws := blue.dial(code)
	readUntil(t, ws, "initial room", func(ev Event) bool { return ev.Type == EventTypeRoomChanged })

	if status := host.do(http.MethodDelete, "/api/rooms/"+code, nil, nil); status != http.StatusNoContent {
		t.Fatalf("clear: status %d", status)
	}
	readUntil(t, ws, "room deleted", func(ev Event) bool { return ev.Type == EventTypeRoomDeleted })

	var failure ErrorPayload
	if status := host.do(http.MethodGet, "/api/rooms/"+code, nil, &failure); status != http.StatusNotFound {
		t.Errorf("get cleared room: status %d", status)
	}
}

func TestPresenceAndStats(t *testing.T) {
	srv := newTestServer(t)
	host, blue, red, code := lobby(t, srv, models.GameModeClass)
	blue.dial(code)

	var online []presence.Member
	if status := host.do(http.MethodGet, "/api/rooms/"+code+"/presence", nil, &online); status != http.StatusOK {
		t.Fatalf("presence: status %d", status)
	}
	var ids []string
	for _, m := range online {
		ids = append(ids, m.ID)
	}
	want := []string{blue.participantID(), red.participantID()}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("online (-want +got):\n%s", diff)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var stats statsResponse
		if status := host.do(http.MethodGet, "/api/stats", nil, &stats); status != http.StatusOK {
			t.Fatalf("stats: status %d", status)
		}
		if stats.Sessions == 3 && stats.Connections[code] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want 3 sessions and 1 connection", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQRCode(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/rooms/abcd/qr.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestErrorPayload(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason string
		wantStatus int
	}{
		{"busy", &join.RejectedError{Reason: join.ReasonRoomBusy, Message: "Room busy"}, "room_busy", http.StatusServiceUnavailable},
		{"team conflict", &join.RejectedError{Reason: join.ReasonTeamConflict}, "team_conflict", http.StatusConflict},
		{"invalid team", &join.RejectedError{Reason: join.ReasonInvalidTeam, Message: "Pick a team"}, "invalid_team", http.StatusBadRequest},
		{"wrapped host", fmt.Errorf("update room ABCD: %w", room.ErrNotHost), "not_host", http.StatusForbidden},
		{"input locked", room.ErrInputLocked, "input_locked", http.StatusConflict},
		{"stale", fmt.Errorf("%w: room moved", models.ErrStaleWrite), "stale_write", http.StatusConflict},
		{"missing", fmt.Errorf("host ABCD: %w", store.ErrNotFound), "room_not_found", http.StatusNotFound},
		{"other", errors.New("boom"), "internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorPayload(tt.err).Reason; got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
			if got := statusFor(tt.err); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	st := memstore.New()
	srv := newTestServerWith(t, st)
	c := newClient(t, srv)

	var status HealthStatus
	if code := c.do(http.MethodGet, "/health", nil, &status); code != http.StatusOK {
		t.Fatalf("healthy: status %d", code)
	}
	if !status.Healthy || !status.StoreReachable {
		t.Errorf("healthy status = %+v", status)
	}

	st.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpGet {
			return errors.New("connection refused")
		}
		return nil
	})
	status = HealthStatus{}
	if code := c.do(http.MethodGet, "/health", nil, &status); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: status %d", code)
	}
	if status.Healthy || status.StoreReachable || len(status.Errors) != 1 {
		t.Errorf("unhealthy status = %+v", status)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "quizzo_healthy 0") {
		t.Errorf("metrics:\n%s", buf.String())
	}
}
