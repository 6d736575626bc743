package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

const closeTimeout = 2 * time.Second

type questionKey struct{ question, round int }

func keyOf(r *models.Room) questionKey {
	return questionKey{r.CurrentQuestion, r.CurrentRound}
}

// Session is one participant's view of one room. A process may run many.
type Session struct {
	app *App
	pid string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	code       string
	self       models.Player
	host       bool
	closed     bool
	roomSub    *feed.Subscription
	busSub     *feed.Subscription
	roomFns    []func(*models.Room)
	resolveFns []func(round.Resolution)
	speedFns   []func(models.SpeedCorrectPayload)
	powerupFns []func(models.Powerup)
	answered   map[questionKey]bool
	locked     map[questionKey]bool
	resolved   map[questionKey]bool
	question   models.Question // host: the open question

	// notifyMu serializes room callbacks; last* is what they saw.
	notifyMu    sync.Mutex
	lastRev     uint64
	lastTs      int64
	lastPresent bool
}

// NewSession opens a session for participantID. An empty id gets a fresh one.
func (a *App) NewSession(participantID string) *Session {
	if participantID == "" {
		participantID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		app:      a,
		pid:      participantID,
		ctx:      ctx,
		cancel:   cancel,
		answered: make(map[questionKey]bool),
		locked:   make(map[questionKey]bool),
		resolved: make(map[questionKey]bool),
	}
	a.track(s)
	return s
}

// ParticipantID returns the id this session writes as.
func (s *Session) ParticipantID() string { return s.pid }

// Code returns the room the session is attached to, or "".
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// IsHost reports whether the session created or took over its room.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Self returns the participant as it last joined.
func (s *Session) Self() models.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Question returns the question the host opened last.
func (s *Session) Question() models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question
}

// Room returns the cached room document. It never touches the network.
func (s *Session) Room() (*models.Room, bool) {
	code := s.Code()
	if code == "" {
		return nil, false
	}
	return s.app.cache.Get(code)
}

// OnRoomChanged registers fn for every new room document. fn receives nil
// when the room is deleted.
func (s *Session) OnRoomChanged(fn func(*models.Room)) {
	s.mu.Lock()
	s.roomFns = append(s.roomFns, fn)
	s.mu.Unlock()
}

// OnAnswerResolved registers fn for question resolutions. The host sees the
// resolver's outcome; players see it when the room moves to resolving.
func (s *Session) OnAnswerResolved(fn func(round.Resolution)) {
	s.mu.Lock()
	s.resolveFns = append(s.resolveFns, fn)
	s.mu.Unlock()
}

// OnSpeedCorrect registers fn for speed_correct announcements of the open
// question.
func (s *Session) OnSpeedCorrect(fn func(models.SpeedCorrectPayload)) {
	s.mu.Lock()
	s.speedFns = append(s.speedFns, fn)
	s.mu.Unlock()
}

// OnPowerup registers fn for power-ups used during the open question.
func (s *Session) OnPowerup(fn func(models.Powerup)) {
	s.mu.Lock()
	s.powerupFns = append(s.powerupFns, fn)
	s.mu.Unlock()
}

// Join adds the participant to the room with code and starts replicating it.
// Rejections are *join.RejectedError values.
func (s *Session) Join(ctx context.Context, code string, player models.Player) (*join.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	player.ID = s.pid
	if player.Mult == 0 {
		player.Mult = 1
	}
	res, err := s.app.joiner.Join(ctx, code, player)
	if err != nil {
		return nil, err
	}
	code = res.Room.Code

	s.mu.Lock()
	s.self = player
	s.mu.Unlock()
	s.app.cache.Set(code, res.Room, res.Revision)
	s.attach(code, false)
	s.refresh(code)

	if err := s.app.presence.Register(s.ctx, code, player); err != nil {
		log.Warn().Err(err).Str("room", code).Str("participant", s.pid).Msg("failed to register presence")
	}
	if _, err := s.app.bus.Publish(ctx, code, s.pid, models.MessageTypeJoined, player); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to announce join")
	}
	return res, nil
}

// attach starts the room feed and bus subscriptions for code, replacing any
// previous ones.
func (s *Session) attach(code string, host bool) {
	s.mu.Lock()
	s.host = host
	if s.code == code && s.roomSub != nil {
		s.mu.Unlock()
		return
	}
	old := s.takeSubsLocked()
	s.code = code
	s.roomSub = s.app.feed.Subscribe(s.ctx, store.RoomPath(code), func(e store.Entry) {
		if _, _, err := s.app.cache.Apply(code, e); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("ignoring undecodable room")
			return
		}
		s.refresh(code)
	})
	s.busSub = s.app.bus.Subscribe(s.ctx, code, func(msg models.Message) { s.onMessage(code, msg) })
	s.mu.Unlock()
	stopAll(old)
}

// takeSubsLocked detaches the running subscriptions. Stop them with stopAll
// after releasing s.mu, since their handlers take it.
func (s *Session) takeSubsLocked() []*feed.Subscription {
	var out []*feed.Subscription
	for _, sub := range []*feed.Subscription{s.roomSub, s.busSub} {
		if sub != nil {
			out = append(out, sub)
		}
	}
	s.roomSub, s.busSub = nil, nil
	return out
}

func stopAll(subs []*feed.Subscription) {
	for _, sub := range subs {
		sub.Stop()
	}
}

// refresh delivers the cached room to callbacks if it differs from what they
// last saw.
func (s *Session) refresh(code string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	room, ok := s.app.cache.Get(code)
	rev := s.app.cache.Revision(code)
	switch {
	case !ok && !s.lastPresent:
		return
	case ok && s.lastPresent && rev == s.lastRev && room.Timestamp == s.lastTs:
		return
	}
	s.lastPresent = ok
	if ok {
		s.lastRev, s.lastTs = rev, room.Timestamp
	}

	s.mu.Lock()
	fns := append([]func(*models.Room){}, s.roomFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		if room == nil {
			fn(nil)
			continue
		}
		fn(room.Clone())
	}
	if ok {
		s.maybeResolved(room)
	}
}

// maybeResolved tells a player session about a resolution written by the host.
func (s *Session) maybeResolved(room *models.Room) {
	if room.Status != models.RoomStatusResolving {
		return
	}
	k := keyOf(room)
	s.mu.Lock()
	if s.host || s.resolved[k] {
		s.mu.Unlock()
		return
	}
	s.resolved[k] = true
	fns := append([]func(round.Resolution){}, s.resolveFns...)
	s.mu.Unlock()

	res := round.Resolution{
		Code:     room.Code,
		Question: models.Question{Index: room.CurrentQuestion, Round: room.CurrentRound},
		Mode:     room.GameMode,
	}
	for _, p := range room.Players {
		if p.LastAns == nil {
			continue
		}
		res.Answers = append(res.Answers, models.AnswerRecord{
			ParticipantID: p.ID,
			Team:          p.Team,
			Answer:        *p.LastAns,
			Question:      room.CurrentQuestion,
			Round:         room.CurrentRound,
		})
	}
	for _, fn := range fns {
		fn(res)
	}
}

func (s *Session) onMessage(code string, msg models.Message) {
	switch msg.Type {
	case models.MessageTypeAnswer:
		if !s.IsHost() {
			return
		}
		var rec models.AnswerRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("dropping undecodable answer message")
			return
		}
		if tr := s.app.resolver.Active(code); tr != nil {
			tr.Offer(rec)
		}

	case models.MessageTypeSpeedCorrect:
		var p models.SpeedCorrectPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("dropping undecodable speed_correct")
			return
		}
		if p.Code != "" && p.Code != code {
			return
		}
		s.mu.Lock()
		s.locked[questionKey{p.Question, p.Round}] = true
		fns := append([]func(models.SpeedCorrectPayload){}, s.speedFns...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(p)
		}

	case models.MessageTypePowerup:
		var p models.Powerup
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("dropping undecodable powerup")
			return
		}
		room, ok := s.app.cache.Get(code)
		if !ok || p.Question != room.CurrentQuestion || p.Round != room.CurrentRound {
			return
		}
		s.mu.Lock()
		fns := append([]func(models.Powerup){}, s.powerupFns...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(p)
		}

	case models.MessageTypeJoined:
		log.Debug().Str("room", code).Str("participant", msg.From).Msg("participant joined")
	}
}

// InputLocked reports whether answers are closed for the open question.
func (s *Session) InputLocked() bool {
	room, ok := s.Room()
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return room.Status != models.RoomStatusPlaying || s.locked[keyOf(room)]
}

// current returns the cached room and this participant's roster entry.
func (s *Session) current() (*models.Room, models.Player, error) {
	room, ok := s.Room()
	if !ok {
		return nil, models.Player{}, ErrNotJoined
	}
	me, ok := room.Player(s.pid)
	if !ok {
		return room, models.Player{}, ErrNotOnRoster
	}
	return room, me, nil
}

// SubmitAnswer records choice idx for the open question. The answer goes to
// answers/{code}/{id} and, best-effort, onto the bus.
func (s *Session) SubmitAnswer(ctx context.Context, idx int) (models.AnswerRecord, error) {
	room, me, err := s.current()
	if err != nil {
		return models.AnswerRecord{}, err
	}
	if room.Status != models.RoomStatusPlaying {
		return models.AnswerRecord{}, ErrNotPlaying
	}
	k := keyOf(room)
	s.mu.Lock()
	switch {
	case s.locked[k]:
		s.mu.Unlock()
		return models.AnswerRecord{}, ErrInputLocked
	case s.answered[k]:
		s.mu.Unlock()
		return models.AnswerRecord{}, ErrAlreadyAnswered
	}
	s.answered[k] = true
	s.mu.Unlock()

	now := s.app.now()
	elapsed := 0.0
	if room.QuestionStart > 0 {
		elapsed = max(0, float64(now.UnixMilli()-room.QuestionStart)/1000)
	}
	rec := models.AnswerRecord{
		ParticipantID: s.pid,
		Team:          me.Team,
		Answer:        models.Answer{Index: idx, Elapsed: elapsed},
		Question:      room.CurrentQuestion,
		Round:         room.CurrentRound,
		Timestamp:     now.UnixMilli(),
		Code:          room.Code,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return models.AnswerRecord{}, err
	}
	if _, err := s.app.st.Put(ctx, store.AnswerPath(room.Code, s.pid), raw); err != nil {
		s.mu.Lock()
		delete(s.answered, k)
		s.mu.Unlock()
		return models.AnswerRecord{}, fmt.Errorf("submit answer: %w", err)
	}
	if _, err := s.app.bus.Publish(ctx, room.Code, s.pid, models.MessageTypeAnswer, rec); err != nil {
		log.Warn().Err(err).Str("room", room.Code).Msg("answer stored but not broadcast")
	}
	log.Debug().Str("room", room.Code).Str("participant", s.pid).Int("question", rec.Question).Int("idx", idx).Msg("answer submitted")
	return rec, nil
}

// SubmitPowerup records that the participant's team used a power-up on the
// open question.
func (s *Session) SubmitPowerup(ctx context.Context, key string) (models.Powerup, error) {
	room, me, err := s.current()
	if err != nil {
		return models.Powerup{}, err
	}
	if key == "" {
		return models.Powerup{}, fmt.Errorf("empty power-up key")
	}
	p := models.Powerup{
		Team:      me.Team,
		Key:       key,
		Question:  room.CurrentQuestion,
		Round:     room.CurrentRound,
		Timestamp: s.app.now().UnixMilli(),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return models.Powerup{}, err
	}
	if _, err := s.app.st.Put(ctx, store.PowerupPath(room.Code, string(me.Team), key), raw); err != nil {
		return models.Powerup{}, fmt.Errorf("submit power-up: %w", err)
	}
	if _, err := s.app.bus.Publish(ctx, room.Code, s.pid, models.MessageTypePowerup, p); err != nil {
		log.Warn().Err(err).Str("room", room.Code).Msg("power-up stored but not broadcast")
	}
	return p, nil
}

// Close stops replication and removes the participant's presence record.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	code, host := s.code, s.host
	subs := s.takeSubsLocked()
	s.mu.Unlock()

	s.cancel()
	stopAll(subs)
	if host && code != "" {
		if tr := s.app.resolver.Active(code); tr != nil {
			tr.Stop()
		}
	}
	if code != "" && !host {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.app.presence.Close(ctx, code, s.pid); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("failed to remove presence")
		}
	}
	s.app.untrack(s)
	log.Debug().Str("room", code).Str("participant", s.pid).Msg("session closed")
}
