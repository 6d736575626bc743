package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// busyAttempts bounds how often a host write waits out a join holding the lock.
const busyAttempts = 3

// CreateRoom opens a new room in the lobby with an unused random code and
// makes this session its host.
func (s *Session) CreateRoom(ctx context.Context, mode models.GameMode) (*models.Room, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown game mode %q", mode)
	}
	creator, atomic := store.AsCreator(s.app.st)

	for i := 0; i < s.app.cfg.CodeAttempts; i++ {
		code, err := randomCode()
		if err != nil {
			return nil, fmt.Errorf("room code: %w", err)
		}
		room := &models.Room{
			Code:      code,
			Status:    models.RoomStatusLobby,
			Players:   []models.Player{},
			GameMode:  mode,
			Timestamp: s.app.now().UnixMilli(),
		}
		raw, err := json.Marshal(room)
		if err != nil {
			return nil, err
		}

		var e store.Entry
		if atomic {
			e, err = creator.Create(ctx, store.RoomPath(code), raw)
			if errors.Is(err, store.ErrExists) {
				continue
			}
		} else {
			_, err = s.app.st.Get(ctx, store.RoomPath(code))
			switch {
			case err == nil:
				continue
			case !errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("check room code %s: %w", code, err)
			}
			e, err = s.app.st.Put(ctx, store.RoomPath(code), raw)
		}
		if err != nil {
			return nil, fmt.Errorf("create room %s: %w", code, err)
		}

		s.app.cache.Set(code, room, e.Revision)
		s.attach(code, true)
		s.refresh(code)
		log.Info().Str("room", code).Str("mode", string(mode)).Str("host", s.pid).Msg("room created")
		return room.Clone(), nil
	}
	return nil, ErrNoFreeCode
}

// Host takes over an existing room as its host, for example after a restart.
func (s *Session) Host(ctx context.Context, code string) (*models.Room, error) {
	code, err := models.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	room, e, err := join.ReadRoom(ctx, s.app.st, code)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", code, err)
	}
	s.app.cache.Set(code, room, e.Revision)
	s.attach(code, true)
	s.refresh(code)
	return room, nil
}

// mutate applies fn to a fresh copy of the room under the room lock and
// writes the result. Status may only regress when reset is set.
func (s *Session) mutate(ctx context.Context, reset bool, fn func(*models.Room) error) (*models.Room, error) {
	s.mu.Lock()
	code, host := s.code, s.host
	s.mu.Unlock()
	if code == "" {
		return nil, ErrNotJoined
	}
	if !host {
		return nil, ErrNotHost
	}

	var written *models.Room
	write := func(ctx context.Context) error {
		cur, _, err := join.ReadRoom(ctx, s.app.st, code)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := cur.CheckTransition(next, reset); err != nil {
			return err
		}
		e, err := join.WriteRoom(ctx, s.app.st, s.app.clock, next)
		if err != nil {
			return err
		}
		s.app.cache.Set(code, next, e.Revision)
		written = next
		return nil
	}

	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		err = s.app.joiner.Locker().WithLock(ctx, code, s.pid, write)
		if !errors.Is(err, join.ErrRoomBusy) {
			break
		}
		log.Debug().Str("room", code).Int("attempt", attempt).Msg("room locked by a join, retrying")
	}
	if err != nil {
		return nil, fmt.Errorf("update room %s: %w", code, err)
	}
	s.refresh(code)
	return written.Clone(), nil
}

// StartMatch moves a ready lobby to the lineup.
func (s *Session) StartMatch(ctx context.Context) (*models.Room, error) {
	return s.mutate(ctx, false, func(r *models.Room) error {
		if !r.Status.PreGame() {
			return fmt.Errorf("%w: match already %s", models.ErrStaleWrite, r.Status)
		}
		if !r.Ready() {
			return ErrNotReady
		}
		r.Status = models.RoomStatusLineup
		return nil
	})
}

// BeginQuestion opens q for answers and starts resolving it.
func (s *Session) BeginQuestion(ctx context.Context, q models.Question) (*models.Room, error) {
	room, err := s.mutate(ctx, false, func(r *models.Room) error {
		r.CurrentQuestion = q.Index
		r.CurrentRound = q.Round
		r.Status = models.RoomStatusPlaying
		r.QuestionStart = s.app.now().UnixMilli()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.question = q
	s.mu.Unlock()

	_, err = s.app.resolver.Start(s.ctx, round.Params{
		Code:     room.Code,
		Question: q,
		Mode:     room.GameMode,
		Roster: func() []models.Player {
			if r, ok := s.app.cache.Get(room.Code); ok {
				return r.Players
			}
			return nil
		},
		Announce: func(ctx context.Context, p models.SpeedCorrectPayload) error {
			_, err := s.app.bus.Publish(ctx, p.Code, s.pid, models.MessageTypeSpeedCorrect, p)
			return err
		},
		Commit:    s.recordResolution,
		OnResolve: s.notifyResolved,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("room", room.Code).Int("question", q.Index).Int("round", q.Round).Msg("question opened")
	return room, nil
}

// recordResolution scores the roster and moves the room to resolving. The
// tracker retries it until it succeeds, unless the room has moved on.
func (s *Session) recordResolution(ctx context.Context, res round.Resolution) error {
	q := res.Question
	_, err := s.mutate(ctx, false, func(r *models.Room) error {
		if r.CurrentQuestion != q.Index || r.CurrentRound != q.Round || r.Status != models.RoomStatusPlaying {
			return fmt.Errorf("%w: room moved to %s at %d/%d", models.ErrStaleWrite, r.Status, r.CurrentRound, r.CurrentQuestion)
		}
		for i := range r.Players {
			p := &r.Players[i]
			ans, answered := res.Answer(p.ID)
			correct := answered && ans.Index == q.Correct
			if res.Mode == models.GameModeSpeed {
				correct = correct && p.Team == res.Winner
			}
			if !answered {
				ans = nil
			}
			p.ApplyResult(ans, correct)
		}
		r.Status = models.RoomStatusResolving
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrStaleWrite), errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrNotHost), errors.Is(err, ErrNotJoined):
		return fmt.Errorf("%w: %w", round.ErrAbandoned, err)
	}
	return err
}

// notifyResolved runs the resolution callbacks after the tracker has exited,
// so they may advance the game.
func (s *Session) notifyResolved(res round.Resolution) {
	s.mu.Lock()
	fns := append([]func(round.Resolution){}, s.resolveFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

// EndRound marks the end of a round.
func (s *Session) EndRound(ctx context.Context) (*models.Room, error) {
	return s.mutate(ctx, false, func(r *models.Room) error {
		r.Status = models.RoomStatusRoundEnd
		return nil
	})
}

// NextQuestion clears answers and power-ups of the previous question and
// readies the next one. nextRound may stay the same or move forward.
func (s *Session) NextQuestion(ctx context.Context, nextRound int) (*models.Room, error) {
	code := s.Code()
	if code == "" {
		return nil, ErrNotJoined
	}
	if !s.IsHost() {
		return nil, ErrNotHost
	}
	if tr := s.app.resolver.Active(code); tr != nil {
		tr.Stop()
	}
	if err := s.purge(ctx, code); err != nil {
		return nil, err
	}
	return s.mutate(ctx, false, func(r *models.Room) error {
		if nextRound < r.CurrentRound {
			return fmt.Errorf("%w: round %d precedes %d", models.ErrStaleWrite, nextRound, r.CurrentRound)
		}
		r.CurrentQuestion++
		r.CurrentRound = nextRound
		r.Status = models.RoomStatusReady
		r.QuestionStart = 0
		return nil
	})
}

func (s *Session) purge(ctx context.Context, code string) error {
	if err := s.app.resolver.Purge(ctx, code); err != nil {
		return err
	}
	if err := s.app.st.DeletePrefix(ctx, store.PowerupsPrefix(code)); err != nil {
		return fmt.Errorf("purge power-ups %s: %w", code, err)
	}
	return nil
}

// EndMatch finishes the match.
func (s *Session) EndMatch(ctx context.Context) (*models.Room, error) {
	code := s.Code()
	if tr := s.app.resolver.Active(code); tr != nil && s.IsHost() {
		tr.Stop()
	}
	return s.mutate(ctx, false, func(r *models.Room) error {
		r.Status = models.RoomStatusMatchEnd
		return nil
	})
}

// Reset returns the room to the lobby with the roster kept and scores
// cleared, ready for another match.
func (s *Session) Reset(ctx context.Context) (*models.Room, error) {
	code := s.Code()
	if code == "" {
		return nil, ErrNotJoined
	}
	if !s.IsHost() {
		return nil, ErrNotHost
	}
	if tr := s.app.resolver.Active(code); tr != nil {
		tr.Stop()
	}
	if err := s.purge(ctx, code); err != nil {
		return nil, err
	}
	room, err := s.mutate(ctx, true, func(r *models.Room) error {
		r.Status = models.RoomStatusWaiting
		r.CurrentQuestion = 0
		r.CurrentRound = 0
		r.QuestionStart = 0
		for i, p := range r.Players {
			fresh := models.NewPlayer(p.ID, p.Name, p.Team)
			fresh.Avatar = p.Avatar
			r.Players[i] = fresh
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.app.resolver.Forget(code)
	s.mu.Lock()
	clear(s.answered)
	clear(s.locked)
	clear(s.resolved)
	s.mu.Unlock()
	return room, nil
}

// ClearRoom deletes the room and everything stored under its code.
func (s *Session) ClearRoom(ctx context.Context) error {
	code := s.Code()
	if code == "" {
		return ErrNotJoined
	}
	if !s.IsHost() {
		return ErrNotHost
	}
	if tr := s.app.resolver.Active(code); tr != nil {
		tr.Stop()
	}
	var errs []error
	for _, path := range []string{store.RoomPath(code), store.LockPath(code)} {
		if err := s.app.st.Delete(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	for _, prefix := range []string{
		store.MessagesPrefix(code),
		store.AnswersPrefix(code),
		store.PowerupsPrefix(code),
		store.PresencePrefix(code),
	} {
		if err := s.app.st.DeletePrefix(ctx, prefix); err != nil {
			errs = append(errs, err)
		}
	}
	s.app.resolver.Forget(code)
	s.app.cache.Delete(code, 0)
	s.refresh(code)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear room %s: %w", code, err)
	}
	log.Info().Str("room", code).Msg("room cleared")
	return nil
}

// Powerups lists the power-ups used on the open question.
func (s *Session) Powerups(ctx context.Context) ([]models.Powerup, error) {
	room, ok := s.Room()
	if !ok {
		return nil, ErrNotJoined
	}
	entries, err := s.app.st.List(ctx, store.PowerupsPrefix(room.Code))
	if err != nil {
		return nil, fmt.Errorf("list power-ups %s: %w", room.Code, err)
	}
	var out []models.Powerup
	for _, e := range entries {
		var p models.Powerup
		if err := json.Unmarshal(e.Value, &p); err != nil {
			log.Warn().Err(err).Str("path", e.Path).Msg("skipping undecodable power-up")
			continue
		}
		if p.Question == room.CurrentQuestion && p.Round == room.CurrentRound {
			out = append(out, p)
		}
	}
	return out, nil
}
