// Package join adds a participant to a room roster under an advisory lock.
//
// An attempt moves through SEARCHING, LOCK_CLAIMED, LOCK_VERIFIED,
// ROSTER_UPDATED and RELEASED, or stops in REJECTED at any gate. Every exit
// path removes the attempt's own lock.
package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Phase is a step of a join attempt.
type Phase string

const (
	PhaseSearching     Phase = "SEARCHING"
	PhaseLockClaimed   Phase = "LOCK_CLAIMED"
	PhaseLockVerified  Phase = "LOCK_VERIFIED"
	PhaseRosterUpdated Phase = "ROSTER_UPDATED"
	PhaseReleased      Phase = "RELEASED"
	PhaseRejected      Phase = "REJECTED"
)

// Result describes a successful join.
type Result struct {
	Room     *models.Room
	Revision uint64 // store revision of the written room, 0 if unknown
	Phases   []Phase
}

// Joiner runs join attempts against one store.
type Joiner struct {
	st     store.Store
	clock  clockwork.Clock
	locker *Locker
}

// New returns a Joiner. A nil clock means the real clock.
func New(st store.Store, clock clockwork.Clock, cfg Config) *Joiner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Joiner{st: st, clock: clock, locker: NewLocker(st, clock, cfg)}
}

// Locker returns the lock primitive the joiner uses, so other roster writers
// can take the same lock.
func (j *Joiner) Locker() *Locker { return j.locker }

type attempt struct {
	code   string
	pid    string
	phases []Phase
}

func (a *attempt) enter(p Phase) {
	a.phases = append(a.phases, p)
	log.Debug().Str("room", a.code).Str("participant", a.pid).Str("phase", string(p)).Msg("join phase")
}

func (a *attempt) reject(err *RejectedError) error {
	a.enter(PhaseRejected)
	log.Info().Str("room", a.code).Str("participant", a.pid).Str("reason", string(err.Reason)).Bool("stale", err.Stale).Msg("join rejected")
	return err
}

// ReadRoom fetches and decodes rooms/{code}.
func ReadRoom(ctx context.Context, st store.Store, code string) (*models.Room, store.Entry, error) {
	e, err := st.Get(ctx, store.RoomPath(code))
	if err != nil {
		return nil, store.Entry{}, err
	}
	var room models.Room
	if err := json.Unmarshal(e.Value, &room); err != nil {
		return nil, store.Entry{}, fmt.Errorf("decode room %s: %w", code, err)
	}
	if room.Code == "" {
		room.Code = code
	}
	return &room, e, nil
}

// WriteRoom stamps and stores a room document.
func WriteRoom(ctx context.Context, st store.Store, clock clockwork.Clock, room *models.Room) (store.Entry, error) {
	room.Timestamp = clock.Now().UnixMilli()
	raw, err := json.Marshal(room)
	if err != nil {
		return store.Entry{}, fmt.Errorf("encode room %s: %w", room.Code, err)
	}
	return st.Put(ctx, store.RoomPath(room.Code), raw)
}

// Join adds player to the room with the given code. Rejections are
// *RejectedError values.
func (j *Joiner) Join(ctx context.Context, code string, player models.Player) (*Result, error) {
	a := &attempt{code: code, pid: player.ID}
	a.enter(PhaseSearching)

	code, err := models.NormalizeCode(code)
	if err != nil {
		return nil, a.reject(rejectInvalidCode(err))
	}
	a.code = code
	if !player.Team.Valid() {
		return nil, a.reject(rejectInvalidTeam(player.Team))
	}

	room, _, err := ReadRoom(ctx, j.st, code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, a.reject(rejectNotFound(code, false))
	case err != nil:
		return nil, a.reject(rejectTransport(err))
	case room.Status.Started():
		return nil, a.reject(rejectInProgress(false))
	}

	claim, err := j.locker.Acquire(ctx, code, player.ID, func() { a.enter(PhaseLockClaimed) })
	if err != nil {
		if errors.Is(err, errBusy) {
			return nil, a.reject(rejectBusy())
		}
		return nil, a.reject(rejectTransport(err))
	}
	a.enter(PhaseLockVerified)

	res, rejection := j.updateRoster(ctx, a, code, player)
	j.locker.Release(ctx, claim)
	a.enter(PhaseReleased)
	if rejection != nil {
		return nil, a.reject(rejection)
	}
	res.Phases = a.phases
	log.Info().Str("room", code).Str("participant", player.ID).Str("team", string(player.Team)).Int("players", len(res.Room.Players)).Msg("joined room")
	return res, nil
}

// updateRoster re-reads the room under the lock and writes the new roster.
func (j *Joiner) updateRoster(ctx context.Context, a *attempt, code string, player models.Player) (*Result, *RejectedError) {
	fresh, _, err := ReadRoom(ctx, j.st, code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, rejectNotFound(code, true)
	case err != nil:
		return nil, rejectTransport(err)
	case fresh.Status.Started():
		return nil, rejectInProgress(true)
	}

	if existing, ok := fresh.Player(player.ID); ok {
		if existing.Team != player.Team {
			return nil, rejectTeamConflict(existing.Team)
		}
	} else {
		fresh.Players = append(fresh.Players, player.Clone())
	}
	fresh.Status = models.RoomStatusWaiting

	e, err := WriteRoom(ctx, j.st, j.clock, fresh)
	if err != nil {
		return nil, rejectTransport(err)
	}
	a.enter(PhaseRosterUpdated)
	return &Result{Room: fresh, Revision: e.Revision}, nil
}
