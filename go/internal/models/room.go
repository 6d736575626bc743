package models

import (
	"errors"
	"fmt"
	"strings"
)

// CodeLength is the number of characters in a room code.
const CodeLength = 4

// ErrInvalidCode is returned when a room code is not CodeLength alphanumerics.
var ErrInvalidCode = errors.New("invalid room code")

// ErrStaleWrite is returned when a mutation was computed against a room
// document that has since moved past the intended state.
var ErrStaleWrite = errors.New("stale write")

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomStatusNone         RoomStatus = ""
	RoomStatusLobby        RoomStatus = "lobby"
	RoomStatusWaiting      RoomStatus = "waiting"
	RoomStatusJoinedNotify RoomStatus = "joined_notify"
	RoomStatusLineup       RoomStatus = "lineup"
	RoomStatusReady        RoomStatus = "ready"
	RoomStatusPlaying      RoomStatus = "playing"
	RoomStatusResolving    RoomStatus = "resolving"
	RoomStatusRoundEnd     RoomStatus = "round_end"
	RoomStatusMatchEnd     RoomStatus = "match_end"
)

// statusRank orders statuses within a single question. Pre-game statuses
// share rank 0.
var statusRank = map[RoomStatus]int{
	RoomStatusNone:         0,
	RoomStatusLobby:        0,
	RoomStatusWaiting:      0,
	RoomStatusJoinedNotify: 0,
	RoomStatusLineup:       1,
	RoomStatusReady:        2,
	RoomStatusPlaying:      3,
	RoomStatusResolving:    4,
	RoomStatusRoundEnd:     5,
	RoomStatusMatchEnd:     6,
}

// PreGame reports whether players may still join a room in this status.
func (s RoomStatus) PreGame() bool {
	switch s {
	case RoomStatusNone, RoomStatusLobby, RoomStatusWaiting, RoomStatusJoinedNotify:
		return true
	}
	return false
}

// Started reports whether the match has begun. Unknown statuses count as
// started so that joins are refused rather than admitted into an unknown state.
func (s RoomStatus) Started() bool {
	return !s.PreGame()
}

// GameMode selects the round resolution rule.
type GameMode string

const (
	// GameModeClass resolves once every rostered player has answered.
	GameModeClass GameMode = "class"
	// GameModeSpeed resolves on the first correct answer.
	GameModeSpeed GameMode = "speed"
)

// Valid reports whether m is a known mode.
func (m GameMode) Valid() bool {
	return m == GameModeClass || m == GameModeSpeed
}

// Room is the shared document stored at rooms/{code}.
type Room struct {
	Code            string     `json:"code"`
	Status          RoomStatus `json:"status"`
	Players         []Player   `json:"players"`
	CurrentQuestion int        `json:"currentQ"`
	CurrentRound    int        `json:"currentRound"`
	GameMode        GameMode   `json:"gameMode,omitempty"`
	QuestionStart   int64      `json:"qStartTime,omitempty"` // ms since epoch
	Timestamp       int64      `json:"ts"`                   // ms since epoch of the last write
}

// NormalizeCode trims and upper-cases a human-typed room code and checks its shape.
func NormalizeCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != CodeLength {
		return "", fmt.Errorf("%w: %q must be %d characters", ErrInvalidCode, code, CodeLength)
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidCode, code, r)
		}
	}
	return c, nil
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.Players = make([]Player, len(r.Players))
	for i, p := range r.Players {
		out.Players[i] = p.Clone()
	}
	return &out
}

// Player returns the roster entry with the given id.
func (r *Room) Player(id string) (Player, bool) {
	for _, p := range r.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// TeamPlayers returns the roster entries of one team in join order.
func (r *Room) TeamPlayers(team Team) []Player {
	var out []Player
	for _, p := range r.Players {
		if p.Team == team {
			out = append(out, p)
		}
	}
	return out
}

// TeamCounts returns the number of rostered players per team.
func (r *Room) TeamCounts() map[Team]int {
	counts := map[Team]int{TeamBlue: 0, TeamRed: 0}
	for _, p := range r.Players {
		counts[p.Team]++
	}
	return counts
}

// Ready reports whether the lobby has at least one player on each team.
func (r *Room) Ready() bool {
	counts := r.TeamCounts()
	return counts[TeamBlue] >= 1 && counts[TeamRed] >= 1
}

// CheckTransition validates moving from r to next. Status may only move
// forward while the question and round stay the same; advancing the question
// or round, or an explicit reset to a pre-game status, permits a regression.
func (r *Room) CheckTransition(next *Room, reset bool) error {
	if reset && next.Status.PreGame() {
		return nil
	}
	if next.CurrentRound < r.CurrentRound ||
		(next.CurrentRound == r.CurrentRound && next.CurrentQuestion < r.CurrentQuestion) {
		return fmt.Errorf("%w: question %d/%d precedes %d/%d",
			ErrStaleWrite, next.CurrentRound, next.CurrentQuestion, r.CurrentRound, r.CurrentQuestion)
	}
	if next.CurrentRound > r.CurrentRound || next.CurrentQuestion > r.CurrentQuestion {
		return nil
	}
	if statusRank[next.Status] < statusRank[r.Status] {
		return fmt.Errorf("%w: status %q cannot follow %q", ErrStaleWrite, next.Status, r.Status)
	}
	return nil
}
