package models

import (
	"encoding/json"
	"fmt"
)

// Team is one of the two sides in a match.
type Team string

const (
	TeamBlue Team = "blue"
	TeamRed  Team = "red"
)

// Valid reports whether t is one of the two teams.
func (t Team) Valid() bool {
	return t == TeamBlue || t == TeamRed
}

// ParseTeam validates a team name.
func ParseTeam(s string) (Team, error) {
	t := Team(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown team %q", s)
	}
	return t, nil
}

const (
	basePoints    = 100
	maxMultiplier = 3
	streakPerStep = 3
)

// Player is a roster entry inside a room document.
type Player struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Team     Team            `json:"team"`
	Score    int             `json:"score"`
	Streak   int             `json:"streak"`
	Mult     int             `json:"mult"`
	Correct  int             `json:"correct"`
	Answered int             `json:"answered"`
	LastAns  *Answer         `json:"lastAns"`
	Avatar   json.RawMessage `json:"avatar,omitempty"` // opaque to this module
}

// NewPlayer returns a fresh roster entry.
func NewPlayer(id, name string, team Team) Player {
	return Player{ID: id, Name: name, Team: team, Mult: 1}
}

// Clone returns a copy that shares no mutable state with p.
func (p Player) Clone() Player {
	if p.LastAns != nil {
		a := *p.LastAns
		p.LastAns = &a
	}
	if p.Avatar != nil {
		p.Avatar = append(json.RawMessage(nil), p.Avatar...)
	}
	return p
}

// ApplyResult applies the outcome of one question. ans is nil when the player did
// not answer.
func (p *Player) ApplyResult(ans *Answer, correct bool) {
	if p.Mult < 1 {
		p.Mult = 1
	}
	if ans != nil {
		p.Answered++
		a := *ans
		p.LastAns = &a
	} else {
		p.LastAns = nil
	}
	if !correct {
		p.Streak = 0
		p.Mult = 1
		return
	}
	p.Correct++
	p.Score += basePoints * p.Mult
	p.Streak++
	p.Mult = min(1+p.Streak/streakPerStep, maxMultiplier)
}
