package join

import (
	"errors"
	"fmt"

	"github.com/mcdev12/quizzo/go/internal/models"
)

// Reason classifies why a join was rejected.
type Reason string

const (
	ReasonInvalidCode     Reason = "invalid_code"
	ReasonInvalidTeam     Reason = "invalid_team"
	ReasonRoomNotFound    Reason = "room_not_found"
	ReasonMatchInProgress Reason = "match_in_progress"
	ReasonRoomBusy        Reason = "room_busy"
	ReasonTeamConflict    Reason = "team_conflict"
	ReasonTransport       Reason = "transport"
)

var (
	ErrInvalidTeam     = errors.New("invalid team")
	ErrRoomNotFound    = errors.New("room not found")
	ErrMatchInProgress = errors.New("match in progress")
	ErrRoomBusy        = errors.New("room busy")
	ErrTeamConflict    = errors.New("team conflict")
	ErrTransport       = errors.New("transport error")
)

// RejectedError is returned for every failed join attempt.
type RejectedError struct {
	Reason  Reason
	Message string // shown to the player
	// Stale is set when the room changed between the first read and the
	// locked re-read.
	Stale bool
	Err   error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("join rejected (%s): %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("join rejected (%s): %s", e.Reason, e.Message)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Is matches the sentinel for the reason, and models.ErrStaleWrite when Stale.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrInvalidTeam:
		return e.Reason == ReasonInvalidTeam
	case ErrRoomNotFound:
		return e.Reason == ReasonRoomNotFound
	case ErrMatchInProgress:
		return e.Reason == ReasonMatchInProgress
	case ErrRoomBusy:
		return e.Reason == ReasonRoomBusy
	case ErrTeamConflict:
		return e.Reason == ReasonTeamConflict
	case ErrTransport:
		return e.Reason == ReasonTransport
	case models.ErrStaleWrite:
		return e.Stale
	}
	return false
}

// Retryable reports whether trying again later may succeed.
func (e *RejectedError) Retryable() bool {
	return e.Reason == ReasonRoomBusy || e.Reason == ReasonTransport
}

func rejectInvalidCode(err error) *RejectedError {
	return &RejectedError{Reason: ReasonInvalidCode, Message: fmt.Sprintf("Enter a %d-character room code.", models.CodeLength), Err: err}
}

func rejectInvalidTeam(team models.Team) *RejectedError {
	return &RejectedError{Reason: ReasonInvalidTeam, Message: fmt.Sprintf("Pick the %s or %s team, not %q.", models.TeamBlue, models.TeamRed, team)}
}

func rejectNotFound(code string, stale bool) *RejectedError {
	return &RejectedError{Reason: ReasonRoomNotFound, Message: fmt.Sprintf("Room %q not found. Check the code and try again.", code), Stale: stale}
}

func rejectInProgress(stale bool) *RejectedError {
	msg := "Match already started. Ask the host to start a new game."
	if stale {
		msg = "Match already started."
	}
	return &RejectedError{Reason: ReasonMatchInProgress, Message: msg, Stale: stale}
}

func rejectBusy() *RejectedError {
	return &RejectedError{Reason: ReasonRoomBusy, Message: "Room busy, please try again."}
}

func rejectTeamConflict(existing models.Team) *RejectedError {
	return &RejectedError{Reason: ReasonTeamConflict, Message: fmt.Sprintf("This browser is already on the %s team.", existing)}
}

func rejectTransport(err error) *RejectedError {
	return &RejectedError{Reason: ReasonTransport, Message: "Connection problem, please try again.", Err: err}
}
