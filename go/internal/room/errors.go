package room

import "errors"

var (
	ErrNotJoined       = errors.New("session has not joined a room")
	ErrNotHost         = errors.New("only the host can do that")
	ErrNotPlaying      = errors.New("no question is open")
	ErrAlreadyAnswered = errors.New("already answered this question")
	ErrInputLocked     = errors.New("answers are closed for this question")
	ErrNotOnRoster     = errors.New("participant is not on the roster")
	ErrNotReady        = errors.New("need at least one player on each team")
	ErrNoFreeCode      = errors.New("no free room code")
	ErrSessionClosed   = errors.New("session closed")
)
