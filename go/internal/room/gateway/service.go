// Package gateway bridges browsers to room sessions: JSON endpoints for
// commands, a websocket for pushed room events, and a QR code for the join
// link.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room"
	"github.com/mcdev12/quizzo/go/internal/room/round"
	"github.com/rs/zerolog/log"
)

// Config holds gateway settings.
type Config struct {
	Connection ConnectionConfig
	// BaseURL is the public address encoded in join QR codes.
	BaseURL string
	// CookieName holds the per-browser participant id.
	CookieName     string
	AllowedOrigins []string
	// CommandTimeout bounds store work done for one request.
	CommandTimeout time.Duration
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		Connection:     DefaultConnectionConfig(),
		BaseURL:        "http://localhost:8080",
		CookieName:     "quizzo_pid",
		AllowedOrigins: []string{"*"},
		CommandTimeout: 10 * time.Second,
	}
}

// Service owns one room session per browser and pushes their events to
// websockets.
type Service struct {
	app *room.App
	cm  *ConnectionManager
	cfg Config

	mu       sync.Mutex
	sessions map[string]*room.Session
}

// NewService creates the gateway over app.
func NewService(app *room.App, cfg Config) *Service {
	return &Service{
		app:      app,
		cm:       NewConnectionManager(cfg.Connection),
		cfg:      cfg,
		sessions: make(map[string]*room.Session),
	}
}

// Start runs the broadcaster until ctx ends, then closes every session.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting room gateway")
	s.cm.Start(ctx)
	s.Stop()
}

// Stop closes every session.
func (s *Service) Stop() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*room.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	log.Info().Int("sessions", len(sessions)).Msg("room gateway stopped")
}

// session returns the participant's session, opening it on first use.
func (s *Service) session(participantID string) *room.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[participantID]; ok {
		return sess
	}
	sess := s.app.NewSession(participantID)
	s.wire(sess)
	s.sessions[participantID] = sess
	return sess
}

// existing returns the participant's session if one is open.
func (s *Service) existing(participantID string) (*room.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[participantID]
	return sess, ok
}

// wire forwards a session's callbacks to the participant's websockets.
func (s *Service) wire(sess *room.Session) {
	pid := sess.ParticipantID()
	sess.OnRoomChanged(func(r *models.Room) {
		code := sess.Code()
		if r == nil {
			s.push(code, pid, EventTypeRoomDeleted, map[string]string{"code": code})
			return
		}
		s.push(r.Code, pid, EventTypeRoomChanged, r)
	})
	sess.OnAnswerResolved(func(res round.Resolution) {
		s.push(res.Code, pid, EventTypeAnswerResolved, res)
	})
	sess.OnSpeedCorrect(func(p models.SpeedCorrectPayload) {
		s.push(sess.Code(), pid, EventTypeSpeedCorrect, p)
	})
	sess.OnPowerup(func(p models.Powerup) {
		s.push(sess.Code(), pid, EventTypePowerup, p)
	})
}

func (s *Service) push(code, participantID string, typ EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("failed to encode event")
		return
	}
	s.cm.SendToParticipant(code, participantID, &Event{
		ID:        uuid.NewString(),
		Code:      code,
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// command handles a websocket client message.
func (s *Service) command(c *Connection, msg ClientMessage) {
	sess, ok := s.existing(c.ParticipantID)
	if !ok {
		s.push(c.Code, c.ParticipantID, EventTypeError, errorPayload(room.ErrNotJoined))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()

	switch msg.Type {
	case "answer":
		rec, err := sess.SubmitAnswer(ctx, msg.Idx)
		if err != nil {
			s.push(c.Code, c.ParticipantID, EventTypeError, errorPayload(err))
			return
		}
		s.push(c.Code, c.ParticipantID, EventTypeAnswerAccepted, rec)
	case "powerup":
		if _, err := sess.SubmitPowerup(ctx, msg.Key); err != nil {
			s.push(c.Code, c.ParticipantID, EventTypeError, errorPayload(err))
		}
	default:
		log.Debug().Str("type", msg.Type).Str("participant", c.ParticipantID).Msg("unknown client command")
	}
}
