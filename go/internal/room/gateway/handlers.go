package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room"
	"github.com/mcdev12/quizzo/go/internal/room/join"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

type createRoomRequest struct {
	Mode models.GameMode `json:"mode"`
}

type joinRequest struct {
	Name   string          `json:"name"`
	Team   models.Team     `json:"team"`
	Avatar json.RawMessage `json:"avatar,omitempty"`
}

type answerRequest struct {
	Idx int `json:"idx"`
}

type powerupRequest struct {
	Key string `json:"key"`
}

type questionRequest struct {
	Index   int `json:"index"`
	Round   int `json:"round"`
	Correct int `json:"correct"`
}

type nextRequest struct {
	Round int `json:"round"`
}

// Handler returns the gateway's HTTP routes wrapped in CORS.
func (s *Service) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/api/rooms", s.handleCreateRoom)
	r.GET("/api/rooms/:code", s.handleGetRoom)
	r.POST("/api/rooms/:code/join", s.handleJoin)
	r.POST("/api/rooms/:code/answer", s.handleAnswer)
	r.POST("/api/rooms/:code/powerup", s.handlePowerup)
	r.GET("/api/rooms/:code/powerups", s.handlePowerups)
	r.GET("/api/rooms/:code/presence", s.handlePresence)
	r.GET("/api/rooms/:code/qr.png", s.handleQRCode)
	r.POST("/api/rooms/:code/host", s.handleClaim)
	r.POST("/api/rooms/:code/host/:action", s.handleHost)
	r.DELETE("/api/rooms/:code", s.handleClear)
	r.GET("/ws/rooms/:code", s.handleWebSocket)
	r.GET("/api/stats", s.handleStats)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// participantID reads the browser's id cookie, setting a new one if absent.
func (s *Service) participantID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(s.cfg.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Service) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func readJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// errorPayload maps an error to a reason the UI can switch on.
func errorPayload(err error) ErrorPayload {
	var rej *join.RejectedError
	if errors.As(err, &rej) {
		return ErrorPayload{Reason: string(rej.Reason), Message: rej.Message}
	}
	reasons := []struct {
		err    error
		reason string
	}{
		{room.ErrNotJoined, "not_joined"},
		{room.ErrNotHost, "not_host"},
		{room.ErrNotPlaying, "not_playing"},
		{room.ErrAlreadyAnswered, "already_answered"},
		{room.ErrInputLocked, "input_locked"},
		{room.ErrNotOnRoster, "not_on_roster"},
		{room.ErrNotReady, "not_ready"},
		{models.ErrInvalidCode, "invalid_code"},
		{models.ErrStaleWrite, "stale_write"},
		{store.ErrNotFound, "room_not_found"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return ErrorPayload{Reason: r.reason, Message: err.Error()}
		}
	}
	return ErrorPayload{Reason: "internal", Message: err.Error()}
}

func statusFor(err error) int {
	var rej *join.RejectedError
	if errors.As(err, &rej) {
		switch rej.Reason {
		case join.ReasonInvalidCode, join.ReasonInvalidTeam:
			return http.StatusBadRequest
		case join.ReasonRoomNotFound:
			return http.StatusNotFound
		case join.ReasonRoomBusy, join.ReasonTransport:
			return http.StatusServiceUnavailable
		default:
			return http.StatusConflict
		}
	}
	switch {
	case errors.Is(err, room.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, room.ErrNotJoined):
		return http.StatusNotFound
	case errors.Is(err, room.ErrNotPlaying), errors.Is(err, room.ErrAlreadyAnswered),
		errors.Is(err, room.ErrInputLocked), errors.Is(err, room.ErrNotOnRoster),
		errors.Is(err, room.ErrNotReady), errors.Is(err, models.ErrStaleWrite):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorPayload(err))
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorPayload{Reason: "bad_request", Message: err.Error()})
}

// sessionIn returns the caller's session when it is attached to the room in
// the path.
func (s *Service) sessionIn(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (*room.Session, bool) {
	code, err := models.NormalizeCode(ps.ByName("code"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	sess, ok := s.existing(s.participantID(w, r))
	if !ok || sess.Code() != code {
		writeError(w, room.ErrNotJoined)
		return nil, false
	}
	return sess, true
}

func (s *Service) handleCreateRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := createRoomRequest{Mode: models.GameModeClass}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if !req.Mode.Valid() {
		badRequest(w, fmt.Errorf("unknown game mode %q", req.Mode))
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()

	sess := s.session(s.participantID(w, r))
	rm, err := sess.CreateRoom(ctx, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

func (s *Service) handleGetRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code, err := models.NormalizeCode(ps.ByName("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rm, ok := s.app.Cache().Get(code); ok {
		writeJSON(w, http.StatusOK, rm)
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	rm, _, err := join.ReadRoom(ctx, s.app.Store(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req joinRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()

	sess := s.session(s.participantID(w, r))
	player := models.NewPlayer(sess.ParticipantID(), req.Name, req.Team)
	player.Avatar = req.Avatar
	res, err := sess.Join(ctx, ps.ByName("code"), player)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Room)
}

func (s *Service) handleAnswer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req answerRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	sess, ok := s.sessionIn(w, r, ps)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	rec, err := sess.SubmitAnswer(ctx, req.Idx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Service) handlePowerup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req powerupRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	sess, ok := s.sessionIn(w, r, ps)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	p, err := sess.SubmitPowerup(ctx, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Service) handlePowerups(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sess, ok := s.sessionIn(w, r, ps)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	ups, err := sess.Powerups(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ups)
}

func (s *Service) handlePresence(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code, err := models.NormalizeCode(ps.ByName("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	online, err := s.app.Presence().Online(ctx, code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, online)
}

// handleQRCode renders the join link for a room as a PNG.
func (s *Service) handleQRCode(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code, err := models.NormalizeCode(ps.ByName("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := qrcode.Encode(s.cfg.BaseURL+"/?room="+code, qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := w.Write(png); err != nil {
		log.Warn().Err(err).Msg("failed to write qr code")
	}
}

// handleHost runs a host command: start, question, next, end-round, end or
// reset.
func (s *Service) handleHost(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sess, ok := s.sessionIn(w, r, ps)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()

	var (
		rm  *models.Room
		err error
	)
	switch ps.ByName("action") {
	case "start":
		rm, err = sess.StartMatch(ctx)
	case "question":
		var req questionRequest
		if err := readJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}
		rm, err = sess.BeginQuestion(ctx, models.Question{Index: req.Index, Round: req.Round, Correct: req.Correct})
	case "next":
		var req nextRequest
		if err := readJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}
		rm, err = sess.NextQuestion(ctx, req.Round)
	case "end-round":
		rm, err = sess.EndRound(ctx)
	case "end":
		rm, err = sess.EndMatch(ctx)
	case "reset":
		rm, err = sess.Reset(ctx)
	default:
		writeJSON(w, http.StatusNotFound, ErrorPayload{Reason: "unknown_action", Message: ps.ByName("action")})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// handleClaim takes over hosting of an existing room, for example after the
// host's page reloaded.
func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	sess := s.session(s.participantID(w, r))
	rm, err := sess.Host(ctx, ps.ByName("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sess, ok := s.sessionIn(w, r, ps)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := sess.ClearRoom(ctx); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code, err := models.NormalizeCode(ps.ByName("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	pid := s.participantID(w, r)
	if _, err := s.cm.UpgradeConnection(w, r, pid, code, s.command); err != nil {
		log.Error().Err(err).Str("room", code).Str("participant", pid).Msg("failed to upgrade websocket connection")
		return
	}
	// send the current room right away so the page does not wait for a change
	if rm, ok := s.app.Cache().Get(code); ok {
		s.push(code, pid, EventTypeRoomChanged, rm)
	}
}

type statsResponse struct {
	Sessions    int            `json:"sessions"`
	Connections map[string]int `json:"connections"`
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, statsResponse{
		Sessions:    s.app.Sessions(),
		Connections: s.cm.Stats(),
	})
}
