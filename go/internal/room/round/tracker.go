package round

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

const offerBuffer = 64

// ErrAbandoned, wrapped in a Commit error, ends the tracker without a
// resolution. Any other Commit error is retried after PollInterval.
var ErrAbandoned = errors.New("resolution abandoned")

// Config holds the resolver timings.
type Config struct {
	PollInterval time.Duration // reliable path: re-read answers/{code}/
	SpeedGrace   time.Duration // delay between speed_correct and resolution
}

// DefaultConfig polls every 300ms and resolves speed rounds 250ms after the
// first correct answer.
func DefaultConfig() Config {
	return Config{
		PollInterval: 300 * time.Millisecond,
		SpeedGrace:   250 * time.Millisecond,
	}
}

// Resolution is the outcome of one question.
type Resolution struct {
	Code     string          `json:"code"`
	Question models.Question `json:"question"`
	Mode     models.GameMode `json:"mode"`
	// Winner is the team whose answer was correct first. Speed mode only.
	Winner   models.Team           `json:"winner,omitempty"`
	WinnerID string                `json:"winnerId,omitempty"`
	Answers  []models.AnswerRecord `json:"answers"`
}

// Answer returns the recorded answer of a participant.
func (r Resolution) Answer(participantID string) (*models.Answer, bool) {
	for _, rec := range r.Answers {
		if rec.ParticipantID == participantID {
			a := rec.Answer
			return &a, true
		}
	}
	return nil, false
}

// Announcer publishes the speed_correct event.
type Announcer func(ctx context.Context, p models.SpeedCorrectPayload) error

// Params describes the question a tracker watches.
type Params struct {
	Code     string
	Question models.Question
	Mode     models.GameMode
	// Roster returns the live roster; class mode compares answers to it.
	Roster   func() []models.Player
	Announce Announcer
	// Commit applies the resolution. The question counts as resolved only
	// once it returns nil.
	Commit func(context.Context, Resolution) error
	// OnResolve runs after a successful Commit, once the tracker has exited
	// and is no longer active. It may start or stop trackers.
	OnResolve func(Resolution)
}

type key struct {
	code            string
	question, round int
}

// Resolver starts trackers and guarantees at most one resolution per
// question and round.
type Resolver struct {
	st    store.Store
	clock clockwork.Clock
	cfg   Config

	mu       sync.Mutex
	resolved map[key]bool
	active   map[string]*Tracker
}

// NewResolver returns a Resolver. A nil clock means the real clock.
func NewResolver(st store.Store, clock clockwork.Clock, cfg Config) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		st:       st,
		clock:    clock,
		cfg:      cfg,
		resolved: make(map[key]bool),
		active:   make(map[string]*Tracker),
	}
}

// Resolved reports whether the question has been resolved.
func (r *Resolver) Resolved(code string, question, round int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[key{code, question, round}]
}

func (r *Resolver) markResolved(k key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved[k] {
		return false
	}
	r.resolved[k] = true
	return true
}

func (r *Resolver) unmarkResolved(k key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resolved, k)
}

// Forget drops resolution state for a room, after a reset.
func (r *Resolver) Forget(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.resolved {
		if k.code == code {
			delete(r.resolved, k)
		}
	}
}

// Active returns the running tracker for a room, if any.
func (r *Resolver) Active(code string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[code]
}

// Start begins tracking a question, stopping any tracker already running for
// the room.
func (r *Resolver) Start(ctx context.Context, params Params) (*Tracker, error) {
	if !params.Mode.Valid() {
		return nil, fmt.Errorf("unknown game mode %q", params.Mode)
	}
	if params.Roster == nil || params.Commit == nil {
		return nil, fmt.Errorf("tracker for %s needs a roster and a commit function", params.Code)
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		r:      r,
		params: params,
		agg:    NewAggregate(params.Question.Index, params.Question.Round),
		offers: make(chan models.AnswerRecord, offerBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.active[params.Code]
	r.active[params.Code] = t
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go func() {
		res, ok := t.run(ctx)
		r.release(t)
		close(t.done)
		if ok && params.OnResolve != nil {
			params.OnResolve(res)
		}
	}()
	log.Debug().Str("room", params.Code).Int("question", params.Question.Index).Int("round", params.Question.Round).Str("mode", string(params.Mode)).Msg("tracking answers")
	return t, nil
}

func (r *Resolver) release(t *Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[t.params.Code] == t {
		delete(r.active, t.params.Code)
	}
}

// Purge deletes every answer record for a room.
func (r *Resolver) Purge(ctx context.Context, code string) error {
	if err := r.st.DeletePrefix(ctx, store.AnswersPrefix(code)); err != nil {
		return fmt.Errorf("purge answers %s: %w", code, err)
	}
	return nil
}

// Tracker watches one question. Its loop owns the aggregate.
type Tracker struct {
	r      *Resolver
	params Params
	agg    *Aggregate
	offers chan models.AnswerRecord
	cancel context.CancelFunc
	done   chan struct{}
	locked bool
}

// Offer feeds an answer from the fast path. It never blocks; a dropped offer
// is picked up by the next poll.
func (t *Tracker) Offer(rec models.AnswerRecord) {
	select {
	case t.offers <- rec:
	case <-t.done:
	default:
		log.Debug().Str("room", t.params.Code).Str("participant", rec.ParticipantID).Msg("answer offer dropped")
	}
}

// Stop cancels the tracker. A stopped tracker never resolves. Stop returns
// at once when called from the tracker's own OnResolve.
func (t *Tracker) Stop() {
	t.cancel()
	<-t.done
}

// Done is closed when the tracker has resolved or stopped.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// run returns the committed resolution, if any.
func (t *Tracker) run(ctx context.Context) (Resolution, bool) {
	if t.r.Resolved(t.params.Code, t.params.Question.Index, t.params.Question.Round) {
		return Resolution{}, false
	}
	poll := t.r.clock.NewTicker(t.r.cfg.PollInterval)
	defer poll.Stop()
	pollC := poll.Chan()

	var graceC, retryC <-chan time.Time
	var grace clockwork.Timer
	defer func() {
		if grace != nil {
			stopAndDrainTimer(grace)
		}
	}()

	// winner is fixed when the grace period ends; retries commit the same one.
	var winner models.AnswerRecord
	tryResolve := func() (Resolution, bool, bool) {
		res, ok, done := t.resolve(ctx, winner)
		if !done {
			retryC = t.r.clock.After(t.r.cfg.PollInterval)
		}
		return res, ok, done
	}

	t.poll(ctx)
	for {
		if !t.locked {
			switch t.params.Mode {
			case models.GameModeSpeed:
				if first, ok := t.agg.FirstCorrect(t.params.Question.Correct); ok {
					t.locked = true
					poll.Stop()
					pollC = nil
					t.announce(ctx, first)
					grace = t.r.clock.NewTimer(t.r.cfg.SpeedGrace)
					graceC = grace.Chan()
				}
			case models.GameModeClass:
				if t.agg.Complete(t.params.Roster()) {
					t.locked = true
					poll.Stop()
					pollC = nil
					if res, ok, done := tryResolve(); done {
						return res, ok
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return Resolution{}, false
		case rec := <-t.offers:
			if !t.locked {
				t.agg.Apply(rec)
			}
		case <-pollC:
			t.poll(ctx)
		case <-graceC:
			graceC = nil
			winner, _ = t.agg.FirstCorrect(t.params.Question.Correct)
			if res, ok, done := tryResolve(); done {
				return res, ok
			}
		case <-retryC:
			retryC = nil
			if res, ok, done := tryResolve(); done {
				return res, ok
			}
		}
	}
}

// poll reads answers/{code}/ and applies every record for this question.
func (t *Tracker) poll(ctx context.Context) {
	entries, err := t.r.st.List(ctx, store.AnswersPrefix(t.params.Code))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("room", t.params.Code).Msg("answer poll failed")
		}
		return
	}
	for _, e := range entries {
		var rec models.AnswerRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			log.Warn().Err(err).Str("path", e.Path).Msg("skipping undecodable answer")
			continue
		}
		if rec.ParticipantID == "" {
			rec.ParticipantID = store.Base(e.Path)
		}
		t.agg.Apply(rec)
	}
}

func (t *Tracker) announce(ctx context.Context, first models.AnswerRecord) {
	log.Info().Str("room", t.params.Code).Str("team", string(first.Team)).Str("participant", first.ParticipantID).Int("question", t.params.Question.Index).Msg("first correct answer")
	if t.params.Announce == nil {
		return
	}
	err := t.params.Announce(ctx, models.SpeedCorrectPayload{
		Code:     t.params.Code,
		Team:     first.Team,
		PlayerID: first.ParticipantID,
		Question: t.params.Question.Index,
		Round:    t.params.Question.Round,
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("room", t.params.Code).Msg("failed to announce first correct answer")
	}
}

// resolve commits the resolution. done is false when the commit failed
// and should be tried again.
func (t *Tracker) resolve(ctx context.Context, first models.AnswerRecord) (res Resolution, ok, done bool) {
	if ctx.Err() != nil {
		return Resolution{}, false, true
	}
	k := key{t.params.Code, t.params.Question.Index, t.params.Question.Round}
	if !t.r.markResolved(k) {
		return Resolution{}, false, true
	}
	res = Resolution{
		Code:     t.params.Code,
		Question: t.params.Question,
		Mode:     t.params.Mode,
		Winner:   first.Team,
		WinnerID: first.ParticipantID,
		Answers:  t.agg.Records(),
	}
	if err := t.params.Commit(ctx, res); err != nil {
		t.r.unmarkResolved(k)
		switch {
		case ctx.Err() != nil:
			return Resolution{}, false, true
		case errors.Is(err, ErrAbandoned):
			log.Info().Err(err).Str("room", t.params.Code).Int("question", t.params.Question.Index).Msg("resolution abandoned")
			return Resolution{}, false, true
		}
		log.Warn().Err(err).Str("room", t.params.Code).Int("question", t.params.Question.Index).Dur("retry_in", t.r.cfg.PollInterval).Msg("failed to record resolution, will retry")
		return Resolution{}, false, false
	}
	log.Info().Str("room", t.params.Code).Int("question", t.params.Question.Index).Int("round", t.params.Question.Round).Int("answers", len(res.Answers)).Msg("question resolved")
	return res, true, true
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
