// Package round collects answers for the active question and decides, once,
// when the question is resolved.
package round

import (
	"sort"

	"github.com/mcdev12/quizzo/go/internal/models"
)

// Aggregate holds at most one answer per participant for one question.
// Applying the same record twice, from the bus and from the poll, is a no-op.
type Aggregate struct {
	Question int
	Round    int
	answers  map[string]models.AnswerRecord
}

// NewAggregate returns an empty aggregate for a question.
func NewAggregate(question, round int) *Aggregate {
	return &Aggregate{
		Question: question,
		Round:    round,
		answers:  make(map[string]models.AnswerRecord),
	}
}

// Apply records rec and reports whether it was new. Records for another
// question or round, without a participant, or with an unknown team are
// ignored. The first answer of a participant wins.
func (a *Aggregate) Apply(rec models.AnswerRecord) bool {
	if !rec.For(a.Question, a.Round) || rec.ParticipantID == "" || !rec.Team.Valid() {
		return false
	}
	if _, ok := a.answers[rec.ParticipantID]; ok {
		return false
	}
	a.answers[rec.ParticipantID] = rec
	return true
}

// Len returns the number of recorded answers.
func (a *Aggregate) Len() int { return len(a.answers) }

// Count returns the number of answers recorded for a team.
func (a *Aggregate) Count(team models.Team) int {
	n := 0
	for _, rec := range a.answers {
		if rec.Team == team {
			n++
		}
	}
	return n
}

// Answer returns the answer of one participant.
func (a *Aggregate) Answer(participantID string) (models.AnswerRecord, bool) {
	rec, ok := a.answers[participantID]
	return rec, ok
}

// Records returns every answer ordered by submission time.
func (a *Aggregate) Records() []models.AnswerRecord {
	out := make([]models.AnswerRecord, 0, len(a.answers))
	for _, rec := range a.answers {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Complete reports whether each team has at least as many answers as it has
// rostered players. An empty roster is never complete.
func (a *Aggregate) Complete(roster []models.Player) bool {
	if len(roster) == 0 {
		return false
	}
	need := map[models.Team]int{}
	for _, p := range roster {
		need[p.Team]++
	}
	for _, team := range []models.Team{models.TeamBlue, models.TeamRed} {
		if a.Count(team) < need[team] {
			return false
		}
	}
	return true
}

// FirstCorrect returns the earliest recorded answer choosing correct.
func (a *Aggregate) FirstCorrect(correct int) (models.AnswerRecord, bool) {
	for _, rec := range a.Records() {
		if rec.Answer.Index == correct {
			return rec, true
		}
	}
	return models.AnswerRecord{}, false
}

func sortRecords(recs []models.AnswerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp < recs[j].Timestamp
		}
		if recs[i].Answer.Elapsed != recs[j].Answer.Elapsed {
			return recs[i].Answer.Elapsed < recs[j].Answer.Elapsed
		}
		return recs[i].ParticipantID < recs[j].ParticipantID
	})
}
