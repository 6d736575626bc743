package models

// Answer is the choice a player made for one question.
type Answer struct {
	Index   int     `json:"idx"`
	Elapsed float64 `json:"elapsed"` // seconds since the question started
}

// AnswerRecord is stored at answers/{code}/{participantId} and mirrored on
// the message bus.
type AnswerRecord struct {
	ParticipantID string `json:"pid"`
	Team          Team   `json:"team"`
	Answer        Answer `json:"ans"`
	Question      int    `json:"qIdx"`
	Round         int    `json:"round"`
	Timestamp     int64  `json:"ts"`
	Code          string `json:"code,omitempty"`
}

// For reports whether the record belongs to the given question and round.
func (a AnswerRecord) For(question, round int) bool {
	return a.Question == question && a.Round == round
}

// Powerup is stored at powerups/{code}/{team}_{key}.
type Powerup struct {
	Team      Team   `json:"team"`
	Key       string `json:"key"`
	Question  int    `json:"qIdx"`
	Round     int    `json:"round"`
	Timestamp int64  `json:"ts"`
}

// Question is the slice of quiz content the resolver needs. The content itself
// lives outside this module.
type Question struct {
	Index   int `json:"index"`
	Round   int `json:"round"`
	Correct int `json:"correct"`
}
