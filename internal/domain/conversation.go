package domain

import "time"

// Message roles as sent to the completion provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a bot conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Answer is one validated per-field reply from the model.
type Answer struct {
	Value  any    `json:"answer"`
	Reason string `json:"reason"`
}

// Participant is one row of the participants table: a single seat in an
// experiment session, human or bot.
type Participant struct {
	SessionName   string     `db:"session_name"`
	SessionID     string     `db:"session_id"`
	ParticipantID string     `db:"participant_id"`
	IsHuman       bool       `db:"is_human"`
	URL           string     `db:"url"`
	TimeIn        *time.Time `db:"time_in"`
	TimeOut       *time.Time `db:"time_out"`
}

// ConversationRecord is the persisted transcript of one bot run, written
// exactly once at run completion or graceful failure.
type ConversationRecord struct {
	ParticipantID string         `json:"participant_id"`
	RunParameters map[string]any `json:"run_parameters"`
	Messages      []Message      `json:"messages"`
}
