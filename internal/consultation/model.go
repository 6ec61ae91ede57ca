package consultation

import (
	"time"

	"ayurvaid-agent/internal/intake"
)

// Role says who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "bot"
)

// Turn is one persisted message of a conversation.
type Turn struct {
	ID             int64     `json:"-"`
	CallerID       string    `json:"-"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"sender"`
	Content        string    `json:"message"`
	CreatedAt      time.Time `json:"timestamp"`
}

// ConversationSummary is one entry of a caller's conversation list.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	LatestAt       time.Time `json:"latest_timestamp"`
	Name           string    `json:"name"`
}

// TurnResult is what a caller gets back for one utterance.
type TurnResult struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

// Assessment is the outcome of a completed intake: everything the synthesis
// role was given plus its answer.
type Assessment struct {
	CallerID           string
	ConversationID     string
	Disease            string
	Intake             intake.Snapshot
	DiseaseAdjustment  string
	MedicineAdjustment string
	AyurvedicName      string
	Remedies           []string
	Response           string
	CreatedAt          time.Time
}
