package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the sender of a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// SemanticAssertion is one atomic claim extracted from a message, destined
// for the semantic insight store once its confidence clears the threshold.
type SemanticAssertion struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// PsychUpdate is the structured side-channel a persona reply carries
// alongside its text: detected patterns, an emotional-state label, the
// stoic principle it leaned on, a suggested next direction, a confidence
// score, and any semantic assertions worth persisting.
type PsychUpdate struct {
	DetectedPatterns       []string            `json:"detected_patterns"`
	EmotionalState         string              `json:"emotional_state"`
	StoicPrincipleApplied  string              `json:"stoic_principle_applied"`
	SuggestedNextDirection string              `json:"suggested_next_direction"`
	Confidence             float64             `json:"confidence"`
	Assertions             []SemanticAssertion `json:"assertions,omitempty"`
}

// ParseErrorPsychUpdate is the fixed fallback used whenever a persona
// reply's JSON payload fails to parse.
func ParseErrorPsychUpdate() *PsychUpdate {
	return &PsychUpdate{
		DetectedPatterns:       []string{"parse_error"},
		EmotionalState:         "unknown",
		StoicPrincipleApplied:  "",
		SuggestedNextDirection: "Retry with clearer structure",
		Confidence:             0,
	}
}

// Message is one turn of a session: either the user's input or the
// agent's reply. Invariant: within a session, messages are strictly
// monotonic by (CreatedAt, ID).
type Message struct {
	ID                   string
	SessionID            string
	UserID               string
	Role                 Role
	Body                 string
	CreatedAt            time.Time
	PsychUpdate          *PsychUpdate // agent messages only
	SemanticProcessedAt  *time.Time   // set once by the extraction job
}

// NewMessage constructs a message with a fresh id and timestamp.
func NewMessage(userID, sessionID string, role Role, body string) *Message {
	return &Message{
		ID:        newID(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

func newID() string {
	return uuid.NewString()
}
