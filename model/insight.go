package model

import "time"

// SemanticInsight is a persisted SemanticAssertion, derived once its
// source message is processed. It weakly references the source message
// by id (back-reference only, no in-memory pointer).
type SemanticInsight struct {
	ID              string
	UserID          string
	SourceMessageID string
	Text            string
	Confidence      float64
	CreatedAt       time.Time
}

// NewSemanticInsight builds an insight from an assertion extracted from
// sourceMessageID.
func NewSemanticInsight(userID, sourceMessageID string, a SemanticAssertion) *SemanticInsight {
	return &SemanticInsight{
		ID:              newID(),
		UserID:          userID,
		SourceMessageID: sourceMessageID,
		Text:            a.Text,
		Confidence:      a.Confidence,
		CreatedAt:       time.Now().UTC(),
	}
}
