package model

import "time"

// CondensedSummary is one node in a user's multi-level summary tree.
// Level 1 summarizes raw messages directly; level L>1 summarizes ≥2
// level-(L-1) summaries. Periods of sibling summaries at the same level
// do not interleave.
type CondensedSummary struct {
	ID                string
	UserID            string
	Level             int
	Body              string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	SourceMessageCount int
	SourceWordCount    int
	SourceSummaryIDs   []string // empty at level 1
	ConsensusLog       []byte   // optional
	CreatedAt          time.Time
}

// NewCondensedSummary constructs a summary with a fresh id.
func NewCondensedSummary(userID string, level int, body string, periodStart, periodEnd time.Time, messageCount, wordCount int, sourceSummaryIDs []string, consensusLog []byte) *CondensedSummary {
	return &CondensedSummary{
		ID:                 newID(),
		UserID:             userID,
		Level:              level,
		Body:               body,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
		SourceMessageCount: messageCount,
		SourceWordCount:    wordCount,
		SourceSummaryIDs:   sourceSummaryIDs,
		ConsensusLog:       consensusLog,
		CreatedAt:          time.Now().UTC(),
	}
}

// Covers reports whether s's period fully contains other's period
// (non-strict containment), used by budgeted retrieval's coverage skip.
func (s *CondensedSummary) Covers(other *CondensedSummary) bool {
	return !s.PeriodStart.After(other.PeriodStart) && !s.PeriodEnd.Before(other.PeriodEnd)
}
