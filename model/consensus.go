package model

import "time"

// ReviewConcern is one flagged issue inside a Review.
type ReviewConcern struct {
	Issue    string `json:"issue"`
	Severity string `json:"severity"` // minor, moderate, critical
}

// Review is the structured payload a reviewer model is asked to emit when
// cross-reviewing the other model's output.
type Review struct {
	Approved  bool            `json:"approved"`
	Strengths []string        `json:"strengths"`
	Concerns  []ReviewConcern `json:"concerns"`
	Reasoning string          `json:"reasoning"`
}

// ConsensusRound is one iteration of independent generation followed by
// cross-review.
type ConsensusRound struct {
	RoundNumber int
	OutputA     string
	OutputB     string
	ReviewAOfB  *Review // model A reviewing model B's output
	ReviewBOfA  *Review // model B reviewing model A's output
	Reached     bool
	Timestamp   time.Time
}

// ConsensusResult is the outcome of a full consensus run.
type ConsensusResult struct {
	FinalOutput    string
	Reached        bool
	Rounds         []ConsensusRound
	ModelA         string
	ModelB         string
	StabilityScore float64
	CriticalFlags  []string
	Metadata       map[string]any
}

// ConsensusLogEntry is the JSON document written per run to the configured
// append-only sink, keyed by "{prompt_name}_{UTC timestamp}".
type ConsensusLogEntry struct {
	LogID          string         `json:"log_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Reached        bool           `json:"consensus_reached"`
	Rounds         int            `json:"rounds"`
	ModelA         string         `json:"model_a"`
	ModelB         string         `json:"model_b"`
	StabilityScore float64        `json:"stability_score"`
	CriticalFlags  []string       `json:"critical_flags"`
	Metadata       map[string]any `json:"metadata"`
}
