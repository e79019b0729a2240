package model

import "time"

// Profile is a versioned narrative synthesis for a user. Versions start
// at 1 and increase monotonically; no two profiles for one user share a
// version.
type Profile struct {
	ID           string
	UserID       string
	Version      int
	Body         string
	ConsensusLog []byte // optional, raw JSON from the consensus run that produced Body
	CreatedAt    time.Time
}

// NewProfile constructs a profile at the given version. The store
// assigns the version (see store.Store.SaveProfile).
func NewProfile(userID string, version int, body string, consensusLog []byte) *Profile {
	return &Profile{
		ID:           newID(),
		UserID:       userID,
		Version:      version,
		Body:         body,
		ConsensusLog: consensusLog,
		CreatedAt:    time.Now().UTC(),
	}
}
