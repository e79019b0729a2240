package model

import "time"

// Session groups an ordered sequence of messages under one user.
// Metadata is a free-form string map (source, import file, etc.).
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Metadata  map[string]string
}

// NewSession creates a new session for userID with a fresh id.
func NewSession(userID string) *Session {
	return &Session{
		ID:        newID(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{},
	}
}
