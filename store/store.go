// Package store defines the relational persistence contract (spec.md
// §4.2) behind a single interface so callers never branch on backend.
// Two implementations exist: sqlitestore (embedded, file-based) and
// pgstore (server-based), selected by URL scheme in storeopen.Open.
package store

import (
	"context"
	"time"

	"github.com/ghiac/emperor/model"
)

// SessionSummary is a lightweight session row carrying its message count,
// for session-listing endpoints that should not load every message.
type SessionSummary struct {
	Session      *model.Session
	MessageCount int
}

// Store is every relational operation the rest of the system depends on.
// All operations are implicitly scoped by user_id where a user_id is
// supplied; implementations must never leak rows across users.
type Store interface {
	// Users
	CreateUser(ctx context.Context, id string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetOrCreateUser(ctx context.Context, id string) (*model.User, error)
	UpdateUserName(ctx context.Context, id, name string) error
	// UpdateUserModeration persists user's ban/nonsense-tracking fields
	// (IsBanned, BanUntil, BanMessage, NonsenseCount, LastNonsenseTime),
	// the supplemental moderation state (see moderation package).
	UpdateUserModeration(ctx context.Context, user *model.User) error

	// Sessions
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	LatestSession(ctx context.Context, userID string) (*model.Session, error)
	ListSessions(ctx context.Context, userID string) ([]SessionSummary, error)

	// Messages
	SaveMessage(ctx context.Context, msg *model.Message) error
	ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error)
	ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Message, error)
	RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error)
	UnprocessedMessages(ctx context.Context, userID string) ([]*model.Message, error)
	MarkMessageProcessed(ctx context.Context, id string, at time.Time) error

	// Insights
	SaveInsight(ctx context.Context, insight *model.SemanticInsight) error
	ListInsights(ctx context.Context, userID string) ([]*model.SemanticInsight, error)

	// Profiles
	SaveProfile(ctx context.Context, userID, body string, consensusLog []byte) (*model.Profile, error)
	LatestProfile(ctx context.Context, userID string) (*model.Profile, error)

	// Summaries
	SaveSummary(ctx context.Context, summary *model.CondensedSummary) error
	ListSummaries(ctx context.Context, userID string, level int) ([]*model.CondensedSummary, error)

	// Cross-cutting
	SessionsSinceLastProfile(ctx context.Context, userID string) (int, error)

	Close() error
}

// ErrNotFound-style lookups use model.NewError(model.KindNotFound, ...) so
// callers get a consistent tagged error regardless of backend.
