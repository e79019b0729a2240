// Package pgstore is the server-based relational store backend
// (store.Store over jackc/pgx/v5), selected when the configured database
// URL uses the postgres(ql):// scheme. Connection pooling with pre-ping is
// grounded on the teacher's store/mongodb.go client-with-ping-at-construction
// idiom; schema migrations run through golang-migrate/migrate/v4 against an
// embedded filesystem of numbered .sql files (spec.md §4.2).
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the postgres-backed store.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to url (a postgres(ql):// DSN), pre-pings the pool, and
// applies pending migrations before returning.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	if err := runMigrations(url); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func runMigrations(url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("pgstore: open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("pgstore: migration driver: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pgstore: migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pgstore: apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Users -------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, id string) (*model.User, error) {
	u := model.NewUser(id)
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create user: %w", err)
	}
	return u, nil
}

func (s *Store) getUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, created_at, updated_at, is_banned, ban_until, ban_message,
		nonsense_count, last_nonsense_time FROM users WHERE id = $1`, id)

	var (
		u        model.User
		banUntil *time.Time
		lastNon  *time.Time
	)
	err := row.Scan(&u.ID, &u.Name, &u.CreatedAt, &u.UpdatedAt, &u.IsBanned, &banUntil, &u.BanMessage,
		&u.NonsenseCount, &lastNon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NewError(model.KindNotFound, "user not found: "+id)
		}
		return nil, fmt.Errorf("pgstore: get user: %w", err)
	}
	if banUntil != nil {
		u.BanUntil = *banUntil
	}
	if lastNon != nil {
		u.LastNonsenseTime = *lastNon
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, id)
}

func (s *Store) GetOrCreateUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.getUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}
	return s.CreateUser(ctx, id)
}

func (s *Store) UpdateUserName(ctx context.Context, id, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET name = $1, updated_at = $2 WHERE id = $3`,
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("pgstore: update user name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewError(model.KindNotFound, "user not found: "+id)
	}
	return nil
}

func (s *Store) UpdateUserModeration(ctx context.Context, user *model.User) error {
	var banUntil, lastNonsense *time.Time
	if !user.BanUntil.IsZero() {
		banUntil = &user.BanUntil
	}
	if !user.LastNonsenseTime.IsZero() {
		lastNonsense = &user.LastNonsenseTime
	}

	tag, err := s.pool.Exec(ctx, `UPDATE users SET is_banned = $1, ban_until = $2, ban_message = $3,
		nonsense_count = $4, last_nonsense_time = $5, updated_at = $6 WHERE id = $7`,
		user.IsBanned, banUntil, user.BanMessage, user.NonsenseCount, lastNonsense,
		time.Now().UTC(), user.ID)
	if err != nil {
		return fmt.Errorf("pgstore: update user moderation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewError(model.KindNotFound, "user not found: "+user.ID)
	}
	return nil
}

// --- Sessions ------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	metaJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sessions (id, user_id, created_at, metadata) VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.CreatedAt, metaJSON)
	if err != nil {
		return fmt.Errorf("pgstore: create session: %w", err)
	}
	return nil
}

func scanSessionRow(scan func(dest ...any) error) (*model.Session, error) {
	var (
		sess     model.Session
		metaJSON []byte
	)
	if err := scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &metaJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NewError(model.KindNotFound, "session not found")
		}
		return nil, fmt.Errorf("pgstore: scan session: %w", err)
	}
	sess.Metadata = map[string]string{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal session metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, created_at, metadata FROM sessions WHERE id = $1`, id)
	return scanSessionRow(row.Scan)
}

func (s *Store) LatestSession(ctx context.Context, userID string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, metadata FROM sessions WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID)
	return scanSessionRow(row.Scan)
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]store.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT s.id, s.user_id, s.created_at, s.metadata,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id) AS message_count
		FROM sessions s WHERE s.user_id = $1 ORDER BY s.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionSummary
	for rows.Next() {
		var (
			sess     model.Session
			metaJSON []byte
			count    int
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &metaJSON, &count); err != nil {
			return nil, fmt.Errorf("pgstore: scan session summary: %w", err)
		}
		sess.Metadata = map[string]string{}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &sess.Metadata)
		}
		out = append(out, store.SessionSummary{Session: &sess, MessageCount: count})
	}
	return out, rows.Err()
}

// --- Messages --------------------------------------------------------------

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	var psychJSON []byte
	if msg.PsychUpdate != nil {
		b, err := json.Marshal(msg.PsychUpdate)
		if err != nil {
			return fmt.Errorf("pgstore: marshal psych update: %w", err)
		}
		psychJSON = b
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO messages
		(id, session_id, user_id, role, body, created_at, psych_update, semantic_processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.SessionID, msg.UserID, string(msg.Role), msg.Body, msg.CreatedAt, psychJSON,
		msg.SemanticProcessedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save message: %w", err)
	}
	return nil
}

type pgRowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func scanMessageRows(rows pgRowScanner) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		var (
			msg       model.Message
			role      string
			psychJSON []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &role, &msg.Body, &msg.CreatedAt,
			&psychJSON, &msg.SemanticProcessedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if len(psychJSON) > 0 {
			var pu model.PsychUpdate
			if err := json.Unmarshal(psychJSON, &pu); err != nil {
				return nil, fmt.Errorf("pgstore: unmarshal psych update: %w", err)
			}
			msg.PsychUpdate = &pu
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list messages by session: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *Store) ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Message, error) {
	if start.IsZero() {
		r, err := s.pool.Query(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
			semantic_processed_at FROM messages WHERE user_id = $1 AND created_at <= $2
			ORDER BY created_at ASC, id ASC`, userID, end)
		if err != nil {
			return nil, fmt.Errorf("pgstore: list messages in range: %w", err)
		}
		defer r.Close()
		return scanMessageRows(r)
	}

	r, err := s.pool.Query(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages WHERE user_id = $1 AND created_at > $2 AND created_at <= $3
		ORDER BY created_at ASC, id ASC`, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list messages in range: %w", err)
	}
	defer r.Close()
	return scanMessageRows(r)
}

func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *Store) UnprocessedMessages(ctx context.Context, userID string) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages
		WHERE user_id = $1 AND psych_update IS NOT NULL AND semantic_processed_at IS NULL
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: unprocessed messages: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *Store) MarkMessageProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET semantic_processed_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("pgstore: mark message processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewError(model.KindNotFound, "message not found: "+id)
	}
	return nil
}

// --- Insights ----------------------------------------------------------------

func (s *Store) SaveInsight(ctx context.Context, insight *model.SemanticInsight) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO insights
		(id, user_id, source_message_id, text, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		insight.ID, insight.UserID, insight.SourceMessageID, insight.Text, insight.Confidence, insight.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save insight: %w", err)
	}
	return nil
}

func (s *Store) ListInsights(ctx context.Context, userID string) ([]*model.SemanticInsight, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, source_message_id, text, confidence, created_at
		FROM insights WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list insights: %w", err)
	}
	defer rows.Close()

	var out []*model.SemanticInsight
	for rows.Next() {
		var in model.SemanticInsight
		if err := rows.Scan(&in.ID, &in.UserID, &in.SourceMessageID, &in.Text, &in.Confidence, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan insight: %w", err)
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

// --- Profiles ----------------------------------------------------------------

func (s *Store) SaveProfile(ctx context.Context, userID, body string, consensusLog []byte) (*model.Profile, error) {
	var maxVersion *int
	row := s.pool.QueryRow(ctx, `SELECT MAX(version) FROM profiles WHERE user_id = $1`, userID)
	if err := row.Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("pgstore: next profile version: %w", err)
	}
	nextVersion := 1
	if maxVersion != nil {
		nextVersion = *maxVersion + 1
	}

	p := model.NewProfile(userID, nextVersion, body, consensusLog)
	_, err := s.pool.Exec(ctx, `INSERT INTO profiles (id, user_id, version, body, consensus_log, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, p.ID, p.UserID, p.Version, p.Body, consensusLog, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: save profile: %w", err)
	}
	return p, nil
}

func (s *Store) LatestProfile(ctx context.Context, userID string) (*model.Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, version, body, consensus_log, created_at
		FROM profiles WHERE user_id = $1 ORDER BY version DESC LIMIT 1`, userID)

	var (
		p      model.Profile
		logRaw []byte
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Version, &p.Body, &logRaw, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NewError(model.KindNotFound, "no profile for user: "+userID)
		}
		return nil, fmt.Errorf("pgstore: latest profile: %w", err)
	}
	if len(logRaw) > 0 {
		p.ConsensusLog = logRaw
	}
	return &p, nil
}

// --- Summaries -----------------------------------------------------------

func (s *Store) SaveSummary(ctx context.Context, summary *model.CondensedSummary) error {
	idsJSON, err := json.Marshal(summary.SourceSummaryIDs)
	if err != nil {
		return fmt.Errorf("pgstore: marshal source summary ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO summaries
		(id, user_id, level, body, period_start, period_end, source_message_count, source_word_count,
		 source_summary_ids, consensus_log, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		summary.ID, summary.UserID, summary.Level, summary.Body, summary.PeriodStart, summary.PeriodEnd,
		summary.SourceMessageCount, summary.SourceWordCount, idsJSON, summary.ConsensusLog, summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save summary: %w", err)
	}
	return nil
}

func (s *Store) ListSummaries(ctx context.Context, userID string, level int) ([]*model.CondensedSummary, error) {
	var (
		r   pgRowScanner
		err error
	)
	if level > 0 {
		r, err = s.pool.Query(ctx, `SELECT id, user_id, level, body, period_start, period_end,
			source_message_count, source_word_count, source_summary_ids, consensus_log, created_at
			FROM summaries WHERE user_id = $1 AND level = $2 ORDER BY period_start ASC`, userID, level)
	} else {
		r, err = s.pool.Query(ctx, `SELECT id, user_id, level, body, period_start, period_end,
			source_message_count, source_word_count, source_summary_ids, consensus_log, created_at
			FROM summaries WHERE user_id = $1 ORDER BY period_start ASC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: list summaries: %w", err)
	}
	defer r.Close()

	var out []*model.CondensedSummary
	for r.Next() {
		var (
			sum     model.CondensedSummary
			idsJSON []byte
			logRaw  []byte
		)
		if err := r.Scan(&sum.ID, &sum.UserID, &sum.Level, &sum.Body, &sum.PeriodStart, &sum.PeriodEnd,
			&sum.SourceMessageCount, &sum.SourceWordCount, &idsJSON, &logRaw, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan summary: %w", err)
		}
		if len(idsJSON) > 0 {
			if err := json.Unmarshal(idsJSON, &sum.SourceSummaryIDs); err != nil {
				return nil, fmt.Errorf("pgstore: unmarshal source summary ids: %w", err)
			}
		}
		if len(logRaw) > 0 {
			sum.ConsensusLog = logRaw
		}
		out = append(out, &sum)
	}
	return out, r.Err()
}

// --- Cross-cutting -----------------------------------------------------------

func (s *Store) SessionsSinceLastProfile(ctx context.Context, userID string) (int, error) {
	var cutoff *time.Time
	row := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM profiles WHERE user_id = $1`, userID)
	if err := row.Scan(&cutoff); err != nil {
		return 0, fmt.Errorf("pgstore: sessions since last profile (profile lookup): %w", err)
	}

	var count int
	if cutoff != nil {
		row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND created_at > $2`,
			userID, *cutoff)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = $1`, userID)
	}
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("pgstore: sessions since last profile (count): %w", err)
	}
	return count, nil
}

var _ store.Store = (*Store)(nil)
