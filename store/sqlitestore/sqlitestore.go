// Package sqlitestore is the embedded, single-file relational store
// backend (store.Store over modernc.org/sqlite), grounded on the teacher's
// store/sqlite.go: raw SQL, sql.DB, and one sync.RWMutex around the
// handle. It holds no per-user locks; per-user serialization (spec.md §5)
// is done by the orchestrator's keyed mutexes.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
	"github.com/ghiac/emperor/store/migrate"
	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed store.Store implementation.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens (creating if absent) the sqlite database at path and applies
// the versioned migration ledger. path should already have the
// "sqlite:///" scheme stripped by the caller (see storeopen.Open).
func Open(path string) (*Store, error) {
	if path == "" || path == ":memory:" {
		path = ":memory:"
	} else if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ledger := migrate.New(s.db)
	if err := ledger.EnsureTable(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	return ledger.Apply([]migrate.Migration{
		{Version: 1, Name: "core_tables", Up: migrateCoreTables},
		{Version: 2, Name: "core_indexes", Up: migrateCoreIndexes},
	})
}

func migrateCoreTables(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			is_banned INTEGER NOT NULL DEFAULT 0,
			ban_until TEXT,
			ban_message TEXT NOT NULL DEFAULT '',
			nonsense_count INTEGER NOT NULL DEFAULT 0,
			last_nonsense_time TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			psych_update TEXT,
			semantic_processed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source_message_id TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			consensus_log TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			body TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			source_message_count INTEGER NOT NULL,
			source_word_count INTEGER NOT NULL,
			source_summary_ids TEXT NOT NULL DEFAULT '[]',
			consensus_log TEXT,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateCoreIndexes(tx *sql.Tx) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_id_created_at ON messages(user_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_user_id ON insights(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_user_id_version ON profiles(user_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_user_id_level ON summaries(user_id, level, period_start)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Users ---------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := model.NewUser(id)
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(ctx, id)
}

func (s *Store) getUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at, updated_at, is_banned, ban_until, ban_message,
		nonsense_count, last_nonsense_time FROM users WHERE id = ?`, id)

	var (
		u                         model.User
		createdAt, updatedAt      string
		isBanned                  int
		banUntil, lastNonsenseStr sql.NullString
	)
	err := row.Scan(&u.ID, &u.Name, &createdAt, &updatedAt, &isBanned, &banUntil, &u.BanMessage,
		&u.NonsenseCount, &lastNonsenseStr)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "user not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get user: %w", err)
	}

	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	u.IsBanned = isBanned != 0
	if t, err := parseTimePtr(banUntil); err == nil && t != nil {
		u.BanUntil = *t
	}
	if t, err := parseTimePtr(lastNonsenseStr); err == nil && t != nil {
		u.LastNonsenseTime = *t
	}
	return &u, nil
}

func (s *Store) GetOrCreateUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}

	u = model.NewUser(id)
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get-or-create user: %w", err)
	}
	return u, nil
}

func (s *Store) UpdateUserName(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlitestore: update user name: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "user not found: "+id)
	}
	return nil
}

func (s *Store) UpdateUserModeration(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var banUntil sql.NullString
	if !user.BanUntil.IsZero() {
		banUntil = sql.NullString{String: formatTime(user.BanUntil), Valid: true}
	}
	var lastNonsense sql.NullString
	if !user.LastNonsenseTime.IsZero() {
		lastNonsense = sql.NullString{String: formatTime(user.LastNonsenseTime), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = ?, ban_until = ?, ban_message = ?,
		nonsense_count = ?, last_nonsense_time = ?, updated_at = ? WHERE id = ?`,
		boolToInt(user.IsBanned), banUntil, user.BanMessage, user.NonsenseCount, lastNonsense,
		formatTime(time.Now().UTC()), user.ID)
	if err != nil {
		return fmt.Errorf("sqlitestore: update user moderation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "user not found: "+user.ID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Sessions --------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, user_id, created_at, metadata) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, formatTime(session.CreatedAt), string(metaJSON))
	if err != nil {
		return fmt.Errorf("sqlitestore: create session: %w", err)
	}
	return nil
}

func (s *Store) scanSession(row *sql.Row) (*model.Session, error) {
	var (
		sess      model.Session
		createdAt string
		metaJSON  string
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &createdAt, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.KindNotFound, "session not found")
		}
		return nil, fmt.Errorf("sqlitestore: scan session: %w", err)
	}
	var err error
	sess.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	sess.Metadata = map[string]string{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal session metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, created_at, metadata FROM sessions WHERE id = ?`, id)
	return s.scanSession(row)
}

func (s *Store) LatestSession(ctx context.Context, userID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, metadata FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID)
	return s.scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]store.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.user_id, s.created_at, s.metadata,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id) AS message_count
		FROM sessions s WHERE s.user_id = ? ORDER BY s.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionSummary
	for rows.Next() {
		var (
			sess      model.Session
			createdAt string
			metaJSON  string
			count     int
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &createdAt, &metaJSON, &count); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session summary: %w", err)
		}
		sess.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		sess.Metadata = map[string]string{}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &sess.Metadata)
		}
		out = append(out, store.SessionSummary{Session: &sess, MessageCount: count})
	}
	return out, rows.Err()
}

// --- Messages ----------------------------------------------------------------

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var psychJSON sql.NullString
	if msg.PsychUpdate != nil {
		b, err := json.Marshal(msg.PsychUpdate)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal psych update: %w", err)
		}
		psychJSON = sql.NullString{String: string(b), Valid: true}
	}
	var processedAt sql.NullString
	if msg.SemanticProcessedAt != nil {
		processedAt = sql.NullString{String: formatTime(*msg.SemanticProcessedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, session_id, user_id, role, body, created_at, psych_update, semantic_processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.UserID, string(msg.Role), msg.Body, formatTime(msg.CreatedAt),
		psychJSON, processedAt)
	if err != nil {
		return fmt.Errorf("sqlitestore: save message: %w", err)
	}
	return nil
}

func (s *Store) scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		var (
			msg         model.Message
			role        string
			createdAt   string
			psychJSON   sql.NullString
			processedAt sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &role, &msg.Body, &createdAt,
			&psychJSON, &processedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		msg.Role = model.Role(role)
		var err error
		msg.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		if psychJSON.Valid && psychJSON.String != "" {
			var pu model.PsychUpdate
			if err := json.Unmarshal([]byte(psychJSON.String), &pu); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal psych update: %w", err)
			}
			msg.PsychUpdate = &pu
		}
		if t, err := parseTimePtr(processedAt); err == nil {
			msg.SemanticProcessedAt = t
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list messages by session: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

func (s *Store) ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if start.IsZero() {
		rows, err = s.db.QueryContext(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
			semantic_processed_at FROM messages WHERE user_id = ? AND created_at <= ? ORDER BY created_at ASC, id ASC`,
			userID, formatTime(end))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
			semantic_processed_at FROM messages WHERE user_id = ? AND created_at > ? AND created_at <= ?
			ORDER BY created_at ASC, id ASC`, userID, formatTime(start), formatTime(end))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list messages in range: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: recent messages: %w", err)
	}
	defer rows.Close()
	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Scanned newest-first; callers expect newest-first too (spec.md §4.6
	// walks recent messages newest-to-oldest), so no re-sort needed here.
	return msgs, nil
}

func (s *Store) UnprocessedMessages(ctx context.Context, userID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, role, body, created_at, psych_update,
		semantic_processed_at FROM messages
		WHERE user_id = ? AND psych_update IS NOT NULL AND semantic_processed_at IS NULL
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: unprocessed messages: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

func (s *Store) MarkMessageProcessed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET semantic_processed_at = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark message processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "message not found: "+id)
	}
	return nil
}

// --- Insights ------------------------------------------------------------

func (s *Store) SaveInsight(ctx context.Context, insight *model.SemanticInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO insights
		(id, user_id, source_message_id, text, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		insight.ID, insight.UserID, insight.SourceMessageID, insight.Text, insight.Confidence,
		formatTime(insight.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: save insight: %w", err)
	}
	return nil
}

func (s *Store) ListInsights(ctx context.Context, userID string) ([]*model.SemanticInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, source_message_id, text, confidence, created_at
		FROM insights WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list insights: %w", err)
	}
	defer rows.Close()

	var out []*model.SemanticInsight
	for rows.Next() {
		var in model.SemanticInsight
		var createdAt string
		if err := rows.Scan(&in.ID, &in.UserID, &in.SourceMessageID, &in.Text, &in.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan insight: %w", err)
		}
		in.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

// --- Profiles --------------------------------------------------------------

func (s *Store) SaveProfile(ctx context.Context, userID, body string, consensusLog []byte) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxVersion sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM profiles WHERE user_id = ?`, userID)
	if err := row.Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("sqlitestore: next profile version: %w", err)
	}
	nextVersion := 1
	if maxVersion.Valid {
		nextVersion = int(maxVersion.Int64) + 1
	}

	p := model.NewProfile(userID, nextVersion, body, consensusLog)
	var logStr sql.NullString
	if consensusLog != nil {
		logStr = sql.NullString{String: string(consensusLog), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (id, user_id, version, body, consensus_log, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, p.ID, p.UserID, p.Version, p.Body, logStr, formatTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: save profile: %w", err)
	}
	return p, nil
}

func (s *Store) LatestProfile(ctx context.Context, userID string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, version, body, consensus_log, created_at
		FROM profiles WHERE user_id = ? ORDER BY version DESC LIMIT 1`, userID)

	var (
		p         model.Profile
		createdAt string
		logStr    sql.NullString
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Version, &p.Body, &logStr, &createdAt)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "no profile for user: "+userID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: latest profile: %w", err)
	}
	p.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	if logStr.Valid {
		p.ConsensusLog = []byte(logStr.String)
	}
	return &p, nil
}

// --- Summaries ---------------------------------------------------------------

func (s *Store) SaveSummary(ctx context.Context, summary *model.CondensedSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idsJSON, err := json.Marshal(summary.SourceSummaryIDs)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal source summary ids: %w", err)
	}
	var logStr sql.NullString
	if summary.ConsensusLog != nil {
		logStr = sql.NullString{String: string(summary.ConsensusLog), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO summaries
		(id, user_id, level, body, period_start, period_end, source_message_count, source_word_count,
		 source_summary_ids, consensus_log, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.UserID, summary.Level, summary.Body,
		formatTime(summary.PeriodStart), formatTime(summary.PeriodEnd),
		summary.SourceMessageCount, summary.SourceWordCount, string(idsJSON), logStr,
		formatTime(summary.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: save summary: %w", err)
	}
	return nil
}

func (s *Store) ListSummaries(ctx context.Context, userID string, level int) ([]*model.CondensedSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if level > 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT id, user_id, level, body, period_start, period_end,
			source_message_count, source_word_count, source_summary_ids, consensus_log, created_at
			FROM summaries WHERE user_id = ? AND level = ? ORDER BY period_start ASC`, userID, level)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, user_id, level, body, period_start, period_end,
			source_message_count, source_word_count, source_summary_ids, consensus_log, created_at
			FROM summaries WHERE user_id = ? ORDER BY period_start ASC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list summaries: %w", err)
	}
	defer rows.Close()

	var out []*model.CondensedSummary
	for rows.Next() {
		var (
			sum                    model.CondensedSummary
			periodStart, periodEnd string
			idsJSON                string
			logStr                 sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.Level, &sum.Body, &periodStart, &periodEnd,
			&sum.SourceMessageCount, &sum.SourceWordCount, &idsJSON, &logStr, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan summary: %w", err)
		}
		if sum.PeriodStart, err = parseTime(periodStart); err != nil {
			return nil, err
		}
		if sum.PeriodEnd, err = parseTime(periodEnd); err != nil {
			return nil, err
		}
		if sum.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if idsJSON != "" {
			if err := json.Unmarshal([]byte(idsJSON), &sum.SourceSummaryIDs); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal source summary ids: %w", err)
			}
		}
		if logStr.Valid {
			sum.ConsensusLog = []byte(logStr.String)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// --- Cross-cutting ----------------------------------------------------------

func (s *Store) SessionsSinceLastProfile(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM profiles WHERE user_id = ?`, userID)
	if err := row.Scan(&cutoff); err != nil {
		return 0, fmt.Errorf("sqlitestore: sessions since last profile (profile lookup): %w", err)
	}

	var count int
	if cutoff.Valid && cutoff.String != "" {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ? AND created_at > ?`,
			userID, cutoff.String)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID)
	}
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlitestore: sessions since last profile (count): %w", err)
	}
	return count, nil
}

var _ store.Store = (*Store)(nil)
