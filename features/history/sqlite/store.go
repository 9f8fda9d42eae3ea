// Package sqlite implements history.Store on an embedded SQLite database,
// the durable single-node option. The schema is migrated on open; bound
// enforcement happens inside the append transaction so concurrent writers
// stay consistent.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// Options configures the SQLite history store. Every field except Path
	// has a working default.
	Options struct {
		// Path locates the database file. Required. Use ":memory:" for an
		// ephemeral store.
		Path string
		// MaxHistory bounds messages retained per session. Zero means 50.
		MaxHistory int
		// Retention bounds message age for EvictExpired. Zero means 30 days.
		Retention time.Duration
		// Selector picks the messages SelectRelevant returns. Nil means most
		// recent first.
		Selector history.Selector
		// Logger receives eviction warnings. Nil discards them.
		Logger telemetry.Logger
	}

	// Store implements history.Store on SQLite.
	Store struct {
		db         *sql.DB
		maxHistory int
		retention  time.Duration
		selector   history.Selector
		logger     telemetry.Logger

		now func() time.Time
	}
)

const (
	defaultMaxHistory = 50
	defaultRetention  = 30 * 24 * time.Hour

	storeName = "history-sqlite"
)

// NewStore opens (or creates) the database at opts.Path and migrates the
// schema.
func NewStore(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	selector := opts.Selector
	if selector == nil {
		selector = history.RecencySelector{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		maxHistory: maxHistory,
		retention:  retention,
		selector:   selector,
		logger:     logger,
		now:        time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		created_at       INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		ts         INTEGER NOT NULL,
		sources    TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec("PRAGMA foreign_keys = ON")
	return err
}

// Append adds a message to the session's history, creating the session on
// first use and trimming the oldest rows past the bound.
func (s *Store) Append(ctx context.Context, sessionID string, msg history.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if msg.SessionID != "" && msg.SessionID != sessionID {
		return history.ErrIsolationViolation
	}
	msg.SessionID = sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	sources, err := json.Marshal(msg.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	at := msg.Timestamp.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		sessionID, at, at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, ts, sources)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, at, string(sources)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)`, sessionID, sessionID, s.maxHistory)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	if evicted, err := res.RowsAffected(); err == nil && evicted > 1 {
		s.logger.Warn(ctx, "history exceeded bound, forced eviction",
			"session_id", sessionID,
			"evicted", evicted,
			"max_history", s.maxHistory)
	}
	return nil
}

// History returns up to limit of the session's most recent messages in
// insertion order.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]history.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	q := `SELECT id, role, content, ts, sources FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		q = `SELECT id, role, content, ts, sources FROM (
			SELECT seq, id, role, content, ts, sources FROM messages
			WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []history.Message
	for rows.Next() {
		var (
			m       history.Message
			role    string
			ts      int64
			sources string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &ts, &sources); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SessionID = sessionID
		m.Role = history.Role(role)
		m.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SelectRelevant returns at most maxItems messages pertinent to query per the
// configured selection policy.
func (s *Store) SelectRelevant(ctx context.Context, sessionID, query string, maxItems int) ([]history.Message, error) {
	msgs, err := s.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return s.selector.Select(ctx, query, msgs, maxItems)
}

// Clear removes the session and all its messages.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// EvictExpired removes messages older than the retention period and returns
// the number of sessions deleted outright.
func (s *Store) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.now()
	}
	cutoff := now.Add(-s.retention).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin evict: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE id NOT IN (SELECT DISTINCT session_id FROM messages)`)
	if err != nil {
		return 0, fmt.Errorf("delete emptied sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit evict: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// Sessions lists a snapshot of every live session.
func (s *Store) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.last_activity_at, COUNT(m.seq)
		FROM sessions s JOIN messages m ON m.session_id = s.id
		GROUP BY s.id ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var infos []history.SessionInfo
	for rows.Next() {
		var (
			info          history.SessionInfo
			created, last int64
		)
		if err := rows.Scan(&info.ID, &created, &last, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt = time.Unix(0, created).UTC()
		info.LastActivityAt = time.Unix(0, last).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Export returns a portable snapshot of the session.
func (s *Store) Export(ctx context.Context, sessionID string) (*history.SessionDump, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	var created, last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity_at FROM sessions WHERE id = ?`, sessionID).
		Scan(&created, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, history.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	msgs, err := s.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return &history.SessionDump{
		Info: history.SessionInfo{
			ID:             sessionID,
			CreatedAt:      time.Unix(0, created).UTC(),
			LastActivityAt: time.Unix(0, last).UTC(),
			MessageCount:   len(msgs),
		},
		Messages: msgs,
	}, nil
}

// Import replaces the session named by the dump with the dump's contents,
// trimming to the configured history bound.
func (s *Store) Import(ctx context.Context, dump *history.SessionDump) error {
	if dump == nil || dump.Info.ID == "" {
		return errors.New("session dump with id is required")
	}
	for _, msg := range dump.Messages {
		if msg.SessionID != "" && msg.SessionID != dump.Info.ID {
			return history.ErrIsolationViolation
		}
	}
	if err := s.Clear(ctx, dump.Info.ID); err != nil {
		return err
	}
	msgs := dump.Messages
	if trimmed := len(msgs) - s.maxHistory; trimmed > 0 {
		msgs = msgs[trimmed:]
		s.logger.Warn(ctx, "imported session exceeded bound, oldest messages dropped",
			"session_id", dump.Info.ID,
			"dropped", trimmed,
			"max_history", s.maxHistory)
	}
	for _, m := range msgs {
		if err := s.Append(ctx, dump.Info.ID, m); err != nil {
			return err
		}
	}
	return nil
}
