// Package inmem provides the in-memory history store. It is the default
// backend and the reference for store semantics: per-session locking, count
// and age bounds, and defensive copies on every read.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/telemetry"
)

const (
	defaultMaxHistory = 50
	defaultRetention  = 30 * 24 * time.Hour
)

type (
	// Options configures the in-memory store. The zero value is usable:
	// every field has a default.
	Options struct {
		// MaxHistory caps the number of messages retained per session.
		// Zero or negative selects the default of 50.
		MaxHistory int
		// Retention caps message age; EvictExpired removes anything older.
		// Zero or negative selects the default of 30 days.
		Retention time.Duration
		// Selector is the relevance policy used by SelectRelevant.
		// Nil selects recency.
		Selector history.Selector
		// Logger receives housekeeping warnings. Nil discards them.
		Logger telemetry.Logger
	}

	// Store keeps history in process memory. The top-level mutex guards only
	// the session map; each session carries its own lock so traffic on
	// unrelated sessions never contends.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*session

		maxHistory int
		retention  time.Duration
		selector   history.Selector
		logger     telemetry.Logger

		now func() time.Time
	}

	session struct {
		mu             sync.Mutex
		id             string
		createdAt      time.Time
		lastActivityAt time.Time
		messages       []history.Message
	}
)

// New constructs an in-memory history store.
func New(opts Options) *Store {
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
	return &Store{
		sessions:   make(map[string]*session),
		maxHistory: maxHistory,
		retention:  retention,
		selector:   selector,
		logger:     logger,
		now:        time.Now,
	}
}

// Append adds msg to the session's history, creating the session on first
// use. The count bound is enforced here: when the append would exceed it,
// the oldest messages are evicted first and the new message always survives.
func (s *Store) Append(ctx context.Context, sessionID string, msg history.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if msg.SessionID != "" && msg.SessionID != sessionID {
		return history.ErrIsolationViolation
	}
	msg.SessionID = sessionID
	msg.Sources = cloneSources(msg.Sources)
	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	sess := s.getOrCreate(sessionID, now)

	forced := 0
	sess.mu.Lock()
	sess.messages = append(sess.messages, msg)
	sess.lastActivityAt = now
	if over := len(sess.messages) - s.maxHistory; over > 0 {
		sess.messages = append(sess.messages[:0], sess.messages[over:]...)
		// A single-slot trim is the steady state. Anything more means the
		// bound was already breached before this append; recover and warn.
		if over > 1 {
			forced = over
		}
	}
	sess.mu.Unlock()

	if forced > 0 {
		s.logger.Warn(ctx, "history bound exceeded, forced eviction",
			"session_id", sessionID, "evicted", forced)
	}
	return nil
}

// History returns up to limit of the session's most recent messages in
// insertion order. limit <= 0 returns the full history. Unknown sessions
// yield an empty result.
func (s *Store) History(_ context.Context, sessionID string, limit int) ([]history.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	sess := s.lookup(sessionID)
	if sess == nil {
		return nil, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	msgs := sess.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return cloneMessages(msgs), nil
}

// SelectRelevant loads the session's history and delegates to the configured
// selection policy.
func (s *Store) SelectRelevant(ctx context.Context, sessionID, query string, maxItems int) ([]history.Message, error) {
	msgs, err := s.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return s.selector.Select(ctx, query, msgs, maxItems)
}

// Clear removes the session and all its messages. Unknown sessions are a
// no-op.
func (s *Store) Clear(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// EvictExpired removes every message older than the retention period and
// deletes sessions left empty. It returns the number of sessions deleted.
func (s *Store) EvictExpired(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)
	evicted := 0

	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		kept := sess.messages[:0]
		for _, m := range sess.messages {
			if m.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, m)
		}
		sess.messages = kept
		empty := len(kept) == 0
		sess.mu.Unlock()
		if empty {
			delete(s.sessions, id)
			evicted++
		}
	}
	s.mu.Unlock()
	return evicted, nil
}

// Sessions returns a snapshot of every live session, ordered by id.
func (s *Store) Sessions(_ context.Context) ([]history.SessionInfo, error) {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	infos := make([]history.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		infos = append(infos, history.SessionInfo{
			ID:             sess.id,
			CreatedAt:      sess.createdAt,
			LastActivityAt: sess.lastActivityAt,
			MessageCount:   len(sess.messages),
		})
		sess.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Export returns a portable snapshot of the session.
func (s *Store) Export(_ context.Context, sessionID string) (*history.SessionDump, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	sess := s.lookup(sessionID)
	if sess == nil {
		return nil, history.ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &history.SessionDump{
		Info: history.SessionInfo{
			ID:             sess.id,
			CreatedAt:      sess.createdAt,
			LastActivityAt: sess.lastActivityAt,
			MessageCount:   len(sess.messages),
		},
		Messages: cloneMessages(sess.messages),
	}, nil
}

// Import replaces the session named by the dump with its contents. The
// count bound applies: oldest messages beyond it are evicted with a warning,
// the same self-healing path Append uses.
func (s *Store) Import(ctx context.Context, dump *history.SessionDump) error {
	if dump == nil || dump.Info.ID == "" {
		return errors.New("session dump with id is required")
	}
	msgs := cloneMessages(dump.Messages)
	for i := range msgs {
		if msgs[i].SessionID != "" && msgs[i].SessionID != dump.Info.ID {
			return history.ErrIsolationViolation
		}
		msgs[i].SessionID = dump.Info.ID
	}
	if over := len(msgs) - s.maxHistory; over > 0 {
		msgs = msgs[over:]
		s.logger.Warn(ctx, "history bound exceeded, forced eviction",
			"session_id", dump.Info.ID, "evicted", over)
	}

	now := s.now()
	createdAt := dump.Info.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastActivity := dump.Info.LastActivityAt
	if lastActivity.IsZero() {
		lastActivity = now
	}

	s.mu.Lock()
	s.sessions[dump.Info.ID] = &session{
		id:             dump.Info.ID,
		createdAt:      createdAt,
		lastActivityAt: lastActivity,
		messages:       msgs,
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) lookup(sessionID string) *session {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	return sess
}

func (s *Store) getOrCreate(sessionID string, now time.Time) *session {
	if sess := s.lookup(sessionID); sess != nil {
		return sess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[sessionID]; sess != nil {
		return sess
	}
	sess := &session{
		id:             sessionID,
		createdAt:      now,
		lastActivityAt: now,
	}
	s.sessions[sessionID] = sess
	return sess
}

func cloneMessages(msgs []history.Message) []history.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]history.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].Sources = cloneSources(out[i].Sources)
	}
	return out
}

func cloneSources(sources []string) []string {
	if len(sources) == 0 {
		return nil
	}
	out := make([]string, len(sources))
	copy(out, sources)
	return out
}
