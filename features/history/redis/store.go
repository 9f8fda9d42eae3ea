package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientsredis "github.com/genkai-ai/gatehouse/features/history/redis/clients/redis"
	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// Options configures the Redis history store. Every field except Client
	// has a working default.
	Options struct {
		// Client is the low-level Redis history client. Required.
		Client clientsredis.Client
		// MaxHistory bounds messages retained per session. Zero means 50.
		MaxHistory int
		// Retention bounds message age. Doubles as the key TTL so sessions
		// idle past the retention period expire without an eviction pass.
		// Zero means 30 days.
		Retention time.Duration
		// Selector picks the messages SelectRelevant returns. Nil means most
		// recent first.
		Selector history.Selector
		// Logger receives eviction warnings. Nil discards them.
		Logger telemetry.Logger
	}

	// Store implements history.Store on Redis lists. The list trim on append
	// enforces the message-count bound atomically on the server, so appends
	// from several processes stay consistent.
	Store struct {
		client     clientsredis.Client
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
)

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
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
	return &Store{
		client:     opts.Client,
		maxHistory: maxHistory,
		retention:  retention,
		selector:   selector,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Append adds a message to the session's history, creating the session on
// first use.
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
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	evicted, err := s.client.Append(ctx, sessionID, string(payload), int64(s.maxHistory), s.retention, msg.Timestamp)
	if err != nil {
		return err
	}
	// Steady state at the bound drops exactly one entry per append. More
	// means the stored list exceeded its bound and was healed in place.
	if evicted > 1 {
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
	payloads, err := s.client.List(ctx, sessionID, int64(limit))
	if err != nil {
		return nil, err
	}
	return decodeMessages(sessionID, payloads)
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
	_, err := s.client.Delete(ctx, sessionID)
	return err
}

// EvictExpired removes messages older than the retention period and returns
// the number of sessions deleted outright. Key TTLs already expire fully idle
// sessions; this pass trims sessions whose oldest entries aged out while the
// session stayed active.
func (s *Store) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.now()
	}
	cutoff := now.Add(-s.retention)

	ids, err := s.client.SessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		msgs, err := s.History(ctx, id, 0)
		if err != nil {
			return deleted, err
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.Timestamp.Before(cutoff) {
				kept = append(kept, m)
			}
		}
		if len(kept) == len(msgs) {
			continue
		}
		if len(kept) == 0 {
			if _, err := s.client.Delete(ctx, id); err != nil {
				return deleted, err
			}
			deleted++
			continue
		}
		meta, ok, err := s.client.Meta(ctx, id)
		if err != nil {
			return deleted, err
		}
		createdAt := kept[0].Timestamp
		lastActivity := kept[len(kept)-1].Timestamp
		if ok && !meta.LastActivityAt.IsZero() {
			lastActivity = meta.LastActivityAt
		}
		if err := s.rewrite(ctx, id, kept, createdAt, lastActivity); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// Sessions lists a snapshot of every live session.
func (s *Store) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	ids, err := s.client.SessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	var infos []history.SessionInfo
	for _, id := range ids {
		meta, ok, err := s.client.Meta(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		infos = append(infos, history.SessionInfo{
			ID:             id,
			CreatedAt:      meta.CreatedAt,
			LastActivityAt: meta.LastActivityAt,
			MessageCount:   int(meta.MessageCount),
		})
	}
	return infos, nil
}

// Export returns a portable snapshot of the session.
func (s *Store) Export(ctx context.Context, sessionID string) (*history.SessionDump, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	meta, ok, err := s.client.Meta(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, history.ErrSessionNotFound
	}
	msgs, err := s.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return &history.SessionDump{
		Info: history.SessionInfo{
			ID:             sessionID,
			CreatedAt:      meta.CreatedAt,
			LastActivityAt: meta.LastActivityAt,
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
	msgs := dump.Messages
	if trimmed := len(msgs) - s.maxHistory; trimmed > 0 {
		msgs = msgs[trimmed:]
		s.logger.Warn(ctx, "imported session exceeded bound, oldest messages dropped",
			"session_id", dump.Info.ID,
			"dropped", trimmed,
			"max_history", s.maxHistory)
	}
	createdAt := dump.Info.CreatedAt
	lastActivity := dump.Info.LastActivityAt
	if createdAt.IsZero() && len(msgs) > 0 {
		createdAt = msgs[0].Timestamp
	}
	if lastActivity.IsZero() && len(msgs) > 0 {
		lastActivity = msgs[len(msgs)-1].Timestamp
	}
	return s.rewrite(ctx, dump.Info.ID, msgs, createdAt, lastActivity)
}

func (s *Store) rewrite(ctx context.Context, sessionID string, msgs []history.Message, createdAt, lastActivity time.Time) error {
	payloads := make([]string, 0, len(msgs))
	for _, m := range msgs {
		m.SessionID = sessionID
		p, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		payloads = append(payloads, string(p))
	}
	return s.client.Rewrite(ctx, sessionID, payloads, createdAt, lastActivity, s.retention)
}

func decodeMessages(sessionID string, payloads []string) ([]history.Message, error) {
	msgs := make([]history.Message, 0, len(payloads))
	for _, p := range payloads {
		var m history.Message
		if err := json.Unmarshal([]byte(p), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if m.SessionID != "" && m.SessionID != sessionID {
			return nil, history.ErrIsolationViolation
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
