package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/genkai-ai/gatehouse/features/history/mongo/clients/mongo"
	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// Options configures the Mongo history store. Every field except Client
	// has a working default.
	Options struct {
		// Client is the low-level Mongo history client. Required.
		Client clientsmongo.Client
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

	// Store implements history.Store on MongoDB. Bookkeeping and bound
	// enforcement run inside the client so concurrent appends from several
	// processes stay consistent.
	Store struct {
		client     clientsmongo.Client
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

	evicted, err := s.client.AppendMessage(ctx, msg, s.maxHistory)
	if err != nil {
		return err
	}
	// Steady state at the bound drops exactly one message per append. More
	// means the stored history exceeded its bound and was healed in place.
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
	return s.client.Messages(ctx, sessionID, limit)
}

// SelectRelevant returns at most maxItems messages pertinent to query per
// the configured selection policy.
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
	_, err := s.client.DeleteSession(ctx, sessionID)
	return err
}

// EvictExpired removes messages older than the retention period and returns
// the number of sessions deleted outright.
func (s *Store) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.now()
	}
	return s.client.DeleteExpired(ctx, now.Add(-s.retention))
}

// Sessions lists a snapshot of every live session.
func (s *Store) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	return s.client.Sessions(ctx)
}

// Export returns a portable snapshot of the session.
func (s *Store) Export(ctx context.Context, sessionID string) (*history.SessionDump, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	infos, err := s.client.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	var info *history.SessionInfo
	for i := range infos {
		if infos[i].ID == sessionID {
			info = &infos[i]
			break
		}
	}
	if info == nil {
		return nil, history.ErrSessionNotFound
	}
	msgs, err := s.client.Messages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return &history.SessionDump{Info: *info, Messages: msgs}, nil
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
	trimmed, err := s.client.ReplaceSession(ctx, dump, s.maxHistory)
	if err != nil {
		return err
	}
	if trimmed > 0 {
		s.logger.Warn(ctx, "imported session exceeded bound, oldest messages dropped",
			"session_id", dump.Info.ID,
			"dropped", trimmed,
			"max_history", s.maxHistory)
	}
	return nil
}
