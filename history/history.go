// Package history defines per-session conversational history primitives.
//
// A session is the unit of isolation: an opaque id owning an ordered message
// sequence bounded by count and by age. Stores enforce both bounds on behalf
// of callers; selection policies choose which stored messages accompany a new
// query downstream.
package history

import (
	"context"
	"errors"
	"time"
)

type (
	// Message is one conversational turn. Messages are immutable once
	// appended; stores hand out copies, never internal state.
	Message struct {
		// ID is the unique message identifier.
		ID string
		// SessionID names the owning session. Back-reference only; ownership
		// stays with the store.
		SessionID string
		// Role records who produced the message.
		Role Role
		// Content is the message text.
		Content string
		// Timestamp records when the message was appended.
		Timestamp time.Time
		// Sources lists reference identifiers backing an assistant answer.
		// Empty for user messages.
		Sources []string
	}

	// SessionInfo is a point-in-time snapshot of one session's bookkeeping.
	SessionInfo struct {
		// ID is the opaque session identifier.
		ID string
		// CreatedAt records when the first message was appended.
		CreatedAt time.Time
		// LastActivityAt records the most recent append.
		LastActivityAt time.Time
		// MessageCount is the number of retained messages.
		MessageCount int
	}

	// SessionDump is a portable session snapshot used for export and import,
	// e.g. when migrating a session between store backends.
	SessionDump struct {
		Info     SessionInfo `json:"info"`
		Messages []Message   `json:"messages"`
	}

	// Store owns per-session message history.
	//
	// Contract:
	// - Sessions are isolated: operations on one session never observe or
	//   mutate another session's messages.
	// - Append creates the session on first use and enforces the configured
	//   message-count bound by evicting oldest first; the appended message is
	//   never the one dropped.
	// - Appends on the same session serialize; appends on different sessions
	//   proceed independently.
	// - EvictExpired removes messages older than the configured retention
	//   period and deletes sessions it empties. Callers trigger it on a
	//   timer, never from the read/write path.
	Store interface {
		// Append adds a message to the session's history, creating the
		// session if needed.
		Append(ctx context.Context, sessionID string, msg Message) error
		// History returns up to limit of the session's most recent messages
		// in insertion order. A limit <= 0 means no limit. Unknown sessions
		// yield an empty history.
		History(ctx context.Context, sessionID string, limit int) ([]Message, error)
		// SelectRelevant returns at most maxItems messages from the session's
		// history judged most pertinent to query, per the store's selection
		// policy. The result is always a subsequence of the stored history.
		SelectRelevant(ctx context.Context, sessionID, query string, maxItems int) ([]Message, error)
		// Clear removes the session and all its messages. Clearing an unknown
		// session is a no-op.
		Clear(ctx context.Context, sessionID string) error
		// EvictExpired removes messages whose age at now exceeds the retention
		// period and returns the count of sessions deleted outright.
		EvictExpired(ctx context.Context, now time.Time) (int, error)
		// Sessions lists a snapshot of every live session.
		Sessions(ctx context.Context) ([]SessionInfo, error)
		// Export returns a portable snapshot of the session.
		// Returns ErrSessionNotFound when the session does not exist.
		Export(ctx context.Context, sessionID string) (*SessionDump, error)
		// Import replaces the session named by the dump with its contents.
		// The store's bounds apply: oldest messages are evicted if the dump
		// exceeds the configured history size.
		Import(ctx context.Context, dump *SessionDump) error
	}

	// Selector picks the subset of a session's history to send downstream
	// with a new query.
	//
	// Contract:
	// - Returns at most maxItems messages.
	// - Every returned message is a verbatim member of msgs, in the same
	//   relative order (a subsequence, no fabrication).
	// - Ties in pertinence break toward recency.
	Selector interface {
		Select(ctx context.Context, query string, msgs []Message, maxItems int) ([]Message, error)
	}

	// Role identifies the author of a message.
	Role string
)

const (
	// RoleUser marks a message authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the answering model.
	RoleAssistant Role = "assistant"
)

var (
	// ErrSessionNotFound is returned when an operation requires an existing
	// session and none is found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrIsolationViolation signals that session state leaked across session
	// boundaries. It is a programming error: correct stores never return it,
	// and callers should treat it as fatal rather than retry.
	ErrIsolationViolation = errors.New("session isolation violation")
)
