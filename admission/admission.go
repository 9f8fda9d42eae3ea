// Package admission gates concurrent work on behalf of the query front end.
//
// A Controller instance decides for each arriving request whether it runs
// now, waits in a bounded FIFO queue, or is rejected, and throttles the
// overall acceptance rate with a sliding window. Each request is tracked by
// an AdmissionTicket whose lifecycle the controller owns end to end.
package admission

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Ticket is a snapshot of one request's admission lifecycle. The
	// controller owns the live state; callers get copies and interact
	// through the request id. Every field is set explicitly at the
	// transition that defines it, so the zero time means "not reached".
	Ticket struct {
		// RequestID is the caller-provided request identifier.
		RequestID string
		// Seq is the monotonically assigned arrival sequence number. It
		// breaks ties between simultaneous enqueues.
		Seq uint64
		// State is the lifecycle state at snapshot time.
		State TicketState
		// EnqueuedAt records when the request entered the controller.
		EnqueuedAt time.Time
		// AdmittedAt records the transition to Running. Zero until then.
		AdmittedAt time.Time
		// CompletedAt records the terminal transition. Zero until then.
		CompletedAt time.Time
		// Timeout is the queue-wait budget stamped at entry from the limits
		// in effect then. Later reconfiguration does not change it.
		Timeout time.Duration
		// Cancelled reports whether Cancel was called for this request.
		// For a running ticket the flag is advisory: the controller records
		// it but does not terminate downstream work.
		Cancelled bool
	}

	// TicketState is the lifecycle state of a ticket.
	TicketState string

	// Limits are the reconfigurable admission knobs. Changes made through
	// Reconfigure apply to subsequent admissions only.
	Limits struct {
		// MaxConcurrent caps requests in the Running state. Required.
		MaxConcurrent int
		// MaxQueueSize caps requests waiting for a slot. Zero disables
		// queueing so overflow rejects immediately.
		MaxQueueSize int
		// RateLimit caps accepted requests per RateInterval. Zero disables
		// rate limiting.
		RateLimit int
		// RateInterval is the sliding window length. Zero means one minute.
		RateInterval time.Duration
		// RequestTimeout bounds the time a request may wait in the queue.
		// Zero means queued requests wait until granted or cancelled. A
		// running request past this budget is only flagged, never killed.
		RequestTimeout time.Duration
	}

	// Stats are the controller's lifetime counters plus current occupancy.
	Stats struct {
		// InFlight is the number of tickets currently Running.
		InFlight int
		// Queued is the number of tickets currently waiting.
		Queued int
		// Accepted counts requests that passed the rate gate.
		Accepted uint64
		// Completed counts tickets released after running.
		Completed uint64
		// RateLimited counts rejections by the rate gate.
		RateLimited uint64
		// QueueFull counts rejections because the queue was at capacity.
		QueueFull uint64
		// TimedOut counts queued tickets that exhausted their wait budget.
		TimedOut uint64
		// Cancelled counts queued tickets withdrawn by their caller.
		Cancelled uint64
	}

	// QueueFullError reports that the wait queue was at capacity when the
	// request arrived. The caller should retry later.
	QueueFullError struct {
		// Capacity is the queue capacity in effect at rejection time.
		Capacity int
	}

	// RateLimitError reports that the acceptance rate cap was hit.
	RateLimitError struct {
		// Limit is the cap in effect at rejection time.
		Limit int
		// Interval is the window the cap applies to.
		Interval time.Duration
		// RetryAfter is how long until the oldest accepted timestamp leaves
		// the window, freeing one slot. Always positive.
		RetryAfter time.Duration
	}

	// TimeoutError reports that a queued request waited longer than its
	// budget without being granted a slot.
	TimeoutError struct {
		// Waited is the wait budget that was exhausted.
		Waited time.Duration
	}
)

const (
	// StateQueued means the request is waiting for a concurrency slot.
	StateQueued TicketState = "queued"
	// StateRunning means the request holds a concurrency slot.
	StateRunning TicketState = "running"
	// StateCompleted means the request ran and was released.
	StateCompleted TicketState = "completed"
	// StateRejected means the request never ran: queue full, rate limited,
	// or cancelled while queued.
	StateRejected TicketState = "rejected"
	// StateTimedOut means the request exhausted its queue-wait budget.
	StateTimedOut TicketState = "timed_out"
)

var (
	// ErrUnknownRequest is returned for operations naming a request id the
	// controller is not currently tracking.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrCancelled is returned by Admit when the queued request was
	// withdrawn through Cancel before a slot was granted.
	ErrCancelled = errors.New("admission cancelled")

	// ErrDuplicateRequest is returned by Admit when the request id is
	// already tracked.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// Error returns the queue-full rejection message.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("admission queue full (capacity %d)", e.Capacity)
}

// Error returns the throttling message including the retry hint.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%d per %s), retry after %s", e.Limit, e.Interval, e.RetryAfter)
}

// Error returns the queue-wait timeout message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("admission timed out after %s in queue", e.Waited)
}

// Terminal reports whether the state is final.
func (s TicketState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateTimedOut:
		return true
	}
	return false
}

// QueueWait returns how long the ticket waited before running. Zero for
// tickets that never ran.
func (t Ticket) QueueWait() time.Duration {
	if t.AdmittedAt.IsZero() {
		return 0
	}
	return t.AdmittedAt.Sub(t.EnqueuedAt)
}

// Overdue reports whether a running ticket has exceeded its timeout budget
// at now. The controller never kills overdue work; callers use this to apply
// their own cancellation policy.
func (t Ticket) Overdue(now time.Time) bool {
	if t.State != StateRunning || t.Timeout <= 0 {
		return false
	}
	return now.Sub(t.AdmittedAt) > t.Timeout
}

// validate checks the limit invariants shared by New and Reconfigure.
func (l Limits) validate() error {
	if l.MaxConcurrent <= 0 {
		return errors.New("max concurrent must be positive")
	}
	if l.MaxQueueSize < 0 {
		return errors.New("max queue size cannot be negative")
	}
	if l.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}
	if l.RateInterval < 0 {
		return errors.New("rate interval cannot be negative")
	}
	if l.RequestTimeout < 0 {
		return errors.New("request timeout cannot be negative")
	}
	return nil
}

// withDefaults fills optional fields.
func (l Limits) withDefaults() Limits {
	if l.RateInterval == 0 {
		l.RateInterval = time.Minute
	}
	return l
}
