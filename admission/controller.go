package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/genkai-ai/gatehouse/metrics"
	"github.com/genkai-ai/gatehouse/telemetry"
)

const (
	opAdmission     = "admission"
	opAdmissionWait = "admission.wait"
)

type (
	// Options configures optional controller collaborators. Every field has
	// a working default.
	Options struct {
		// Recorder receives one sample per ticket transition. Nil constructs
		// a private recorder.
		Recorder *metrics.Recorder
		// Metrics receives occupancy gauges and outcome counters. Nil
		// discards them.
		Metrics telemetry.Metrics
		// Logger receives reconfiguration and cancellation logs. Nil
		// discards them.
		Logger telemetry.Logger
	}

	// Controller admits, queues, rejects and throttles requests. One mutex
	// guards the in-flight counter, the wait queue and the rate window;
	// queued callers park on a per-ticket channel outside the critical
	// section so admission work never blocks on waiters.
	Controller struct {
		mu       sync.Mutex
		limits   Limits
		window   rateWindow
		inflight int
		queue    []*ticket
		tickets  map[string]*ticket
		seq      uint64
		stats    Stats

		recorder *metrics.Recorder
		mtr      telemetry.Metrics
		logger   telemetry.Logger

		now func() time.Time
	}

	// ticket pairs the exported snapshot with the channel its waiter parks
	// on. The snapshot is mutated only under the controller mutex; decided
	// is closed exactly once, when the state leaves Queued.
	ticket struct {
		t       Ticket
		decided chan struct{}
	}
)

// New constructs a Controller with the given limits.
func New(limits Limits, opts Options) (*Controller, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	mtr := opts.Metrics
	if mtr == nil {
		mtr = telemetry.NewNoopMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Controller{
		limits:   limits.withDefaults(),
		tickets:  make(map[string]*ticket),
		recorder: recorder,
		mtr:      mtr,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Admit decides the fate of the request named by requestID. It returns a
// Running ticket, possibly after queueing: the call suspends while the
// request waits for a slot, honoring ctx. Rejections are synchronous and
// typed: *RateLimitError, *QueueFullError, *TimeoutError, or ErrCancelled
// when Cancel withdrew the queued request. When ctx is cancelled after a
// slot was granted but before Admit returns, the slot is released and
// ctx.Err() is returned.
func (c *Controller) Admit(ctx context.Context, requestID string) (Ticket, error) {
	if requestID == "" {
		return Ticket{}, errors.New("request id is required")
	}

	c.mu.Lock()
	if _, ok := c.tickets[requestID]; ok {
		c.mu.Unlock()
		return Ticket{}, ErrDuplicateRequest
	}
	now := c.now()
	limits := c.limits

	if retry, ok := c.window.reserve(now, limits.RateLimit, limits.RateInterval); !ok {
		c.stats.RateLimited++
		c.mu.Unlock()
		c.recorder.Record(opAdmission, 0, false)
		c.mtr.IncCounter("admission_requests_total", 1, "outcome", "rate_limited")
		return Ticket{}, &RateLimitError{Limit: limits.RateLimit, Interval: limits.RateInterval, RetryAfter: retry}
	}
	c.stats.Accepted++

	// Hand any capacity freed since the last release to queued waiters
	// before deciding, so a newcomer can never overtake the queue head.
	promoted := c.promoteLocked(now)

	c.seq++
	tk := &ticket{
		t: Ticket{
			RequestID:  requestID,
			Seq:        c.seq,
			State:      StateQueued,
			EnqueuedAt: now,
			Timeout:    limits.RequestTimeout,
		},
		decided: make(chan struct{}),
	}

	if c.inflight < limits.MaxConcurrent && len(c.queue) == 0 {
		c.inflight++
		tk.t.State = StateRunning
		tk.t.AdmittedAt = now
		c.tickets[requestID] = tk
		snap := tk.t
		inflight, queued := c.inflight, len(c.queue)
		c.mu.Unlock()

		close(tk.decided)
		c.emitPromoted(promoted)
		c.emitWait(snap)
		c.emitGauges(inflight, queued)
		return snap, nil
	}

	if len(c.queue) >= limits.MaxQueueSize {
		c.stats.QueueFull++
		c.mu.Unlock()

		c.emitPromoted(promoted)
		c.recorder.Record(opAdmission, 0, false)
		c.mtr.IncCounter("admission_requests_total", 1, "outcome", "queue_full")
		return Ticket{}, &QueueFullError{Capacity: limits.MaxQueueSize}
	}

	c.tickets[requestID] = tk
	c.queue = append(c.queue, tk)
	inflight, queued := c.inflight, len(c.queue)
	c.mu.Unlock()

	c.emitPromoted(promoted)
	c.emitGauges(inflight, queued)

	return c.await(ctx, tk)
}

// await parks the caller until the ticket leaves Queued, its wait budget
// runs out, or ctx is done.
func (c *Controller) await(ctx context.Context, tk *ticket) (Ticket, error) {
	var timeoutCh <-chan time.Time
	if tk.t.Timeout > 0 {
		timer := time.NewTimer(tk.t.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-tk.decided:
		return c.afterDecision(tk)

	case <-timeoutCh:
		if snap, ok := c.rejectQueued(tk, StateTimedOut, false); ok {
			c.recorder.Record(opAdmission, snap.CompletedAt.Sub(snap.EnqueuedAt), false)
			c.mtr.IncCounter("admission_requests_total", 1, "outcome", "timed_out")
			return Ticket{}, &TimeoutError{Waited: snap.Timeout}
		}
		// The grant raced the timer and won; the ticket is running.
		return c.afterDecision(tk)

	case <-ctx.Done():
		if snap, ok := c.rejectQueued(tk, StateRejected, true); ok {
			c.recorder.Record(opAdmission, snap.CompletedAt.Sub(snap.EnqueuedAt), false)
			c.mtr.IncCounter("admission_requests_total", 1, "outcome", "cancelled")
			return Ticket{}, ctx.Err()
		}
		snap, err := c.afterDecision(tk)
		if err == nil {
			// Granted concurrently with cancellation. Nobody will run the
			// request, so give the slot back.
			_ = c.Release(snap.RequestID)
			return Ticket{}, ctx.Err()
		}
		return snap, err
	}
}

// afterDecision reads the decided ticket's outcome.
func (c *Controller) afterDecision(tk *ticket) (Ticket, error) {
	c.mu.Lock()
	snap := tk.t
	c.mu.Unlock()

	switch snap.State {
	case StateRunning:
		return snap, nil
	case StateTimedOut:
		return Ticket{}, &TimeoutError{Waited: snap.Timeout}
	default:
		return Ticket{}, ErrCancelled
	}
}

// Release completes the running ticket named by requestID and hands its
// slot to the queue head. Releasing an id that is not currently running
// returns ErrUnknownRequest and leaves the in-flight counter untouched, so
// double releases can never drive it below zero.
func (c *Controller) Release(requestID string) error {
	if requestID == "" {
		return errors.New("request id is required")
	}

	c.mu.Lock()
	tk, ok := c.tickets[requestID]
	if !ok || tk.t.State != StateRunning {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	now := c.now()
	tk.t.State = StateCompleted
	tk.t.CompletedAt = now
	delete(c.tickets, requestID)
	if c.inflight > 0 {
		c.inflight--
	}
	c.stats.Completed++
	snap := tk.t
	promoted := c.promoteLocked(now)
	inflight, queued := c.inflight, len(c.queue)
	c.mu.Unlock()

	c.recorder.Record(opAdmission, snap.CompletedAt.Sub(snap.EnqueuedAt), true)
	c.mtr.IncCounter("admission_requests_total", 1, "outcome", "completed")
	c.emitPromoted(promoted)
	c.emitGauges(inflight, queued)
	return nil
}

// Cancel withdraws the request named by requestID. A queued request is
// removed immediately, freeing its queue slot, and its Admit call returns
// ErrCancelled. For a running request the cancellation is advisory: the
// flag is recorded and downstream work is left to the caller's own policy.
func (c *Controller) Cancel(requestID string) error {
	if requestID == "" {
		return errors.New("request id is required")
	}

	c.mu.Lock()
	tk, ok := c.tickets[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if tk.t.State == StateRunning {
		tk.t.Cancelled = true
		c.mu.Unlock()
		c.logger.Debug(context.Background(), "advisory cancel of running request",
			"request_id", requestID)
		return nil
	}
	snap := c.rejectQueuedLocked(tk, StateRejected, true)
	inflight, queued := c.inflight, len(c.queue)
	c.mu.Unlock()

	close(tk.decided)
	c.emitGauges(inflight, queued)
	c.recorder.Record(opAdmission, snap.CompletedAt.Sub(snap.EnqueuedAt), false)
	c.mtr.IncCounter("admission_requests_total", 1, "outcome", "cancelled")
	return nil
}

// Reconfigure swaps the admission limits at runtime. The new limits apply
// to subsequent admissions: running and queued tickets keep the budgets
// they were stamped with, and nothing is evicted when a limit shrinks.
// Raised concurrency is handed to queued waiters immediately.
func (c *Controller) Reconfigure(limits Limits) error {
	if err := limits.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.limits
	c.limits = limits.withDefaults()
	promoted := c.promoteLocked(c.now())
	inflight, queued := c.inflight, len(c.queue)
	c.mu.Unlock()

	c.logger.Info(context.Background(), "admission limits reconfigured",
		"max_concurrent", limits.MaxConcurrent,
		"max_queue", limits.MaxQueueSize,
		"rate_limit", limits.RateLimit,
		"prev_max_concurrent", old.MaxConcurrent)
	c.emitPromoted(promoted)
	c.emitGauges(inflight, queued)
	return nil
}

// Limits returns the limits currently in effect.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.InFlight = c.inflight
	stats.Queued = len(c.queue)
	return stats
}

// Ticket returns a snapshot of a live (queued or running) ticket.
func (c *Controller) Ticket(requestID string) (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk, ok := c.tickets[requestID]
	if !ok {
		return Ticket{}, false
	}
	return tk.t, true
}

// Aggregate returns latency and outcome statistics for the admission
// transitions recorded within window.
func (c *Controller) Aggregate(window time.Duration) metrics.AggregateStats {
	return c.recorder.Stats(opAdmission, window)
}

// promoteLocked moves queue heads to Running while capacity allows. Caller
// holds c.mu. Returned snapshots are for emission outside the lock; their
// decided channels are closed here so waiters wake promptly.
func (c *Controller) promoteLocked(now time.Time) []Ticket {
	var promoted []Ticket
	for c.inflight < c.limits.MaxConcurrent && len(c.queue) > 0 {
		tk := c.queue[0]
		c.queue = c.queue[1:]
		c.inflight++
		tk.t.State = StateRunning
		tk.t.AdmittedAt = now
		promoted = append(promoted, tk.t)
		close(tk.decided)
	}
	return promoted
}

// rejectQueued finalizes a still-queued ticket with the given terminal
// state. It reports false when the ticket already left the queue, in which
// case the caller must honor the concurrent decision instead.
func (c *Controller) rejectQueued(tk *ticket, state TicketState, cancelled bool) (Ticket, bool) {
	c.mu.Lock()
	if tk.t.State != StateQueued {
		c.mu.Unlock()
		return Ticket{}, false
	}
	snap := c.rejectQueuedLocked(tk, state, cancelled)
	inflight, queued := c.inflight, len(c.queue)
	c.mu.Unlock()

	close(tk.decided)
	c.emitGauges(inflight, queued)
	return snap, true
}

// rejectQueuedLocked removes the ticket from the queue and finalizes it.
// Caller holds c.mu, has checked the state is Queued, and closes decided
// after unlocking.
func (c *Controller) rejectQueuedLocked(tk *ticket, state TicketState, cancelled bool) Ticket {
	for i, q := range c.queue {
		if q == tk {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	tk.t.State = state
	tk.t.CompletedAt = c.now()
	if cancelled {
		tk.t.Cancelled = true
	}
	delete(c.tickets, tk.t.RequestID)
	if state == StateTimedOut {
		c.stats.TimedOut++
	} else {
		c.stats.Cancelled++
	}
	return tk.t
}

func (c *Controller) emitPromoted(promoted []Ticket) {
	for _, snap := range promoted {
		c.emitWait(snap)
	}
}

func (c *Controller) emitWait(snap Ticket) {
	wait := snap.QueueWait()
	c.recorder.Record(opAdmissionWait, wait, true)
	c.mtr.RecordTimer("admission_queue_wait_seconds", wait)
}

func (c *Controller) emitGauges(inflight, queued int) {
	c.mtr.RecordGauge("admission_inflight", float64(inflight))
	c.mtr.RecordGauge("admission_queued", float64(queued))
}
