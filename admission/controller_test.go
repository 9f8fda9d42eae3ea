package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestController(t *testing.T, limits Limits) *Controller {
	t.Helper()
	c, err := New(limits, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func TestAdmitImmediate(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 2, MaxQueueSize: 4})

	tk, err := c.Admit(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if tk.State != StateRunning {
		t.Fatalf("state = %q, want %q", tk.State, StateRunning)
	}
	if tk.AdmittedAt.IsZero() || tk.EnqueuedAt.IsZero() {
		t.Fatalf("timestamps not stamped: %+v", tk)
	}
	if tk.Seq != 1 {
		t.Fatalf("seq = %d, want 1", tk.Seq)
	}

	stats := c.Stats()
	if stats.InFlight != 1 || stats.Accepted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAdmitValidation(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1})

	if _, err := c.Admit(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty request id")
	}
	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := c.Admit(context.Background(), "r1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}
}

func TestConcurrencyLimitQueues(t *testing.T) {
	const maxConcurrent = 3
	c := newTestController(t, Limits{MaxConcurrent: maxConcurrent, MaxQueueSize: 4})

	for i := 0; i < maxConcurrent; i++ {
		if _, err := c.Admit(context.Background(), fmt.Sprintf("r%d", i)); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(context.Background(), "overflow")
		done <- err
	}()

	waitFor(t, func() bool { return c.Stats().Queued == 1 })
	stats := c.Stats()
	if stats.InFlight != maxConcurrent {
		t.Fatalf("inflight = %d, want %d", stats.InFlight, maxConcurrent)
	}

	tk, ok := c.Ticket("overflow")
	if !ok || tk.State != StateQueued {
		t.Fatalf("overflow ticket = %+v ok=%v, want queued", tk, ok)
	}

	if err := c.Release("r0"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("queued Admit: %v", err)
	}
}

func TestQueueFullRejected(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, MaxQueueSize: 0})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	_, err := c.Admit(context.Background(), "r2")
	var qf *QueueFullError
	if !errors.As(err, &qf) {
		t.Fatalf("err = %v, want *QueueFullError", err)
	}
	if qf.Capacity != 0 {
		t.Fatalf("capacity = %d, want 0", qf.Capacity)
	}
	if got := c.Stats().QueueFull; got != 1 {
		t.Fatalf("queue full count = %d, want 1", got)
	}
}

func TestRateLimited(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 10, MaxQueueSize: 10, RateLimit: 2})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c.now = func() time.Time { return clock }

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit r1: %v", err)
	}
	if _, err := c.Admit(context.Background(), "r2"); err != nil {
		t.Fatalf("Admit r2: %v", err)
	}

	_, err := c.Admit(context.Background(), "r3")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("retry after = %s, want positive", rl.RetryAfter)
	}
	if rl.RetryAfter != time.Minute {
		t.Fatalf("retry after = %s, want 1m", rl.RetryAfter)
	}

	// The oldest accepted timestamp leaves the window; one slot frees up.
	clock = base.Add(61 * time.Second)
	if _, err := c.Admit(context.Background(), "r4"); err != nil {
		t.Fatalf("Admit r4 after window: %v", err)
	}
	if got := c.Stats().RateLimited; got != 1 {
		t.Fatalf("rate limited count = %d, want 1", got)
	}
}

func TestAdmissionTimeout(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, MaxQueueSize: 2, RequestTimeout: 30 * time.Millisecond})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	start := time.Now()
	_, err := c.Admit(context.Background(), "r2")
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("returned after %s, before the wait budget", elapsed)
	}

	stats := c.Stats()
	if stats.TimedOut != 1 || stats.Queued != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := c.Ticket("r2"); ok {
		t.Fatal("timed out ticket still tracked")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := c.Release("r1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := c.Release("r1"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("second Release err = %v, want ErrUnknownRequest", err)
	}
	if err := c.Release("r1"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("third Release err = %v, want ErrUnknownRequest", err)
	}

	if got := c.Stats().InFlight; got != 0 {
		t.Fatalf("inflight = %d, want 0", got)
	}

	// The slot is reusable; repeated releases did not corrupt the counter.
	if _, err := c.Admit(context.Background(), "r2"); err != nil {
		t.Fatalf("Admit after releases: %v", err)
	}
	if got := c.Stats().InFlight; got != 1 {
		t.Fatalf("inflight = %d, want 1", got)
	}
}

func TestReleasePromotesFIFO(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, MaxQueueSize: 3})

	if _, err := c.Admit(context.Background(), "first"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	order := make(chan string, 3)
	for i, id := range []string{"q1", "q2", "q3"} {
		go func(id string) {
			if _, err := c.Admit(context.Background(), id); err == nil {
				order <- id
			}
		}(id)
		want := i + 1
		waitFor(t, func() bool { return c.Stats().Queued == want })
	}

	running := "first"
	for _, want := range []string{"q1", "q2", "q3"} {
		if err := c.Release(running); err != nil {
			t.Fatalf("Release %s: %v", running, err)
		}
		got := <-order
		if got != want {
			t.Fatalf("promoted %q, want %q", got, want)
		}
		running = got
	}
}

func TestCancelQueued(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, MaxQueueSize: 1})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(context.Background(), "r2")
		done <- err
	}()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })

	if err := c.Cancel("r2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("Admit err = %v, want ErrCancelled", err)
	}

	stats := c.Stats()
	if stats.Queued != 0 || stats.Cancelled != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// The freed queue slot is usable again.
	done2 := make(chan error, 1)
	go func() {
		_, err := c.Admit(context.Background(), "r3")
		done2 <- err
	}()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })
	if err := c.Release("r1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-done2; err != nil {
		t.Fatalf("Admit r3: %v", err)
	}
}

func TestCancelRunningAdvisory(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := c.Cancel("r1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	tk, ok := c.Ticket("r1")
	if !ok {
		t.Fatal("running ticket dropped by advisory cancel")
	}
	if tk.State != StateRunning || !tk.Cancelled {
		t.Fatalf("ticket = %+v, want running and cancelled", tk)
	}
	if err := c.Release("r1"); err != nil {
		t.Fatalf("Release after advisory cancel: %v", err)
	}

	if err := c.Cancel("r1"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("Cancel released err = %v, want ErrUnknownRequest", err)
	}
}

func TestContextCancelWhileQueued(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, MaxQueueSize: 1})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(ctx, "r2")
		done <- err
	}()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Admit err = %v, want context.Canceled", err)
	}
	if got := c.Stats().Queued; got != 0 {
		t.Fatalf("queued = %d, want 0", got)
	}
}

func TestReconfigure(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, MaxQueueSize: 2})

	if _, err := c.Admit(context.Background(), "r1"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(context.Background(), "r2")
		done <- err
	}()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })

	// Raising the cap grants the queued waiter immediately.
	if err := c.Reconfigure(Limits{MaxConcurrent: 2, MaxQueueSize: 2}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("queued Admit after raise: %v", err)
	}
	if got := c.Stats().InFlight; got != 2 {
		t.Fatalf("inflight = %d, want 2", got)
	}

	// Shrinking below the current occupancy evicts nothing.
	if err := c.Reconfigure(Limits{MaxConcurrent: 1, MaxQueueSize: 2}); err != nil {
		t.Fatalf("Reconfigure down: %v", err)
	}
	if got := c.Stats().InFlight; got != 2 {
		t.Fatalf("inflight after shrink = %d, want 2", got)
	}
	if got := c.Limits().MaxConcurrent; got != 1 {
		t.Fatalf("max concurrent = %d, want 1", got)
	}

	if err := c.Reconfigure(Limits{MaxConcurrent: 0}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestOverdueFlag(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 1, RequestTimeout: 10 * time.Millisecond})

	tk, err := c.Admit(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if tk.Overdue(tk.AdmittedAt.Add(5 * time.Millisecond)) {
		t.Fatal("fresh ticket reported overdue")
	}
	if !tk.Overdue(tk.AdmittedAt.Add(20 * time.Millisecond)) {
		t.Fatal("stale ticket not reported overdue")
	}

	// Overdue is advisory: the ticket is still running and releasable.
	if got, ok := c.Ticket("r1"); !ok || got.State != StateRunning {
		t.Fatalf("ticket = %+v ok=%v, want running", got, ok)
	}
	if err := c.Release("r1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestScenarioFourConcurrent(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 2, MaxQueueSize: 1})

	var completed, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			_, err := c.Admit(context.Background(), id)
			if err != nil {
				var qf *QueueFullError
				if !errors.As(err, &qf) {
					t.Errorf("unexpected rejection for %s: %v", id, err)
				}
				rejected.Add(1)
				return
			}
			time.Sleep(100 * time.Millisecond)
			if err := c.Release(id); err != nil {
				t.Errorf("Release %s: %v", id, err)
			}
			completed.Add(1)
		}(i)
	}
	wg.Wait()

	if got := completed.Load(); got != 3 {
		t.Fatalf("completed = %d, want 3", got)
	}
	if got := rejected.Load(); got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
	if stats := c.Stats(); stats.InFlight != 0 || stats.Queued != 0 {
		t.Fatalf("stats after drain = %+v", stats)
	}
}

func TestAggregate(t *testing.T) {
	c := newTestController(t, Limits{MaxConcurrent: 2})

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("r%d", i)
		if _, err := c.Admit(context.Background(), id); err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if err := c.Release(id); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}

	agg := c.Aggregate(time.Hour)
	if agg.Count != 3 {
		t.Fatalf("aggregate count = %d, want 3", agg.Count)
	}
	if agg.SuccessRate != 1.0 {
		t.Fatalf("success rate = %f, want 1.0", agg.SuccessRate)
	}
}
