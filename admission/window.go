package admission

import "time"

// rateWindow is the sliding window of accepted-request timestamps backing
// the rate gate. It is owned by the controller and only touched under the
// controller's mutex.
type rateWindow struct {
	stamps []time.Time
}

// reserve prunes expired timestamps and, when the window has room under
// limit, records now and grants the reservation. When the window is full it
// returns the time until the oldest timestamp expires. A limit <= 0 disables
// the gate entirely.
func (w *rateWindow) reserve(now time.Time, limit int, interval time.Duration) (time.Duration, bool) {
	cutoff := now.Add(-interval)
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}

	if limit <= 0 {
		return 0, true
	}
	if len(w.stamps) >= limit {
		return w.stamps[0].Add(interval).Sub(now), false
	}
	w.stamps = append(w.stamps, now)
	return 0, true
}

// occupancy returns the number of live timestamps at now.
func (w *rateWindow) occupancy(now time.Time, interval time.Duration) int {
	cutoff := now.Add(-interval)
	n := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
