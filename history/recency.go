package history

import "context"

// RecencySelector selects the most recent messages, ignoring the query. It
// is the conservative default policy: the tail of the history in insertion
// order, which is also how ties are defined to break.
type RecencySelector struct{}

// Select returns the last maxItems messages of msgs in their original order.
func (RecencySelector) Select(_ context.Context, _ string, msgs []Message, maxItems int) ([]Message, error) {
	if maxItems <= 0 || len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > maxItems {
		msgs = msgs[len(msgs)-maxItems:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
