package inmem

import (
	"context"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/genkai-ai/gatehouse/history"
)

// TestIsolationProperty verifies that messages appended to one session are
// never visible through another session's history, whatever the ids and
// message counts.
func TestIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("histories of distinct sessions never mix", prop.ForAll(
		func(suffixA, suffixB string, countA, countB int) bool {
			// Distinct prefixes guarantee the two ids differ even when the
			// generated suffixes collide.
			idA := "a-" + suffixA
			idB := "b-" + suffixB

			s := New(Options{})
			ctx := context.Background()
			for i := 0; i < countA; i++ {
				if err := s.Append(ctx, idA, history.Message{ID: "a" + strconv.Itoa(i)}); err != nil {
					return false
				}
			}
			for i := 0; i < countB; i++ {
				if err := s.Append(ctx, idB, history.Message{ID: "b" + strconv.Itoa(i)}); err != nil {
					return false
				}
			}

			aMsgs, err := s.History(ctx, idA, 0)
			if err != nil || len(aMsgs) != countA {
				return false
			}
			bMsgs, err := s.History(ctx, idB, 0)
			if err != nil || len(bMsgs) != countB {
				return false
			}
			for _, m := range aMsgs {
				if m.SessionID != idA || m.ID[0] != 'a' {
					return false
				}
			}
			for _, m := range bMsgs {
				if m.SessionID != idB || m.ID[0] != 'b' {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(1, 20),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// TestBoundingProperty verifies that after N appends with N greater than the
// bound, exactly the most recent bound-many messages remain, in order.
func TestBoundingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("history keeps exactly the newest maxHistory messages", prop.ForAll(
		func(max, n int) bool {
			s := New(Options{MaxHistory: max})
			ctx := context.Background()
			for i := 0; i < n; i++ {
				if err := s.Append(ctx, "s", history.Message{ID: strconv.Itoa(i)}); err != nil {
					return false
				}
			}

			msgs, err := s.History(ctx, "s", 0)
			if err != nil {
				return false
			}
			want := n
			if want > max {
				want = max
			}
			if len(msgs) != want {
				return false
			}
			for i, m := range msgs {
				if m.ID != strconv.Itoa(n-want+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestSelectRelevantProperty verifies the selection contract: at most k
// results, every one a verbatim member of the stored history, order
// preserved.
func TestSelectRelevantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("selection is a bounded subsequence of the history", prop.ForAll(
		func(n, k int, query string) bool {
			s := New(Options{MaxHistory: 100})
			ctx := context.Background()
			for i := 0; i < n; i++ {
				if err := s.Append(ctx, "s", history.Message{ID: strconv.Itoa(i)}); err != nil {
					return false
				}
			}

			selected, err := s.SelectRelevant(ctx, "s", query, k)
			if err != nil {
				return false
			}
			if len(selected) > k {
				return false
			}

			stored, err := s.History(ctx, "s", 0)
			if err != nil {
				return false
			}
			// Subsequence check: every selected message appears in the stored
			// history, in the same relative order.
			pos := 0
			for _, sel := range selected {
				found := false
				for ; pos < len(stored); pos++ {
					if stored[pos].ID == sel.ID && stored[pos].Content == sel.Content {
						found = true
						pos++
						break
					}
				}
				if !found {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 35),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
