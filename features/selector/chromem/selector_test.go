package chromem

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genkai-ai/gatehouse/history"
)

// axisEmbed maps text onto fixed axes by keyword so similarity is
// deterministic: "cats" and "dogs" texts land on orthogonal vectors.
func axisEmbed(_ context.Context, text string) ([]float32, error) {
	v := []float32{0.01, 0.01, 0.01}
	switch {
	case strings.Contains(text, "cat"):
		v[0] = 1
	case strings.Contains(text, "dog"):
		v[1] = 1
	default:
		v[2] = 1
	}
	return v, nil
}

func TestSelectRanksBySimilarity(t *testing.T) {
	sel, err := New(Options{Embed: axisEmbed})
	require.NoError(t, err)

	msgs := []history.Message{
		{ID: "m1", Content: "my dog barks at night"},
		{ID: "m2", Content: "cats sleep all day"},
		{ID: "m3", Content: "the weather is nice"},
		{ID: "m4", Content: "another cat question"},
	}

	picked, err := sel.Select(context.Background(), "tell me about cats", msgs, 2)
	require.NoError(t, err)
	require.Len(t, picked, 2)
	// Original relative order is preserved even though both hits are
	// similarity-ranked.
	require.Equal(t, "m2", picked[0].ID)
	require.Equal(t, "m4", picked[1].ID)
}

func TestSelectReturnsAllWhenUnderLimit(t *testing.T) {
	sel, err := New(Options{Embed: axisEmbed})
	require.NoError(t, err)

	msgs := []history.Message{
		{ID: "m1", Content: "a"},
		{ID: "m2", Content: "b"},
	}
	picked, err := sel.Select(context.Background(), "q", msgs, 5)
	require.NoError(t, err)
	require.Equal(t, msgs, picked)
}

func TestSelectFallsBackToRecencyOnEmbedFailure(t *testing.T) {
	sel, err := New(Options{Embed: func(context.Context, string) ([]float32, error) {
		return nil, errors.New("embedder down")
	}})
	require.NoError(t, err)

	msgs := []history.Message{
		{ID: "m1", Content: "a"},
		{ID: "m2", Content: "b"},
		{ID: "m3", Content: "c"},
	}
	picked, err := sel.Select(context.Background(), "q", msgs, 2)
	require.NoError(t, err)
	require.Len(t, picked, 2)
	require.Equal(t, "m2", picked[0].ID)
	require.Equal(t, "m3", picked[1].ID)
}

func TestSelectResultIsSubsequence(t *testing.T) {
	sel, err := New(Options{Embed: axisEmbed})
	require.NoError(t, err)

	msgs := []history.Message{
		{ID: "m1", Content: "dog walking tips"},
		{ID: "m2", Content: "cat food brands"},
		{ID: "m3", Content: "dog training"},
		{ID: "m4", Content: "tax season"},
		{ID: "m5", Content: "cat toys"},
	}
	picked, err := sel.Select(context.Background(), "dogs", msgs, 3)
	require.NoError(t, err)
	require.LessOrEqual(t, len(picked), 3)

	// Every picked message is a verbatim member, in original order.
	pos := -1
	for _, p := range picked {
		found := -1
		for i, m := range msgs {
			if m.ID == p.ID {
				require.Equal(t, m, p)
				found = i
				break
			}
		}
		require.GreaterOrEqual(t, found, 0)
		require.Greater(t, found, pos)
		pos = found
	}
}

func TestNewRequiresEmbedFunc(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
