// Package chromem provides a similarity-based history.Selector backed by the
// chromem-go in-memory vector store. It embeds the candidate messages and the
// query, keeps the most similar ones, and falls back to recency when
// embedding fails so answer quality never degrades on embedder trouble.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// Options configures the similarity selector.
	Options struct {
		// Embed converts text into a vector. Required. Pass one of the
		// chromem-go embedding functions (OpenAI-compatible, Ollama, ...) or
		// a custom implementation.
		Embed chromem.EmbeddingFunc
		// MinSimilarity drops candidates scoring below the threshold even
		// when fewer than maxItems matched. Zero keeps everything.
		MinSimilarity float32
		// Logger receives fallback warnings. Nil discards them.
		Logger telemetry.Logger
	}

	// Selector implements history.Selector by cosine similarity over message
	// embeddings. Each call builds an ephemeral collection from the candidate
	// slice, so results always reflect the caller's current history.
	Selector struct {
		embed    chromem.EmbeddingFunc
		minSim   float32
		logger   telemetry.Logger
		fallback history.RecencySelector
	}
)

// New builds a similarity Selector.
func New(opts Options) (*Selector, error) {
	if opts.Embed == nil {
		return nil, errors.New("embedding function is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Selector{
		embed:  opts.Embed,
		minSim: opts.MinSimilarity,
		logger: logger,
	}, nil
}

// Select returns at most maxItems of msgs ranked by similarity to query,
// preserving the messages' original relative order. Ties and near-ties are
// broken toward recency because later duplicates overwrite earlier ones in
// the ranking.
func (s *Selector) Select(ctx context.Context, query string, msgs []history.Message, maxItems int) ([]history.Message, error) {
	if maxItems <= 0 || len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) <= maxItems {
		return append([]history.Message(nil), msgs...), nil
	}

	picked, err := s.rank(ctx, query, msgs, maxItems)
	if err != nil {
		s.logger.Warn(ctx, "similarity selection failed, falling back to recency", "err", err)
		return s.fallback.Select(ctx, query, msgs, maxItems)
	}
	return picked, nil
}

func (s *Selector) rank(ctx context.Context, query string, msgs []history.Message, maxItems int) ([]history.Message, error) {
	col, err := chromem.NewDB().CreateCollection("candidates", nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	docs := make([]chromem.Document, 0, len(msgs))
	for i, m := range msgs {
		if m.Content == "" {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:      strconv.Itoa(i),
			Content: m.Content,
		})
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("embed candidates: %w", err)
	}

	n := maxItems
	if n > len(docs) {
		n = len(docs)
	}
	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	// Map hits back to candidate indices and restore the original order so
	// the result is a proper subsequence of the history.
	indices := make([]int, 0, len(results))
	for _, r := range results {
		if s.minSim > 0 && r.Similarity < s.minSim {
			continue
		}
		i, err := strconv.Atoi(r.ID)
		if err != nil {
			return nil, fmt.Errorf("unexpected document id %q", r.ID)
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)

	picked := make([]history.Message, 0, len(indices))
	for _, i := range indices {
		picked = append(picked, msgs[i])
	}
	return picked, nil
}
