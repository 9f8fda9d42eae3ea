// Package generate defines the provider-agnostic contract for answering a
// question with retrieval-augmented generation. Implementations wrap provider
// SDKs (Anthropic, OpenAI, Bedrock) and translate Request/Result to
// provider-specific formats, so the query front end can invoke models without
// coupling to any one vendor.
package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/genkai-ai/gatehouse/history"
)

type (
	// Client answers one question grounded in retrieved context.
	// Implementations must be safe for concurrent use and reusable across
	// requests.
	Client interface {
		// RetrieveAndGenerate sends the question and the relevant slice of
		// conversation history to the backing model and returns the grounded
		// answer. Returns an error when the provider is unavailable, the
		// request is throttled, or the request is malformed.
		RetrieveAndGenerate(ctx context.Context, req *Request) (*Result, error)
	}

	// Request captures the normalized parameters of one generation call.
	Request struct {
		// Query is the user question. Required.
		Query string

		// History is the relevant conversation context, oldest first. The
		// slice is read-only for implementations.
		History []history.Message

		// Model optionally overrides the implementation's default model
		// identifier, using the provider-specific form.
		Model string
	}

	// Source is one retrieved document the answer is grounded in.
	Source struct {
		// Title is the human-readable document title.
		Title string `json:"title"`
		// Location identifies where the document lives, typically a URL or
		// an object key.
		Location string `json:"location"`
		// Snippet is the extract that contributed to the answer.
		Snippet string `json:"snippet,omitempty"`
		// Score is the retrieval relevance score when the backend reports
		// one, in the backend's own scale.
		Score float64 `json:"score,omitempty"`
	}

	// Result is the outcome of one generation call.
	Result struct {
		// Answer is the generated answer text.
		Answer string `json:"answer"`
		// Sources lists the documents the answer cites, best match first.
		Sources []Source `json:"sources,omitempty"`
		// ModelUsed is the provider-specific identifier of the model that
		// produced the answer.
		ModelUsed string `json:"model_used"`
		// InputTokens and OutputTokens are the provider-reported token
		// counts, zero when the provider does not report usage.
		InputTokens  int `json:"input_tokens,omitempty"`
		OutputTokens int `json:"output_tokens,omitempty"`
	}

	// ErrorKind classifies provider failures into the few categories that
	// drive retry and fallback decisions.
	ErrorKind string

	// ProviderError describes a failure returned by a generation provider.
	// It crosses package boundaries so callers can act on stable, structured
	// information instead of parsing SDK error strings.
	ProviderError struct {
		// Provider identifies the backend, for example "bedrock".
		Provider string
		// Operation is the provider operation that failed, when known.
		Operation string
		// HTTPStatus is the provider HTTP status code, zero when unknown.
		HTTPStatus int
		// Kind is the coarse-grained classification.
		Kind ErrorKind
		// Message is the provider error message, when available.
		Message string
		// Retryable reports whether retrying unchanged may succeed.
		Retryable bool
		// Cause preserves the original SDK error chain.
		Cause error
	}
)

const (
	// KindAuth marks authentication and authorization failures.
	KindAuth ErrorKind = "auth"
	// KindInvalidRequest marks failures that retrying cannot fix.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindRateLimited marks provider throttling.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnavailable marks transient provider failures where a retry may
	// succeed.
	KindUnavailable ErrorKind = "unavailable"
	// KindUnknown marks unclassified failures.
	KindUnknown ErrorKind = "unknown"
)

var (
	// ErrRateLimited reports that the provider throttled the request.
	// Adapters wrap it so middlewares can react without knowing the SDK.
	ErrRateLimited = errors.New("generate: provider rate limited")

	// ErrUnavailable reports a transient provider failure.
	ErrUnavailable = errors.New("generate: provider unavailable")
)

// Error returns the provider failure message.
func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.Provider, e.Kind, e.HTTPStatus, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Provider, e.Kind, op, msg)
}

// Unwrap returns the underlying SDK error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Is aligns the classification with the package sentinels so both wrapping
// styles answer errors.Is the same way.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// IsRateLimited reports whether err is a provider throttling failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsTransient reports whether retrying err unchanged may succeed.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Validate checks the request invariants shared by all adapters.
func (r *Request) Validate() error {
	if r == nil {
		return errors.New("generate: request is required")
	}
	if r.Query == "" {
		return errors.New("generate: query is required")
	}
	return nil
}
