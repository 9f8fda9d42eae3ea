package generate

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type stubClient struct {
	name string
	err  error
}

func (s *stubClient) RetrieveAndGenerate(_ context.Context, _ *Request) (*Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Answer: "from " + s.name, ModelUsed: s.name}, nil
}

func TestRegistrySwitching(t *testing.T) {
	r := NewRegistry()

	if _, err := r.RetrieveAndGenerate(context.Background(), &Request{Query: "q"}); err == nil {
		t.Fatal("expected error with no providers registered")
	}

	if err := r.Register("claude", &stubClient{name: "claude"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("gpt", &stubClient{name: "gpt"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The first registration becomes active.
	if got := r.Active(); got != "claude" {
		t.Fatalf("active = %q, want claude", got)
	}
	res, err := r.RetrieveAndGenerate(context.Background(), &Request{Query: "q"})
	if err != nil {
		t.Fatalf("RetrieveAndGenerate: %v", err)
	}
	if res.ModelUsed != "claude" {
		t.Fatalf("model used = %q, want claude", res.ModelUsed)
	}

	if err := r.Use("gpt"); err != nil {
		t.Fatalf("Use: %v", err)
	}
	res, err = r.RetrieveAndGenerate(context.Background(), &Request{Query: "q"})
	if err != nil {
		t.Fatalf("RetrieveAndGenerate after switch: %v", err)
	}
	if res.ModelUsed != "gpt" {
		t.Fatalf("model used = %q, want gpt", res.ModelUsed)
	}

	if err := r.Use("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Use unknown err = %v, want ErrUnknownProvider", err)
	}
	if got := r.Active(); got != "gpt" {
		t.Fatalf("active after failed switch = %q, want gpt", got)
	}

	if got, want := r.Providers(), []string{"claude", "gpt"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("providers = %v, want %v", got, want)
	}
}

func TestErrorClassification(t *testing.T) {
	rateLimited := &ProviderError{Provider: "bedrock", Kind: KindRateLimited, Retryable: true}
	if !IsRateLimited(rateLimited) {
		t.Fatal("rate limited provider error not classified")
	}
	if !IsTransient(rateLimited) {
		t.Fatal("rate limited provider error not transient")
	}

	wrapped := errors.Join(ErrRateLimited, errors.New("429 from upstream"))
	if !IsRateLimited(wrapped) {
		t.Fatal("wrapped sentinel not classified")
	}

	invalid := &ProviderError{Provider: "openai", Kind: KindInvalidRequest}
	if IsRateLimited(invalid) || IsTransient(invalid) {
		t.Fatal("invalid request misclassified as transient")
	}

	unavailable := &ProviderError{Provider: "anthropic", Kind: KindUnavailable, Retryable: true}
	if !errors.Is(unavailable, ErrUnavailable) {
		t.Fatal("unavailable provider error does not match sentinel")
	}
}
