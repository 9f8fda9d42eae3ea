// Package openai provides a generate.Client implementation backed by the
// OpenAI Chat Completions API via github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/history"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the low-level chat client. Required.
		Client ChatClient
		// DefaultModel is the model used when the request does not name one.
		// Required.
		DefaultModel string
		// SystemPrompt frames every request. Empty omits the system message.
		SystemPrompt string
		// MaxTokens caps the completion. Zero means 2048.
		MaxTokens int
		// Temperature is the sampling temperature. Zero means 0.7.
		Temperature float32
	}

	// Client implements generate.Client via the OpenAI Chat Completions API.
	Client struct {
		chat   ChatClient
		model  string
		system string
		maxTok int
		temp   float32
	}
)

const providerName = "openai"

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
)

// New builds an OpenAI-backed generation client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	temp := opts.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	return &Client{
		chat:   opts.Client,
		model:  opts.DefaultModel,
		system: opts.SystemPrompt,
		maxTok: maxTok,
		temp:   temp,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Name implements health.Pinger.
func (c *Client) Name() string { return providerName }

// Ping implements health.Pinger. Readiness is configuration validity; no
// request is issued.
func (c *Client) Ping(_ context.Context) error {
	if c.chat == nil {
		return errors.New("openai chat client is not configured")
	}
	return nil
}

// RetrieveAndGenerate sends the question with its history context to the chat
// completion endpoint and returns the answer.
func (c *Client) RetrieveAndGenerate(ctx context.Context, req *generate.Request) (*generate.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if c.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: c.system,
		})
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == history.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Query,
	})

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   c.maxTok,
		Temperature: c.temp,
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response contains no choices")
	}
	return &generate.Result{
		Answer:       resp.Choices[0].Message.Content,
		ModelUsed:    resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// wrapError classifies SDK failures into the generic provider error taxonomy.
func wrapError(err error) error {
	var apierr *openai.APIError
	if !errors.As(err, &apierr) {
		return &generate.ProviderError{
			Provider: providerName,
			Kind:     generate.KindUnknown,
			Cause:    err,
		}
	}
	kind := generate.KindUnknown
	retryable := false
	switch {
	case apierr.HTTPStatusCode == 429:
		kind = generate.KindRateLimited
		retryable = true
	case apierr.HTTPStatusCode == 401 || apierr.HTTPStatusCode == 403:
		kind = generate.KindAuth
	case apierr.HTTPStatusCode >= 500:
		kind = generate.KindUnavailable
		retryable = true
	case apierr.HTTPStatusCode >= 400:
		kind = generate.KindInvalidRequest
	}
	return &generate.ProviderError{
		Provider:   providerName,
		Operation:  "chat.completions",
		HTTPStatus: apierr.HTTPStatusCode,
		Kind:       kind,
		Message:    apierr.Message,
		Retryable:  retryable,
		Cause:      err,
	}
}
