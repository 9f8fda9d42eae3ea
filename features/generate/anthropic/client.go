// Package anthropic provides a generate.Client implementation backed by the
// Anthropic Claude Messages API. It renders the query and its history context
// into a Messages call using github.com/anthropics/anthropic-sdk-go and maps
// the response back into the generic answer structure.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/history"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Messages is the low-level Messages client. Required.
		Messages MessagesClient
		// DefaultModel is the Claude model identifier used when the request
		// does not name one. Required.
		DefaultModel string
		// SystemPrompt frames every request. Empty omits the system block.
		SystemPrompt string
		// MaxTokens caps the completion. Zero means 2048.
		MaxTokens int
		// Temperature is the sampling temperature. Zero means 0.7.
		Temperature float64
	}

	// Client implements generate.Client on Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		system string
		maxTok int64
		temp   float64
	}
)

const providerName = "anthropic"

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
)

// New builds an Anthropic-backed generation client.
func New(opts Options) (*Client, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := int64(opts.MaxTokens)
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	temp := opts.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	return &Client{
		msg:    opts.Messages,
		model:  opts.DefaultModel,
		system: opts.SystemPrompt,
		maxTok: maxTok,
		temp:   temp,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &ac.Messages, DefaultModel: defaultModel})
}

// Name implements health.Pinger.
func (c *Client) Name() string { return providerName }

// Ping implements health.Pinger. The adapter is a stateless HTTP client, so
// readiness is configuration validity; no request is issued.
func (c *Client) Ping(_ context.Context) error {
	if c.msg == nil {
		return errors.New("anthropic messages client is not configured")
	}
	return nil
}

// RetrieveAndGenerate sends the question with its history context to Claude
// and returns the grounded answer.
func (c *Client) RetrieveAndGenerate(ctx context.Context, req *generate.Request) (*generate.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(modelID),
		MaxTokens:   c.maxTok,
		Temperature: sdk.Float(c.temp),
		Messages:    encodeConversation(req),
	}
	if c.system != "" {
		params.System = []sdk.TextBlockParam{{Text: c.system}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}

	var answer string
	for _, block := range msg.Content {
		if block.Type == "text" {
			answer += block.Text
		}
	}
	return &generate.Result{
		Answer:       answer,
		ModelUsed:    string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// encodeConversation renders the history context followed by the query as
// alternating user/assistant messages.
func encodeConversation(req *generate.Request) []sdk.MessageParam {
	conversation := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		if m.Role == history.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}
	return append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(req.Query)))
}

// wrapError classifies SDK failures into the generic provider error taxonomy.
func wrapError(err error) error {
	var apierr *sdk.Error
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
	case apierr.StatusCode == 429:
		kind = generate.KindRateLimited
		retryable = true
	case apierr.StatusCode == 401 || apierr.StatusCode == 403:
		kind = generate.KindAuth
	case apierr.StatusCode >= 500:
		kind = generate.KindUnavailable
		retryable = true
	case apierr.StatusCode >= 400:
		kind = generate.KindInvalidRequest
	}
	return &generate.ProviderError{
		Provider:   providerName,
		Operation:  "messages.new",
		HTTPStatus: apierr.StatusCode,
		Kind:       kind,
		Message:    fmt.Sprintf("messages.new failed with status %d", apierr.StatusCode),
		Retryable:  retryable,
		Cause:      err,
	}
}
