// Package bedrock provides a generate.Client implementation backed by the AWS
// Bedrock Converse API. It renders the query and its history context into a
// Converse call and translates the response, usage and throttling signals back
// into the generic answer structure.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/history"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used
	// by the adapter. It matches *bedrockruntime.Client so callers can pass
	// either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is the model identifier used when the request does not
		// name one. Required.
		DefaultModel string
		// SystemPrompt frames every request. Empty omits the system block.
		SystemPrompt string
		// MaxTokens caps the completion. Zero means 2048.
		MaxTokens int32
		// Temperature is the sampling temperature. Zero means 0.7.
		Temperature float32
	}

	// Client implements generate.Client on AWS Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		model   string
		system  string
		maxTok  int32
		temp    float32
	}
)

const providerName = "bedrock"

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
)

// New builds a Bedrock-backed generation client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
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
		runtime: opts.Runtime,
		model:   opts.DefaultModel,
		system:  opts.SystemPrompt,
		maxTok:  maxTok,
		temp:    temp,
	}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return providerName }

// Ping implements health.Pinger. Readiness is configuration validity; no
// request is issued.
func (c *Client) Ping(_ context.Context) error {
	if c.runtime == nil {
		return errors.New("bedrock runtime client is not configured")
	}
	return nil
}

// RetrieveAndGenerate sends the question with its history context through
// Converse and returns the answer.
func (c *Client) RetrieveAndGenerate(ctx context.Context, req *generate.Request) (*generate.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: encodeConversation(req),
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.maxTok),
			Temperature: aws.Float32(c.temp),
		},
	}
	if c.system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: c.system},
		}
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapError("converse", err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: converse output contains no message")
	}
	var answer string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			answer += text.Value
		}
	}
	res := &generate.Result{
		Answer:    answer,
		ModelUsed: modelID,
	}
	if out.Usage != nil {
		res.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		res.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return res, nil
}

// encodeConversation renders the history context followed by the query as
// alternating user/assistant messages.
func encodeConversation(req *generate.Request) []brtypes.Message {
	conversation := make([]brtypes.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == history.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return append(conversation, brtypes.Message{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Query}},
	})
}

// isRateLimited reports whether err represents provider throttling. It treats
// both HTTP 429 responses and provider error codes like ThrottlingException as
// rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

// wrapError classifies SDK failures into the generic provider error taxonomy.
func wrapError(operation string, err error) error {
	if isRateLimited(err) {
		return &generate.ProviderError{
			Provider:   providerName,
			Operation:  operation,
			HTTPStatus: http.StatusTooManyRequests,
			Kind:       generate.KindRateLimited,
			Retryable:  true,
			Cause:      err,
		}
	}

	kind := generate.KindUnknown
	status := 0
	msg := ""
	retryable := false

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			kind = generate.KindAuth
		case "ValidationException":
			kind = generate.KindInvalidRequest
		case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException":
			kind = generate.KindUnavailable
			retryable = true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
		if kind == generate.KindUnknown && status >= 500 {
			kind = generate.KindUnavailable
			retryable = true
		}
	}
	return &generate.ProviderError{
		Provider:   providerName,
		Operation:  operation,
		HTTPStatus: status,
		Kind:       kind,
		Message:    msg,
		Retryable:  retryable,
		Cause:      err,
	}
}
