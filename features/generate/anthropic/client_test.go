package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	anthropicgen "github.com/genkai-ai/gatehouse/features/generate/anthropic"
	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/history"
)

func TestRetrieveAndGenerate(t *testing.T) {
	mock := &mockMessages{
		response: &sdk.Message{
			Model: "claude-sonnet-4-20250514",
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "grounded "},
				{Type: "text", Text: "answer"},
			},
			Usage: sdk.Usage{InputTokens: 42, OutputTokens: 7},
		},
	}
	client, err := anthropicgen.New(anthropicgen.Options{
		Messages:     mock,
		DefaultModel: "claude-sonnet-4-20250514",
		SystemPrompt: "answer from the provided context",
	})
	require.NoError(t, err)

	res, err := client.RetrieveAndGenerate(context.Background(), &generate.Request{
		Query: "what changed?",
		History: []history.Message{
			{Role: history.RoleUser, Content: "earlier question"},
			{Role: history.RoleAssistant, Content: "earlier answer"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "grounded answer", res.Answer)
	require.Equal(t, "claude-sonnet-4-20250514", res.ModelUsed)
	require.Equal(t, 42, res.InputTokens)
	require.Equal(t, 7, res.OutputTokens)

	// Two history turns plus the query.
	require.Len(t, mock.params.Messages, 3)
	require.Len(t, mock.params.System, 1)
}

func TestRetrieveAndGenerateClassifiesThrottling(t *testing.T) {
	mock := &mockMessages{err: &sdk.Error{StatusCode: 429}}
	client, err := anthropicgen.New(anthropicgen.Options{Messages: mock, DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = client.RetrieveAndGenerate(context.Background(), &generate.Request{Query: "q"})
	require.True(t, generate.IsRateLimited(err))

	var pe *generate.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 429, pe.HTTPStatus)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := anthropicgen.New(anthropicgen.Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = anthropicgen.New(anthropicgen.Options{Messages: &mockMessages{}})
	require.Error(t, err)
}

type mockMessages struct {
	params   sdk.MessageNewParams
	response *sdk.Message
	err      error
}

func (m *mockMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	m.params = body
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}
