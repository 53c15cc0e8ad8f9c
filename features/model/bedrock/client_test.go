package bedrock_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/features/model/bedrock"
	"github.com/switchboard-ai/switchboard/runtime/model"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4"})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					Name:      aws.String("calc_add"),
					ToolUseId: aws.String("tool-1"),
					Input:     document.NewLazyDocument(&map[string]any{"value": 42}),
				}},
			},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(100),
			OutputTokens: aws.Int32(20),
		},
		StopReason: brtypes.StopReasonToolUse,
	}

	resp, err := client.Complete(context.Background(), model.Request{
		System: "You are helpful.",
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Stay safe."},
			{Role: model.RoleUser, Content: "hi"},
		},
		Tools: []model.ToolDefinition{
			{Name: "calc_add", Description: "adds numbers", InputSchema: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "calc_add", resp.ToolCalls[0].Name)
	require.Equal(t, "tool-1", resp.ToolCalls[0].ID)
	require.InDelta(t, 42.0, resp.ToolCalls[0].Args["value"], 0.001)
	require.Equal(t, "tool_use", resp.StopReason)
	require.Equal(t, 100, resp.Usage.InputTokens)
	require.Equal(t, 20, resp.Usage.OutputTokens)

	input := mock.captured
	require.Equal(t, "anthropic.claude-sonnet-4", *input.ModelId)
	require.Len(t, input.System, 2)
	require.Len(t, input.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
}

func TestClientCoalescesToolResults(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "done"}},
		}},
		StopReason: brtypes.StopReasonEndTurn,
	}}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "run both"},
			{
				Role: model.RoleAssistant,
				ToolCalls: []model.ToolCall{
					{ID: "c1", Name: "files_read", Args: map[string]any{"path": "a"}},
					{ID: "c2", Name: "files_read", Args: map[string]any{"path": "b"}},
				},
			},
			{Role: model.RoleTool, ToolResults: []model.ToolResult{{CallID: "c1", Name: "files_read", Content: "A"}}},
			{Role: model.RoleTool, ToolResults: []model.ToolResult{{CallID: "c2", Name: "files_read", Content: "B", IsError: true}}},
		},
		Tools: []model.ToolDefinition{
			{Name: "files_read", Description: "reads files", InputSchema: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)

	msgs := mock.captured.Messages
	require.Len(t, msgs, 3)
	require.Equal(t, brtypes.ConversationRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	require.Equal(t, brtypes.ConversationRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	first, ok := msgs[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	require.Equal(t, "c1", *first.Value.ToolUseId)
	second := msgs[2].Content[1].(*brtypes.ContentBlockMemberToolResult)
	require.Equal(t, brtypes.ToolResultStatusError, second.Value.Status)
}

func TestClientRequiresUserMessage(t *testing.T) {
	client, err := bedrock.New(&mockRuntime{}, bedrock.Options{DefaultModel: "id"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleSystem, Content: "only system"}},
	})
	require.Error(t, err)
}

func TestClientMapsThrottling(t *testing.T) {
	mock := &mockRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "id"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.True(t, model.IsRateLimited(err))
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.True(t, pe.Retryable())
	require.Equal(t, "ThrottlingException", pe.Code())
}
