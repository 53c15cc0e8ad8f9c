package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/switchboard-ai/switchboard/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "world"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		System: "be brief",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if stub.lastParams.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Fatalf("system prompt not carried out of band: %+v", stub.lastParams.System)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: "github_create_issue", ID: "call-1", Input: json.RawMessage(`{"title":"bug"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "file a bug"},
		},
		Tools: []model.ToolDefinition{
			{
				Name:        "github_create_issue",
				Description: "create an issue",
				InputSchema: map[string]any{"type": "object"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "github_create_issue" || call.ID != "call-1" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Args["title"] != "bug" {
		t.Fatalf("unexpected args %v", call.Args)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected 1 encoded tool, got %d", len(stub.lastParams.Tools))
	}
}

func TestEncodeMessages_CoalescesToolResults(t *testing.T) {
	history := []model.Message{
		{Role: model.RoleUser, Content: "list then create"},
		{
			Role:    model.RoleAssistant,
			Content: "on it",
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "github_list", Args: map[string]any{}},
				{ID: "c2", Name: "github_create", Args: map[string]any{"title": "x"}},
			},
		},
		{Role: model.RoleTool, ToolResults: []model.ToolResult{{CallID: "c1", Name: "github_list", Content: "[]"}}},
		{Role: model.RoleTool, ToolResults: []model.ToolResult{{CallID: "c2", Name: "github_create", Content: "ok", IsError: false}}},
		{Role: model.RoleSystem, Content: "results recorded above"},
	}

	msgs, system, err := encodeMessages(history, nil)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (user, assistant, merged results), got %d", len(msgs))
	}
	if msgs[1].Role != sdk.MessageParamRoleAssistant {
		t.Fatalf("unexpected role %q", msgs[1].Role)
	}
	if got := len(msgs[1].Content); got != 3 {
		t.Fatalf("expected text + 2 tool_use blocks, got %d", got)
	}
	last := msgs[2]
	if last.Role != sdk.MessageParamRoleUser {
		t.Fatalf("tool results must ride a user message, got %q", last.Role)
	}
	if len(last.Content) != 2 {
		t.Fatalf("expected 2 coalesced tool_result blocks, got %d", len(last.Content))
	}
	for i, block := range last.Content {
		if block.OfToolResult == nil {
			t.Fatalf("block %d is not a tool_result", i)
		}
	}
	if last.Content[0].OfToolResult.ToolUseID != "c1" || last.Content[1].OfToolResult.ToolUseID != "c2" {
		t.Fatalf("tool results out of order")
	}
	if len(system) != 1 || system[0].Text != "results recorded above" {
		t.Fatalf("system entries not hoisted: %+v", system)
	}
}

func TestEncodeTools_CollisionDetected(t *testing.T) {
	_, _, _, err := encodeTools([]model.ToolDefinition{
		{Name: "files.read", Description: "a"},
		{Name: "files_read", Description: "b"},
	})
	if err == nil {
		t.Fatal("expected sanitize collision error")
	}
}

func TestComplete_RateLimited(t *testing.T) {
	apierr := &sdk.Error{StatusCode: http.StatusTooManyRequests}
	apierr.Request, _ = http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	apierr.Response = &http.Response{StatusCode: http.StatusTooManyRequests}
	stub := &stubMessagesClient{err: apierr}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if !model.IsRateLimited(err) {
		t.Fatal("expected rate-limited provider error")
	}
	pe, ok := model.AsProviderError(err)
	if !ok || !pe.Retryable() || pe.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("unexpected provider error: %+v", pe)
	}
}
