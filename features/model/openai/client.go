// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates orchestrator requests into
// ChatCompletion calls using github.com/openai/openai-go and maps responses
// back to the generic turn structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/switchboard-ai/switchboard/runtime/model"
)

const providerName = "openai"

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used for every completion
		// (for example "gpt-4o"). Required.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero means the provider default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float64
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:   chat,
		model:  opts.DefaultModel,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Provider returns the provider identifier.
func (c *Client) Provider() string { return providerName }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return model.Response{}, err
		}
		messages = append(messages, encoded...)
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if tools, err := encodeTools(req.Tools); err != nil {
		return model.Response{}, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	if tokens := c.effectiveMaxTokens(req.MaxTokens); tokens > 0 {
		params.MaxTokens = sdk.Int(int64(tokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, wrapError("chat.completions.new", err)
	}
	return translateResponse(resp)
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessage maps one history entry to Chat Completions wire messages.
// Tool-role entries fan out to one tool message per result because OpenAI
// correlates each tool message with a single tool_call_id.
func encodeMessage(m model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case model.RoleSystem:
		if m.Content == "" {
			return nil, nil
		}
		return []sdk.ChatCompletionMessageParamUnion{sdk.SystemMessage(m.Content)}, nil
	case model.RoleUser:
		if m.Content == "" {
			return nil, nil
		}
		return []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(m.Content)}, nil
	case model.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			if m.Content == "" {
				return nil, nil
			}
			return []sdk.ChatCompletionMessageParamUnion{sdk.AssistantMessage(m.Content)}, nil
		}
		assistant := sdk.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = sdk.String(m.Content)
		}
		assistant.ToolCalls = make([]sdk.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, fmt.Errorf("openai: marshal args for tool %s: %w", call.Name, err)
			}
			assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: call.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				},
			})
		}
		return []sdk.ChatCompletionMessageParamUnion{{OfAssistant: &assistant}}, nil
	case model.RoleTool:
		out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(m.ToolResults))
		for _, r := range m.ToolResults {
			out = append(out, sdk.ToolMessage(r.Content, r.CallID))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		tools = append(tools, sdk.ChatCompletionFunctionTool(fn))
	}
	return tools, nil
}

func translateResponse(resp *sdk.ChatCompletion) (model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := model.Response{
		Text:       choice.Message.Content,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseToolArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return model.StopEndTurn
	case "length":
		return model.StopMaxTokens
	case "tool_calls", "function_call":
		return model.StopToolUse
	default:
		return reason
	}
}

func wrapError(operation string, err error) error {
	status := 0
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		status = apierr.StatusCode
	}
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = model.ProviderErrorKindInvalidRequest
	case status >= http.StatusInternalServerError:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}
	return model.NewProviderError(providerName, operation, status, kind, "", "", retryable, err)
}
