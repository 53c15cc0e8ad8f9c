// Package model defines the provider-agnostic contract the turn engine uses
// to invoke conversational models. Implementations wrap provider SDKs
// (Anthropic, OpenAI, Bedrock) and translate Request/Response into
// provider-specific wire formats so the engine never couples to one vendor.
package model

import "context"

type (
	// Client is the contract for a single model invocation. Implementations
	// must be safe for concurrent use; the orchestrator shares one client
	// across every active session.
	Client interface {
		// Complete sends the conversation to the provider and returns the
		// assistant turn. Failures are reported as *ProviderError so callers
		// can distinguish throttling and transient outages from permanent
		// request problems.
		Complete(ctx context.Context, req Request) (Response, error)

		// Provider returns the provider identifier (e.g. "anthropic").
		Provider() string

		// Model returns the configured model identifier.
		Model() string
	}

	// Request carries the normalized parameters for one completion call.
	Request struct {
		// System is the system prompt, kept separate from Messages because
		// providers disagree on whether it travels in-band.
		System string

		// Messages is the ordered conversation history, oldest first.
		Messages []Message

		// Tools lists the tool schemas exposed to the model for this call.
		// Empty disables tool use.
		Tools []ToolDefinition

		// MaxTokens caps completion length. Zero means provider default.
		MaxTokens int

		// Temperature controls sampling. Zero means provider default.
		Temperature float32
	}

	// Response is the assistant turn produced by the provider.
	Response struct {
		// Text is the assistant's prose, possibly empty when the model only
		// requested tools.
		Text string

		// ToolCalls lists tool invocations the model requested this turn.
		ToolCalls []ToolCall

		// StopReason is the provider's termination reason ("end_turn",
		// "max_tokens", "tool_use", ...). Provider-specific, may be empty.
		StopReason string

		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
	}

	// Message is one entry of the conversation history. The same shape is
	// persisted by the conversation store, so structured tool fields ride
	// along with the text.
	Message struct {
		// Role is one of RoleUser, RoleAssistant, RoleSystem or RoleTool.
		Role string `json:"role"`

		// Content is the message text. May be empty for pure tool-call turns.
		Content string `json:"content"`

		// ToolCalls records the calls an assistant message requested.
		ToolCalls []ToolCall `json:"toolCalls,omitempty"`

		// ToolResults records tool outputs being fed back to the model.
		ToolResults []ToolResult `json:"toolResults,omitempty"`
	}

	// ToolDefinition is a tool schema advertised to the model.
	ToolDefinition struct {
		// Name is the qualified tool name as routed by the connection
		// manager (e.g. "github__create_issue").
		Name string `json:"name"`

		// Description tells the model when to reach for the tool.
		Description string `json:"description,omitempty"`

		// InputSchema is the JSON Schema object for the tool arguments.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the call with its eventual result. Provider-assigned
		// when available, synthesized otherwise.
		ID string `json:"id"`

		// Name is the qualified tool name the model asked for.
		Name string `json:"name"`

		// Args holds the JSON arguments generated by the model.
		Args map[string]any `json:"args,omitempty"`
	}

	// ToolResult is the outcome of one tool call, fed back on the next hop.
	ToolResult struct {
		// CallID matches the ToolCall.ID this result answers.
		CallID string `json:"callId"`

		// Name echoes the qualified tool name.
		Name string `json:"name"`

		// Content is the textual tool output.
		Content string `json:"content"`

		// IsError marks results that report a tool-side failure.
		IsError bool `json:"isError,omitempty"`
	}

	// TokenUsage records token counts reported by the provider. All zero
	// when the provider does not report usage.
	TokenUsage struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	}
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Stop reasons normalized across providers where translation is cheap.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopToolUse   = "tool_use"
)
