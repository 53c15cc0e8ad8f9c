// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages,
// encodes tool schemas into Bedrock's ToolConfiguration, and translates
// Converse responses (text + toolUse blocks) back into the generic turn
// structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/switchboard-ai/switchboard/runtime/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a stub in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// DefaultModel is the model identifier (for example
		// "anthropic.claude-sonnet-4-20250514-v1:0"). Required.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero means the provider default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		model   string
		maxTok  int
		temp    float32
	}

	requestParts struct {
		messages    []brtypes.Message
		system      []brtypes.SystemContentBlock
		toolConfig  *brtypes.ToolConfiguration
		provToCanon map[string]string
	}
)

// New initializes a Bedrock-powered model client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime: runtime,
		model:   opts.DefaultModel,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
	}, nil
}

// Provider returns the provider identifier.
func (c *Client) Provider() string { return providerName }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete issues a chat completion request to the configured Bedrock model
// using the Converse API and translates the response into turn-friendly
// structures (assistant text + tool calls).
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		return model.Response{}, wrapBedrockError("converse", err)
	}
	return translateResponse(output, parts.provToCanon)
}

func (c *Client) prepareRequest(req model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	// Build the tool configuration and name maps before encoding messages so
	// toolUse blocks can reuse the exact sanitized identifiers.
	toolConfig, canonToSan, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	// Bedrock requires toolConfig when messages contain toolUse or toolResult
	// blocks. Fail fast with a clear error rather than letting Bedrock reject
	// the request with a generic validation error.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: history contains tool blocks but the request advertises no tools")
	}
	messages, system, err := encodeMessages(req.System, req.Messages, canonToSan)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: sanToCanon,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// encodeMessages maps conversation history to Bedrock message structures. The
// system prompt and system-role entries travel as SystemContentBlocks.
// Consecutive tool-role entries coalesce into a single user message because
// Converse requires toolResult blocks to answer the preceding toolUse turn.
func encodeMessages(systemPrompt string, msgs []model.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 2)
	if systemPrompt != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: systemPrompt})
	}

	// toolUseIDMap tracks a per-request mapping from correlation IDs used in
	// transcripts to provider-safe IDs conforming to Bedrock constraints
	// ([a-zA-Z0-9_-]+, <=64 chars). The mapping is local to this encode pass.
	toolUseIDMap := make(map[string]string)
	nextToolUseID := 0

	var pendingResults []brtypes.ContentBlock
	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		conversation = append(conversation, brtypes.Message{
			Role:    brtypes.ConversationRoleUser,
			Content: pendingResults,
		})
		pendingResults = nil
	}

	for _, m := range msgs {
		if m.Role == model.RoleTool {
			for _, r := range m.ToolResults {
				tr := brtypes.ToolResultBlock{
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: r.Content},
					},
				}
				if id := toolUseIDFor(r.CallID, toolUseIDMap, &nextToolUseID); id != "" {
					tr.ToolUseId = aws.String(id)
				}
				if r.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				pendingResults = append(pendingResults, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
			continue
		}
		flushResults()
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				tb := brtypes.ToolUseBlock{}
				name := call.Name
				if sanitized, ok := nameMap[name]; ok && sanitized != "" {
					name = sanitized
				}
				if name != "" {
					tb.Name = aws.String(name)
				}
				if id := toolUseIDFor(call.ID, toolUseIDMap, &nextToolUseID); id != "" {
					tb.ToolUseId = aws.String(id)
				}
				tb.Input = toDocument(call.Args)
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	flushResults()
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

func toolUseIDFor(correlationID string, toolUseIDMap map[string]string, nextToolUseID *int) string {
	if correlationID == "" {
		return ""
	}
	if isProviderSafeToolUseID(correlationID) {
		return correlationID
	}
	if id, ok := toolUseIDMap[correlationID]; ok {
		return id
	}
	*nextToolUseID++
	id := fmt.Sprintf("t%d", *nextToolUseID)
	toolUseIDMap[correlationID] = id
	return id
}

// isProviderSafeToolUseID reports whether id conforms to Bedrock's documented
// toolUseId constraints: pattern [a-zA-Z0-9_-]+ and length <= 64.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func toDocument(v map[string]any) document.Interface {
	if v == nil {
		v = map[string]any{"type": "object"}
	}
	var anyV any = v
	return document.NewLazyDocument(&anyV)
}

func messagesHaveToolBlocks(msgs []model.Message) bool {
	for _, m := range msgs {
		if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
			return true
		}
	}
	return false
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	var resp model.Response
	var text strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n\n")
				}
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					raw := normalizeToolName(*v.Value.Name)
					// Unknown names pass through so the turn engine can feed
					// back an unroutable-tool error result.
					if canonical, ok := nameMap[raw]; ok {
						name = canonical
					} else {
						name = raw
					}
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				if id == "" {
					id = fmt.Sprintf("call_%d", len(resp.ToolCalls)+1)
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:   id,
					Name: name,
					Args: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	resp.Text = text.String()
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

// normalizeToolName strips the "$FUNCTIONS." prefix some Bedrock models
// prepend to tool names in toolUse blocks.
func normalizeToolName(name string) string {
	if strings.HasPrefix(name, "$FUNCTIONS.") {
		return strings.TrimPrefix(name, "$FUNCTIONS.")
	}
	return name
}

func decodeDocument(doc document.Interface) map[string]any {
	args := map[string]any{}
	if doc == nil {
		return args
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return args
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return args
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
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
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

func wrapBedrockError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	if isRateLimited(err) {
		return model.NewProviderError(providerName, operation, http.StatusTooManyRequests,
			model.ProviderErrorKindRateLimited, code, msg, true, err)
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}
	return model.NewProviderError(providerName, operation, status, kind, code, msg, retryable, err)
}
