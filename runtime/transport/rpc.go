package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON-RPC canonical error codes.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)

// RPCError is a JSON-RPC error returned by a tool server.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) export() *RPCError {
	if e == nil {
		return nil
	}
	return &RPCError{Code: e.Code, Message: e.Message}
}

// Handshake wire shapes.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

func initializeParams(protocol, clientName, clientVersion string) map[string]any {
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	if clientName == "" {
		clientName = "switchboard"
	}
	if clientVersion == "" {
		clientVersion = "dev"
	}
	return map[string]any{
		"protocolVersion": protocol,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

func (r initializeResult) handshake() Handshake {
	return Handshake{
		ProtocolVersion: r.ProtocolVersion,
		ServerName:      r.ServerInfo.Name,
		ServerVersion:   r.ServerInfo.Version,
	}
}

// Catalog wire shapes.
type toolsListResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
}

func (r toolsListResult) infos() []ToolInfo {
	out := make([]ToolInfo, len(r.Tools))
	for i, t := range r.Tools {
		out[i] = ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

// Call wire shapes.
type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text"`
	MimeType *string         `json:"mimeType"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func callParams(tool string, args map[string]any) map[string]any {
	params := map[string]any{"name": tool}
	if args != nil {
		params["arguments"] = args
	}
	return params
}

// normalizeToolResult flattens the content list into a single string, joining
// text items with newlines and JSON-encoding anything without text.
func normalizeToolResult(result toolsCallResult) (CallResult, error) {
	var parts []string
	for _, item := range result.Content {
		if item.Text != nil {
			parts = append(parts, *item.Text)
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return CallResult{}, fmt.Errorf("encode tool content: %w", err)
		}
		parts = append(parts, string(raw))
	}
	return CallResult{Content: strings.Join(parts, "\n"), IsError: result.IsError}, nil
}

func decodeToolCallResult(raw json.RawMessage) (CallResult, error) {
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallResult{}, fmt.Errorf("decode tool result: %w", err)
	}
	return normalizeToolResult(result)
}
