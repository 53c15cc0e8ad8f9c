package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// HTTPOptions configures the http and sse transports.
type HTTPOptions struct {
	// URL is the JSON-RPC endpoint. Required.
	URL string

	// Headers are added to every request (auth tokens and the like).
	Headers map[string]string

	// Client overrides the HTTP client. The default applies
	// DefaultCallTimeout per request.
	Client *http.Client

	// ProtocolVersion, ClientName and ClientVersion customize the
	// initialize handshake.
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

// HTTP speaks JSON-RPC over plain request/response POSTs. The server is
// expected to answer each POST with a single JSON-RPC response body.
type HTTP struct {
	opts   HTTPOptions
	client *http.Client
	id     uint64
}

var _ Transport = (*HTTP)(nil)

// NewHTTP builds the http transport. No connection is established until
// Connect.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: url is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultCallTimeout}
	}
	return &HTTP{opts: opts, client: client}, nil
}

// Connect performs the initialize handshake.
func (t *HTTP) Connect(ctx context.Context) (Handshake, error) {
	var res initializeResult
	params := initializeParams(t.opts.ProtocolVersion, t.opts.ClientName, t.opts.ClientVersion)
	if err := t.call(ctx, "initialize", params, &res); err != nil {
		return Handshake{}, err
	}
	return res.handshake(), nil
}

// ListTools fetches the server's tool catalog.
func (t *HTTP) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var res toolsListResult
	if err := t.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.infos(), nil
}

// CallTool invokes tools/call.
func (t *HTTP) CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error) {
	var res toolsCallResult
	if err := t.call(ctx, "tools/call", callParams(tool, args), &res); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(res)
}

// Close is a no-op; the transport holds no persistent connection.
func (t *HTTP) Close() error { return nil }

func (t *HTTP) nextID() uint64 { return atomic.AddUint64(&t.id, 1) }

func (t *HTTP) call(ctx context.Context, method string, params any, result any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: t.nextID(), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rpc status %d: %s", resp.StatusCode, string(raw))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.export()
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
