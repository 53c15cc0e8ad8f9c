package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
)

// SSE speaks JSON-RPC over POST requests answered with server-sent event
// streams. Each request opens a stream; the server emits zero or more
// notification events followed by a single response (or error) event that
// resolves the call.
type SSE struct {
	opts   HTTPOptions
	client *http.Client
	id     uint64
}

var _ Transport = (*SSE)(nil)

// NewSSE builds the sse transport. No connection is established until
// Connect.
func NewSSE(opts HTTPOptions) (*SSE, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: url is required")
	}
	client := opts.Client
	if client == nil {
		// No global timeout: streams legitimately stay open while the
		// server works. Callers bound each request with ctx.
		client = &http.Client{}
	}
	return &SSE{opts: opts, client: client}, nil
}

// Connect performs the initialize handshake over an event stream.
func (t *SSE) Connect(ctx context.Context) (Handshake, error) {
	var res initializeResult
	params := initializeParams(t.opts.ProtocolVersion, t.opts.ClientName, t.opts.ClientVersion)
	if err := t.call(ctx, "initialize", params, &res); err != nil {
		return Handshake{}, err
	}
	return res.handshake(), nil
}

// ListTools fetches the server's tool catalog.
func (t *SSE) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var res toolsListResult
	if err := t.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.infos(), nil
}

// CallTool invokes tools/call and waits for the stream's response event.
func (t *SSE) CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error) {
	var res toolsCallResult
	if err := t.call(ctx, "tools/call", callParams(tool, args), &res); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(res)
}

// Close is a no-op; each call owns its own stream.
func (t *SSE) Close() error { return nil }

func (t *SSE) nextID() uint64 { return atomic.AddUint64(&t.id, 1) }

func (t *SSE) call(ctx context.Context, method string, params any, result any) error {
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
	httpReq.Header.Set("Accept", "text/event-stream")
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
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected content type %q: %s", resp.Header.Get("Content-Type"), string(raw))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("sse stream closed before response")
			}
			return err
		}
		switch event {
		case "response":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
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
		case "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return fmt.Errorf("sse error event: %w", err)
			}
			if rpcResp.Error != nil {
				return rpcResp.Error.export()
			}
			return errors.New("sse error event")
		case "close":
			return errors.New("sse stream closed without response")
		default:
			// Comments, keep-alives and notifications.
			continue
		}
	}
}

// readSSEEvent reads one server-sent event (event name plus concatenated
// data lines). Blank separator lines between events are skipped.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := strings.TrimPrefix(after, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}
