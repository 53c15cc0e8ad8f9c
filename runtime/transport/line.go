package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single newline-delimited frame. Oversized frames
// terminate the connection rather than silently truncating.
const maxLineBytes = 10 << 20

// lineClient is the JSON-RPC core shared by the stdio transports: requests
// are single-line JSON terminated by '\n', responses are correlated to
// waiting callers through a pending map keyed by request id. Responses
// without an id are server notifications and are dropped.
type lineClient struct {
	w          io.Writer
	pending    map[uint64]chan lineResult
	pendingMu  sync.Mutex
	writeMu    sync.Mutex
	nextID     uint64
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	closeErrMu sync.Mutex
	onClose    func()
}

type lineResult struct {
	resp rpcResponse
	err  error
}

// newLineClient wires the codec over the given stream halves and starts the
// read loop. onClose runs exactly once when the client shuts down, whether
// from Close or from a read failure.
func newLineClient(w io.Writer, r io.Reader, onClose func()) *lineClient {
	c := &lineClient{
		w:       w,
		pending: make(map[uint64]chan lineResult),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
	go c.readLoop(r)
	return c
}

func (c *lineClient) call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan lineResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.export()
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

func (c *lineClient) callRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *lineClient) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return nil
}

func (c *lineClient) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Non-JSON noise on the stream (startup banners, stray prints).
			continue
		}
		if resp.ID == 0 {
			// Server notification; nothing is waiting on it.
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- lineResult{resp: resp}
			close(ch)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("connection closed")
	}
	c.failPending(err)
}

func (c *lineClient) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- lineResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	c.close()
}

func (c *lineClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *lineClient) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *lineClient) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *lineClient) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *lineClient) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("connection closed")
	}
	return c.closeErr
}
