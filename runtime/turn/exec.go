package turn

import (
	"context"

	"github.com/switchboard-ai/switchboard/runtime/fault"
)

type (
	// ResolvedCall is a tool call with its route attached, ready to execute.
	ResolvedCall struct {
		CallID       string         `json:"callId"`
		ServerName   string         `json:"serverName"`
		OriginalName string         `json:"originalName"`
		ExposedName  string         `json:"exposedName"`
		Args         map[string]any `json:"args,omitempty"`
	}

	// Outcome is the result of executing one approved call. Err reports an
	// infrastructure failure (transport, queue); IsError marks a failure the
	// tool itself reported.
	Outcome struct {
		CallID  string
		Output  string
		IsError bool
		Err     error
	}

	// Executor runs one turn's approved calls concurrently and returns
	// outcomes in call order. The direct executor calls the connection
	// manager in-process; the dispatch executor hands calls to the worker
	// queue.
	Executor interface {
		ExecuteBatch(ctx context.Context, sessionID string, calls []ResolvedCall) ([]Outcome, error)
	}

	directExecutor struct {
		broker ToolBroker
	}
)

// NewDirectExecutor executes approved calls in-process through broker.
func NewDirectExecutor(broker ToolBroker) Executor {
	return &directExecutor{broker: broker}
}

func (x *directExecutor) ExecuteBatch(ctx context.Context, _ string, calls []ResolvedCall) ([]Outcome, error) {
	type indexed struct {
		i   int
		out Outcome
	}
	ch := make(chan indexed, len(calls))
	for i, c := range calls {
		go func(i int, c ResolvedCall) {
			res, err := x.broker.CallTool(ctx, c.ExposedName, c.Args)
			if err != nil {
				ch <- indexed{i, Outcome{CallID: c.CallID, Err: err}}
				return
			}
			ch <- indexed{i, Outcome{CallID: c.CallID, Output: res.Content, IsError: res.IsError}}
		}(i, c)
	}

	outcomes := make([]Outcome, len(calls))
	for range calls {
		select {
		case <-ctx.Done():
			// Calls that cannot be cancelled finish into the buffered
			// channel and are dropped.
			return nil, fault.Wrap(fault.Cancelled, "turn_cancelled", ctx.Err(), "tool execution cancelled")
		case o := <-ch:
			outcomes[o.i] = o.out
		}
	}
	return outcomes, nil
}
