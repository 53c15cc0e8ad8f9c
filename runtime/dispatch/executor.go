package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/turn"
)

type (
	// Executor satisfies the turn engine's execution seam by enqueueing
	// approved calls and collecting their results from the session's result
	// channel. It subscribes before enqueueing so no result can slip past.
	Executor struct {
		kv      statestore.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		jobTTL  time.Duration
	}

	// ExecutorOption configures the queued executor.
	ExecutorOption func(*Executor)
)

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(l telemetry.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithExecutorMetrics sets the executor metrics sink.
func WithExecutorMetrics(mt telemetry.Metrics) ExecutorOption {
	return func(x *Executor) { x.metrics = mt }
}

// WithJobTTL overrides how long the executor waits for results. It should
// match the worker-side TTL: past it, any worker popping the job discards it.
func WithJobTTL(d time.Duration) ExecutorOption {
	return func(x *Executor) {
		if d > 0 {
			x.jobTTL = d
		}
	}
}

// NewExecutor builds a queued executor over kv.
func NewExecutor(kv statestore.Store, opts ...ExecutorOption) *Executor {
	x := &Executor{
		kv:      kv,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		jobTTL:  DefaultJobTTL,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// ExecuteBatch enqueues every call as a job and blocks until each expected
// jobId reports back, the context is cancelled, or the job TTL elapses.
// Expired calls synthesize a timeout failure outcome so the turn continues
// with whatever results did arrive; stray results for other turns' jobs are
// discarded.
func (x *Executor) ExecuteBatch(ctx context.Context, sessionID string, calls []turn.ResolvedCall) ([]turn.Outcome, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	sub, err := x.kv.Subscribe(ctx, ResultsChannel(sessionID))
	if err != nil {
		return nil, fmt.Errorf("subscribe job results: %w", err)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			x.logger.Warn(ctx, "result subscription close failed", "session", sessionID, "err", cerr)
		}
	}()

	now := time.Now().UnixMilli()
	payloads := make([]string, len(calls))
	pending := make(map[string]int, len(calls))
	for i, c := range calls {
		job := ToolJob{
			JobID:        uuid.NewString(),
			SessionID:    sessionID,
			CallID:       c.CallID,
			ServerName:   c.ServerName,
			OriginalName: c.OriginalName,
			Args:         c.Args,
			EnqueuedAt:   now,
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("encode tool job: %w", err)
		}
		payloads[i] = string(raw)
		pending[job.JobID] = i
	}
	if _, err := x.kv.RPush(ctx, QueueKey, payloads...); err != nil {
		return nil, fmt.Errorf("enqueue tool jobs: %w", err)
	}
	x.metrics.IncCounter("dispatch.jobs.enqueued", float64(len(calls)))

	outcomes := make([]turn.Outcome, len(calls))
	deadline := time.NewTimer(x.jobTTL)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, "turn_cancelled", ctx.Err(), "result wait cancelled")

		case <-deadline.C:
			for jobID, i := range pending {
				outcomes[i] = turn.Outcome{
					CallID: calls[i].CallID,
					Err: fault.Errorf(fault.TransientExternal, "job_timeout",
						"tool job %s produced no result within %s", jobID, x.jobTTL),
				}
			}
			x.metrics.IncCounter("dispatch.results", float64(len(pending)), "outcome", "timeout")
			x.logger.Warn(ctx, "tool jobs timed out", "session", sessionID, "count", len(pending))
			return outcomes, nil

		case msg, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil, fault.Wrap(fault.Cancelled, "turn_cancelled", ctx.Err(), "result wait cancelled")
				}
				return nil, fault.New(fault.TransientExternal, "results_channel_closed",
					"result subscription closed mid-turn")
			}
			var res ToolJobResult
			if err := json.Unmarshal([]byte(msg), &res); err != nil {
				x.logger.Warn(ctx, "skipping unreadable job result", "session", sessionID, "err", err)
				continue
			}
			i, expected := pending[res.JobID]
			if !expected {
				// A late result from a cancelled or timed-out turn.
				x.metrics.IncCounter("dispatch.results", 1, "outcome", "stray")
				continue
			}
			delete(pending, res.JobID)
			outcomes[i] = resultOutcome(calls[i].CallID, res)
			if res.Success {
				x.metrics.IncCounter("dispatch.results", 1, "outcome", "ok")
			} else {
				x.metrics.IncCounter("dispatch.results", 1, "outcome", "failed")
			}
		}
	}
	return outcomes, nil
}

func resultOutcome(callID string, res ToolJobResult) turn.Outcome {
	if !res.Success {
		return turn.Outcome{
			CallID: callID,
			Err:    fault.New(fault.TransientExternal, "job_failed", res.Error),
		}
	}
	return turn.Outcome{CallID: callID, Output: res.Output, IsError: res.IsError}
}
