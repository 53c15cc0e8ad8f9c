package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/transport"
)

type (
	// ToolCaller executes a tool by original name on a named server. The
	// connection manager satisfies it.
	ToolCaller interface {
		CallServerTool(ctx context.Context, serverName, toolName string, args map[string]any) (transport.CallResult, error)
	}

	// Worker consumes the job queue with a fixed-size pool. Each loop pops,
	// ages, executes, and publishes independently; shutdown refuses new pops
	// and drains jobs already in hand.
	Worker struct {
		kv      statestore.Store
		caller  ToolCaller
		logger  telemetry.Logger
		metrics telemetry.Metrics

		concurrency int
		popTimeout  time.Duration
		jobTTL      time.Duration

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}

	// WorkerOption configures a Worker.
	WorkerOption func(*Worker)
)

// WithConcurrency sets the pool size.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPopTimeout bounds each blocking pop.
func WithPopTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.popTimeout = d
		}
	}
}

// WithWorkerJobTTL overrides the age past which a popped job is discarded
// with a timeout failure instead of executed.
func WithWorkerJobTTL(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.jobTTL = d
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l telemetry.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithWorkerMetrics sets the worker metrics sink.
func WithWorkerMetrics(mt telemetry.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = mt }
}

// NewWorker builds a worker pool that executes queued jobs through caller.
func NewWorker(kv statestore.Store, caller ToolCaller, opts ...WorkerOption) *Worker {
	w := &Worker{
		kv:          kv,
		caller:      caller,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		concurrency: DefaultWorkerConcurrency,
		popTimeout:  DefaultPopTimeout,
		jobTTL:      DefaultJobTTL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the pool loops.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		cancel()
		return fault.Errorf(fault.Conflict, "worker_running", "dispatch worker already started")
	}
	w.cancel = cancel
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func() {
			defer wg.Done()
			w.loop(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	w.logger.Info(ctx, "dispatch worker started", "concurrency", w.concurrency)
	return nil
}

// Stop refuses new pops and waits until every in-flight job has been
// executed and its result published.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// loop pops until the run context is cancelled. A popped job always runs to
// completion, even when cancellation races the pop: execution and publishing
// use a context that survives Stop.
func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := w.kv.BLPop(ctx, w.popTimeout, QueueKey)
		switch {
		case err == nil:
			w.process(context.WithoutCancel(ctx), payload)
		case errors.Is(err, statestore.ErrNotFound):
			// Pop timeout; go around and re-check shutdown.
		case errors.Is(err, statestore.ErrClosed):
			return
		case ctx.Err() != nil:
			return
		default:
			w.logger.Error(ctx, "job pop failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.popTimeout):
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, payload string) {
	var job ToolJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		w.logger.Error(ctx, "discarding unreadable job", "err", err)
		w.metrics.IncCounter("dispatch.jobs.processed", 1, "outcome", "corrupt")
		return
	}

	age := time.Duration(time.Now().UnixMilli()-job.EnqueuedAt) * time.Millisecond
	if age > w.jobTTL {
		w.logger.Warn(ctx, "discarding expired job",
			"job", job.JobID, "session", job.SessionID, "age", age)
		w.metrics.IncCounter("dispatch.jobs.processed", 1, "outcome", "expired")
		w.publish(ctx, job, ToolJobResult{
			JobID: job.JobID,
			Error: "job expired in queue after " + age.Truncate(time.Second).String(),
		})
		return
	}

	start := time.Now()
	res, err := w.caller.CallServerTool(ctx, job.ServerName, job.OriginalName, job.Args)
	w.metrics.RecordTimer("dispatch.jobs.duration", time.Since(start), "server", job.ServerName)
	if err != nil {
		w.metrics.IncCounter("dispatch.jobs.processed", 1, "outcome", "failed")
		w.publish(ctx, job, ToolJobResult{JobID: job.JobID, Error: err.Error()})
		return
	}
	w.metrics.IncCounter("dispatch.jobs.processed", 1, "outcome", "ok")
	w.publish(ctx, job, ToolJobResult{
		JobID:   job.JobID,
		Success: true,
		Output:  res.Content,
		IsError: res.IsError,
	})
}

// publish delivers the result on the job's session channel. A lost result is
// logged; the enqueueing side times the job out.
func (w *Worker) publish(ctx context.Context, job ToolJob, res ToolJobResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		w.logger.Error(ctx, "encode job result failed", "job", job.JobID, "err", err)
		return
	}
	if err := w.kv.Publish(ctx, ResultsChannel(job.SessionID), string(raw)); err != nil {
		w.logger.Error(ctx, "publish job result failed",
			"job", job.JobID, "session", job.SessionID, "err", err)
	}
}
