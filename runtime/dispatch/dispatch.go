// Package dispatch is the optional work plane that decouples the turn engine
// from tool execution: approved calls travel a FIFO list-queue in the state
// store, a worker pool executes them through the connection manager, and
// results come back on a per-session pub/sub channel.
package dispatch

import "time"

// QueueKey is the shared FIFO job queue.
const QueueKey = "jobs:queue"

// Defaults for the plane's tunables.
const (
	// DefaultJobTTL is how long a queued job stays executable. Workers
	// discard older jobs with a timeout failure instead of running them.
	DefaultJobTTL = 5 * time.Minute

	// DefaultPopTimeout bounds each blocking pop so workers can notice
	// shutdown between jobs.
	DefaultPopTimeout = 5 * time.Second

	// DefaultWorkerConcurrency is the worker pool size.
	DefaultWorkerConcurrency = 10
)

type (
	// ToolJob is one approved tool call traveling the queue. Routing already
	// happened on the enqueueing side, so the worker gets the owning server
	// and the tool's original name.
	ToolJob struct {
		JobID        string         `json:"jobId"`
		SessionID    string         `json:"sessionId"`
		CallID       string         `json:"callId"`
		ServerName   string         `json:"serverName"`
		OriginalName string         `json:"originalName"`
		Args         map[string]any `json:"args,omitempty"`

		// EnqueuedAt is epoch milliseconds; workers age jobs against it.
		EnqueuedAt int64 `json:"enqueuedAt"`
	}

	// ToolJobResult is the worker's verdict, published on the job's session
	// channel. Success false means the call never produced tool output
	// (transport failure, expired job); IsError marks output the tool itself
	// flagged as an error.
	ToolJobResult struct {
		JobID   string `json:"jobId"`
		Success bool   `json:"success"`
		Output  string `json:"output,omitempty"`
		IsError bool   `json:"isError,omitempty"`
		Error   string `json:"error,omitempty"`
	}
)

// ResultsChannel names the pub/sub channel carrying a session's job results.
func ResultsChannel(sessionID string) string {
	return "results:" + sessionID
}
