// Package turn drives one conversational turn: model completion, sequential
// human approval of requested tool calls, concurrent execution of approved
// calls, and recursion on the results. The approval flow is an explicit state
// machine; inbound verdicts correlate with pending calls by callId.
package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/transport"
)

// DefaultMaxDepth bounds model invocations per turn, counting the initial
// completion and every recursion on tool results.
const DefaultMaxDepth = 8

// deniedResult is the synthetic tool output fed back for a rejected call.
const deniedResult = "{denied by user}"

// State is the engine's position in the turn state machine.
type State string

// Engine states. A session engine is single-threaded: one turn at a time.
const (
	StateIdle             State = "idle"
	StateAwaitingModel    State = "awaiting_model"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
)

type (
	// ToolBroker is the slice of the connection manager the engine needs:
	// the aggregate catalog, exposure-to-server routing, and execution.
	ToolBroker interface {
		ToolDefinitions() []model.ToolDefinition
		ResolveTool(exposed string) (serverName, originalName string, err error)
		CallTool(ctx context.Context, exposed string, args map[string]any) (transport.CallResult, error)
	}

	// HistoryStore is the slice of the conversation store the engine writes
	// through.
	HistoryStore interface {
		Append(ctx context.Context, sessionID string, msg model.Message) error
		History(ctx context.Context, sessionID string, maxTokens int) ([]model.Message, error)
	}

	// Config carries the per-session turn parameters.
	Config struct {
		SessionID    string
		SystemPrompt string

		// MaxDepth bounds model invocations per turn. Zero means
		// DefaultMaxDepth.
		MaxDepth int

		// MaxHistoryTokens is the input budget handed to the history store.
		// Zero means the store default.
		MaxHistoryTokens int

		// MaxOutputTokens caps completion length. Zero means provider
		// default.
		MaxOutputTokens int

		Temperature float32
	}

	// Engine drives turns for one session.
	Engine struct {
		cfg    Config
		llm    model.Client
		broker ToolBroker
		conv   HistoryStore
		sink   stream.Sink
		exec   Executor

		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu     sync.Mutex
		state  State
		turn   *turnState
		closed bool
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)

	// turnState is the per-turn correlation state. expected and verdicts are
	// nil outside the approval and execution phases.
	turnState struct {
		cancel   context.CancelFunc
		expected map[string]struct{}
		verdicts map[string]bool
		arrived  chan struct{}
	}

	// plannedCall is one model-requested call with its route resolved.
	plannedCall struct {
		call     model.ToolCall
		server   string
		original string
		routeErr error
	}
)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l telemetry.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineMetrics sets the engine metrics sink.
func WithEngineMetrics(mt telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = mt }
}

// WithExecutor overrides how approved calls are executed. The default runs
// them in-process through the broker; worker mode substitutes the dispatch
// queue.
func WithExecutor(x Executor) EngineOption {
	return func(e *Engine) { e.exec = x }
}

// NewEngine builds the turn engine for one session.
func NewEngine(cfg Config, llm model.Client, broker ToolBroker, conv HistoryStore, sink stream.Sink, opts ...EngineOption) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	e := &Engine{
		cfg:     cfg,
		llm:     llm,
		broker:  broker,
		conv:    conv,
		sink:    sink,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = NewDirectExecutor(broker)
	}
	return e
}

// State reports the engine's current position in the turn state machine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GenerateTurn runs one full turn for userText, blocking until the turn
// completes, fails, or is cancelled. A session runs at most one turn at a
// time; a second call while one is in flight fails with Conflict.
func (e *Engine) GenerateTurn(ctx context.Context, userText string) error {
	turnCtx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer e.finish()

	start := time.Now()
	err = e.run(turnCtx, userText)
	e.metrics.RecordTimer("turn.duration", time.Since(start))
	switch {
	case err == nil:
		e.metrics.IncCounter("turn.completed", 1, "outcome", "ok")
		return nil
	case fault.KindOf(err) == fault.Cancelled:
		e.metrics.IncCounter("turn.completed", 1, "outcome", "cancelled")
		return err
	}

	e.metrics.IncCounter("turn.completed", 1, "outcome", "error")
	e.logger.Error(ctx, "turn failed", "session", e.cfg.SessionID, "err", err)
	ev := stream.Error(errorCode(err), err.Error())
	if serr := e.sink.Send(context.WithoutCancel(ctx), ev); serr != nil {
		e.logger.Warn(ctx, "error event delivery failed", "session", e.cfg.SessionID, "err", serr)
	}
	return err
}

// errorCode picks the machine code surfaced in the error event.
func errorCode(err error) string {
	if code := fault.CodeOf(err, ""); code != "" {
		return code
	}
	if pe, ok := model.AsProviderError(err); ok {
		return "provider_" + string(pe.Kind())
	}
	return "turn_failed"
}

// ResolveApproval records the user's verdict for one pending call. Verdicts
// for calls that are not part of the current turn fail with NotFound;
// duplicate verdicts for an already-ruled call are ignored.
func (e *Engine) ResolveApproval(callID string, approved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.turn
	if t == nil || t.expected == nil {
		return fault.Errorf(fault.NotFound, "unknown_call", "no approval pending for call %s", callID)
	}
	if _, ok := t.expected[callID]; !ok {
		return fault.Errorf(fault.NotFound, "unknown_call", "call %s is not part of the current turn", callID)
	}
	if _, dup := t.verdicts[callID]; dup {
		return nil
	}
	t.verdicts[callID] = approved
	select {
	case t.arrived <- struct{}{}:
	default:
	}
	return nil
}

// Cancel aborts the in-flight turn, if any. Pending approvals unblock and
// late tool results are discarded.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turn != nil {
		e.turn.cancel()
	}
}

// Cleanup cancels any in-flight turn and retires the engine.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.turn != nil {
		e.turn.cancel()
	}
}

func (e *Engine) begin(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fault.New(fault.Validation, "engine_closed", "session engine is closed")
	}
	if e.state != StateIdle {
		return nil, fault.Errorf(fault.Conflict, "turn_in_progress",
			"session %s already has a turn in flight", e.cfg.SessionID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	e.state = StateAwaitingModel
	e.turn = &turnState{cancel: cancel}
	e.metrics.IncCounter("turn.started", 1)
	return turnCtx, nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turn != nil {
		e.turn.cancel()
		e.turn = nil
	}
	e.state = StateIdle
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, userText string) error {
	prompt, role := userText, model.RoleUser
	for depth := 0; ; depth++ {
		if depth >= e.cfg.MaxDepth {
			return fault.Errorf(fault.PermanentExternal, "depth_exceeded",
				"turn exceeded %d tool recursion loops", e.cfg.MaxDepth)
		}

		if err := e.send(ctx, stream.Thinking()); err != nil {
			return err
		}
		if err := e.conv.Append(ctx, e.cfg.SessionID, model.Message{Role: role, Content: prompt}); err != nil {
			return fmt.Errorf("append turn prompt: %w", err)
		}
		history, err := e.conv.History(ctx, e.cfg.SessionID, e.cfg.MaxHistoryTokens)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		e.setState(StateAwaitingModel)
		resp, err := e.llm.Complete(ctx, model.Request{
			System:      e.cfg.SystemPrompt,
			Messages:    history,
			Tools:       e.broker.ToolDefinitions(),
			MaxTokens:   e.cfg.MaxOutputTokens,
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			return fmt.Errorf("model completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if err := e.conv.Append(ctx, e.cfg.SessionID, model.Message{Role: model.RoleAssistant, Content: resp.Text}); err != nil {
				return fmt.Errorf("append assistant message: %w", err)
			}
			return e.send(ctx, stream.Response(resp.Text))
		}

		if err := e.conv.Append(ctx, e.cfg.SessionID, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		}); err != nil {
			return fmt.Errorf("append assistant message: %w", err)
		}
		e.metrics.IncCounter("turn.tool_calls", float64(len(resp.ToolCalls)))

		planned := e.plan(ctx, resp.ToolCalls)
		verdicts, err := e.collectApprovals(ctx, planned)
		if err != nil {
			return err
		}

		e.setState(StateExecuting)
		approved := make([]ResolvedCall, 0, len(planned))
		for _, p := range planned {
			if p.routeErr == nil && verdicts[p.call.ID] {
				approved = append(approved, p.resolved())
			}
		}
		outcomes := make(map[string]Outcome, len(approved))
		if len(approved) > 0 {
			batch, err := e.exec.ExecuteBatch(ctx, e.cfg.SessionID, approved)
			if err != nil {
				return fmt.Errorf("execute approved calls: %w", err)
			}
			for _, o := range batch {
				outcomes[o.CallID] = o
			}
		}

		// Results feed back in the order the model issued the calls.
		for _, p := range planned {
			result := model.ToolResult{CallID: p.call.ID, Name: p.call.Name}
			switch {
			case p.routeErr != nil:
				result.Content = p.routeErr.Error()
				result.IsError = true
			case !verdicts[p.call.ID]:
				result.Content = deniedResult
			default:
				o := outcomes[p.call.ID]
				if o.Err != nil {
					result.Content = o.Err.Error()
					result.IsError = true
				} else {
					result.Content = o.Output
					result.IsError = o.IsError
				}
				if err := e.send(ctx, stream.ToolOutput(p.call.ID, result.Content)); err != nil {
					return err
				}
			}
			msg := model.Message{Role: model.RoleTool, ToolResults: []model.ToolResult{result}}
			if err := e.conv.Append(ctx, e.cfg.SessionID, msg); err != nil {
				return fmt.Errorf("append tool result: %w", err)
			}
		}

		prompt = resultsPrompt(len(planned))
		role = model.RoleSystem
	}
}

// plan resolves each requested call to its owning server. Calls no server
// owns skip the approval queue and feed a failure result straight back to
// the model.
func (e *Engine) plan(ctx context.Context, calls []model.ToolCall) []plannedCall {
	planned := make([]plannedCall, len(calls))
	for i, c := range calls {
		server, original, err := e.broker.ResolveTool(c.Name)
		planned[i] = plannedCall{call: c, server: server, original: original, routeErr: err}
		if err != nil {
			e.logger.Warn(ctx, "model requested unroutable tool",
				"session", e.cfg.SessionID, "tool", c.Name, "err", err)
		}
	}
	return planned
}

// collectApprovals emits approvalRequired for each routable call, one at a
// time in model order, and blocks until every call has a verdict.
func (e *Engine) collectApprovals(ctx context.Context, planned []plannedCall) (map[string]bool, error) {
	routable := make([]plannedCall, 0, len(planned))
	for _, p := range planned {
		if p.routeErr == nil {
			routable = append(routable, p)
		}
	}
	verdicts := make(map[string]bool, len(routable))
	if len(routable) == 0 {
		return verdicts, nil
	}

	e.mu.Lock()
	t := e.turn
	e.state = StateAwaitingApproval
	t.expected = make(map[string]struct{}, len(routable))
	for _, p := range routable {
		t.expected[p.call.ID] = struct{}{}
	}
	t.verdicts = make(map[string]bool, len(routable))
	t.arrived = make(chan struct{}, len(routable))
	e.mu.Unlock()

	total := len(routable)
	for i, p := range routable {
		e.mu.Lock()
		v, ruled := t.verdicts[p.call.ID]
		e.mu.Unlock()
		if !ruled {
			err := e.send(ctx, stream.ApprovalRequired(stream.ApprovalRequiredPayload{
				CallID:     p.call.ID,
				ServerName: p.server,
				ToolName:   p.original,
				Args:       p.call.Args,
				Position:   i + 1,
				Total:      total,
			}))
			if err != nil {
				return nil, err
			}
			for {
				e.mu.Lock()
				v, ruled = t.verdicts[p.call.ID]
				e.mu.Unlock()
				if ruled {
					break
				}
				select {
				case <-ctx.Done():
					return nil, fault.Wrap(fault.Cancelled, "turn_cancelled", ctx.Err(), "approval wait cancelled")
				case <-t.arrived:
				}
			}
		}
		verdicts[p.call.ID] = v
	}
	return verdicts, nil
}

func (e *Engine) send(ctx context.Context, ev stream.Event) error {
	if err := e.sink.Send(ctx, ev); err != nil {
		return fault.Wrap(fault.Cancelled, "client_gone", err, "client event delivery failed")
	}
	return nil
}

func (p plannedCall) resolved() ResolvedCall {
	return ResolvedCall{
		CallID:       p.call.ID,
		ServerName:   p.server,
		OriginalName: p.original,
		ExposedName:  p.call.Name,
		Args:         p.call.Args,
	}
}

// resultsPrompt frames completed tool results for the next model hop.
func resultsPrompt(n int) string {
	if n == 1 {
		return "The requested tool call has completed. Its result is recorded above as a tool message. Continue assisting the user with it."
	}
	return fmt.Sprintf("All %d requested tool calls have completed. Their results are recorded above as tool messages, in call order. Continue assisting the user with them.", n)
}
