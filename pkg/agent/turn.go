package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/session"
	"github.com/harun/orbit/pkg/streambuf"
	"github.com/harun/orbit/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// TurnState is the lifecycle state of a turn
type TurnState string

const (
	StateInit          TurnState = "init"
	StateLLMCalling    TurnState = "llm_calling"
	StateToolExecuting TurnState = "tool_executing"
	StateCompleted     TurnState = "completed"
	StateFailed        TurnState = "failed"
	StateCancelled     TurnState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s TurnState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrTurnAlreadyStarted is returned when Execute is called twice on one turn
var ErrTurnAlreadyStarted = errors.New("turn already started")

// TurnConfig configures a single turn
type TurnConfig struct {
	ID        string // generated when empty
	SessionID string

	Client      llm.Client
	Request     llm.Request
	Tools       ToolRegistry
	ToolPolicy  *toolexecutor.ToolPolicy
	ToolTimeout time.Duration

	StreamBuffer streambuf.Config
	Logger       *zerolog.Logger
}

// TurnResult is what a completed turn produced
type TurnResult struct {
	Content  string
	Thinking string
	Calls    []llm.FunctionCall
	Results  []session.ToolResult
	Usage    llm.Usage

	// Items are the session items this turn adds, in order: assistant message,
	// tool calls, tool results.
	Items []session.Item

	// ShouldContinue is true iff the model requested at least one tool call
	ShouldContinue bool
}

// Turn executes one request/response cycle with the model. A turn is single use.
type Turn struct {
	cfg      TurnConfig
	logger   zerolog.Logger
	content  *streambuf.Buffer
	thinking *streambuf.Buffer

	mu        sync.Mutex
	state     TurnState
	started   bool
	released  bool
	cancelRun context.CancelFunc
	cleanups  []func()
	err       error
	result    *TurnResult
}

// NewTurn creates a turn in the INIT state
func NewTurn(cfg TurnConfig) *Turn {
	if cfg.ID == "" {
		cfg.ID = NewTurnID()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Turn{
		cfg:      cfg,
		logger:   logger.With().Str("component", "turn").Logger(),
		content:  streambuf.New(cfg.StreamBuffer),
		thinking: streambuf.New(cfg.StreamBuffer),
		state:    StateInit,
	}
}

// NewTurnID returns a short random turn id
func NewTurnID() string {
	return "turn_" + gonanoid.Must(12)
}

func (t *Turn) ID() string { return t.cfg.ID }

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure or cancellation error once the turn has ended
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the outcome of a completed turn, nil otherwise
func (t *Turn) Result() *TurnResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// OnCleanup registers fn to run exactly once when the turn ends, whatever the
// outcome. If the turn has already ended fn runs immediately.
func (t *Turn) OnCleanup(fn func()) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		t.runCleanup(fn)
		return
	}
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

// Cancel requests cooperative cancellation. The token is checked between stream
// units and before each tool call. Cancel is a no-op once the turn has ended.
func (t *Turn) Cancel() {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.state = StateCancelled
	cancel := t.cancelRun
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Execute starts the turn and returns its event stream. The channel is closed when
// the turn ends; State, Err and Result are final by then. Callers must drain the
// channel or cancel ctx.
func (t *Turn) Execute(ctx context.Context) (<-chan Event, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, ErrTurnAlreadyStarted
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancelRun = cancel
	t.mu.Unlock()

	out := make(chan Event)
	go t.run(ctx, runCtx, cancel, out)
	return out, nil
}

func (t *Turn) run(ctx, runCtx context.Context, cancel context.CancelFunc, out chan<- Event) {
	start := time.Now()

	runCtx = tracing.WithTurnID(runCtx, t.cfg.ID)
	if t.cfg.SessionID != "" {
		runCtx = tracing.WithSessionID(runCtx, t.cfg.SessionID)
	}
	runCtx, span := tracing.StartSpan(runCtx, tracing.TracerAgent, "agent.turn",
		attribute.String("turn.id", t.cfg.ID),
		attribute.String("session.id", t.cfg.SessionID),
	)
	logger := tracing.LoggerFromContext(runCtx, t.logger)

	defer func() {
		t.release()
		cancel()

		state := t.State()
		observability.RecordTurn(string(state), time.Since(start))
		if err := t.Err(); err != nil {
			tracing.RecordError(span, err)
			logger.Debug().Err(err).Str("state", string(state)).Msg("Turn ended")
		} else {
			logger.Debug().Dur("duration", time.Since(start)).Msg("Turn completed")
		}
		span.End()
		close(out)
	}()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !t.transition(StateLLMCalling) {
		t.fail(t.cancelledErr(nil))
		return
	}
	emit(t.event(EventLLMStreamStart))

	var (
		content  strings.Builder
		thinking strings.Builder
		calls    []llm.FunctionCall
		usage    llm.Usage
	)

	// Timer flushes run on the buffer's goroutine under its lock, so a synchronous
	// Flush here waits for any in-flight delta before the next event goes out.
	flushContent := func(text string) {
		ev := t.event(EventContentDelta)
		ev.Text = text
		emit(ev)
	}
	flushThinking := func(text string) {
		ev := t.event(EventThinkingDelta)
		ev.Text = text
		emit(ev)
	}
	flushAll := func() {
		t.thinking.Flush(flushThinking)
		t.content.Flush(flushContent)
	}

	var streamErr error
	for chunk, err := range t.cfg.Client.GenerateStream(runCtx, t.cfg.Request) {
		if t.isCancelled() {
			streamErr = t.cancelledErr(nil)
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		switch chunk.Type {
		case llm.ChunkContent:
			t.thinking.Flush(flushThinking)
			content.WriteString(chunk.Text)
			t.content.Add(chunk.Text, flushContent)
		case llm.ChunkThinking:
			t.content.Flush(flushContent)
			thinking.WriteString(chunk.Text)
			t.thinking.Add(chunk.Text, flushThinking)
		case llm.ChunkFunctionCall:
			if chunk.Call == nil {
				continue
			}
			flushAll()
			call := *chunk.Call
			calls = append(calls, call)
			ev := t.event(EventToolCallPending)
			ev.Call = &call
			emit(ev)
		case llm.ChunkDone:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	if streamErr == nil && t.isCancelled() {
		streamErr = t.cancelledErr(nil)
	}
	if streamErr != nil {
		t.fail(streamErr)
		return
	}

	flushAll()
	end := t.event(EventLLMStreamEnd)
	end.Usage = &usage
	emit(end)

	items := make([]session.Item, 0, 1+2*len(calls))
	if content.Len() > 0 {
		items = append(items, session.NewAssistantMessage(content.String()))
	}
	for _, call := range calls {
		items = append(items, session.NewToolCall(call.ID, call.Name, call.Args))
	}

	var results []session.ToolResult
	if len(calls) > 0 {
		if !t.transition(StateToolExecuting) {
			t.fail(t.cancelledErr(nil))
			return
		}

		for i := range calls {
			call := calls[i]
			if t.isCancelled() {
				t.fail(t.cancelledErr(nil))
				return
			}

			started := t.event(EventToolCallStart)
			started.Call = &call
			emit(started)

			res, err := executeTool(runCtx, t.cfg.Tools, call, &toolexecutor.ExecutionContext{
				CallID:    call.ID,
				TurnID:    t.cfg.ID,
				SessionID: t.cfg.SessionID,
				Timeout:   t.cfg.ToolTimeout,
				Policy:    t.cfg.ToolPolicy,
			})
			if err != nil {
				if agenterr.IsCancelled(err) || t.isCancelled() {
					t.fail(t.cancelledErr(err))
					return
				}
				logger.Warn().Err(err).Str("tool", call.Name).Str("callId", call.ID).Msg("Tool call failed")

				ev := errorEvent(EventToolCallError, t.cfg.SessionID, t.cfg.ID, err)
				ev.Call = &call
				emit(ev)
				results = append(results, session.NewToolResult(call.ID, call.Name, "", err))
				continue
			}

			ev := t.event(EventToolCallComplete)
			ev.Call = &call
			ev.Output = res.Output
			emit(ev)
			results = append(results, session.NewToolResult(call.ID, call.Name, res.Output, nil))
		}
	}
	for _, r := range results {
		items = append(items, r)
	}

	result := &TurnResult{
		Content:        content.String(),
		Thinking:       thinking.String(),
		Calls:          calls,
		Results:        results,
		Usage:          usage,
		Items:          items,
		ShouldContinue: len(calls) > 0,
	}
	if !t.complete(result) {
		return
	}

	done := t.event(EventTurnComplete)
	done.ShouldContinue = result.ShouldContinue
	done.Usage = &usage
	emit(done)
}

func (t *Turn) event(typ EventType) Event {
	return newEvent(typ, t.cfg.SessionID, t.cfg.ID)
}

func (t *Turn) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateCancelled
}

func (t *Turn) cancelledErr(cause error) error {
	if agenterr.IsCancelled(cause) {
		return cause
	}
	return agenterr.NewCancelledError(t.cfg.ID, cause)
}

// transition moves to a non-terminal state unless the turn was cancelled
func (t *Turn) transition(to TurnState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCancelled {
		return false
	}
	t.state = to
	return true
}

func (t *Turn) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateCancelled || agenterr.IsCancelled(err) || errors.Is(err, context.Canceled) {
		t.state = StateCancelled
		t.err = t.cancelledErr(err)
		return
	}
	t.state = StateFailed
	t.err = err
}

func (t *Turn) complete(result *TurnResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateCancelled {
		t.err = t.cancelledErr(nil)
		return false
	}
	t.state = StateCompleted
	t.result = result
	return true
}

// release disposes both buffers and runs the registered cleanups once
func (t *Turn) release() {
	t.content.Dispose()
	t.thinking.Dispose()

	t.mu.Lock()
	fns := t.cleanups
	t.cleanups = nil
	t.released = true
	t.mu.Unlock()

	for _, fn := range fns {
		t.runCleanup(fn)
	}
}

func (t *Turn) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Str("turnId", t.cfg.ID).Msg("Turn cleanup panicked")
		}
	}()
	fn()
}
