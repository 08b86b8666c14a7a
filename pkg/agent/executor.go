package agent

import (
	"context"
	"sync"
	"time"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/loopdetect"
	"github.com/harun/orbit/pkg/session"
	"github.com/harun/orbit/pkg/streambuf"
	"github.com/harun/orbit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxTurns bounds the number of turns in one run
const DefaultMaxTurns = 10

// Stop reasons reported by RunSummary and metrics
const (
	StopComplete  = "complete"
	StopMaxTurns  = "max_turns"
	StopLoop      = "loop_detected"
	StopError     = "error"
	StopCancelled = "cancelled"
)

// ExecutorConfig configures the turn loop for one session
type ExecutorConfig struct {
	SessionID string

	Client         llm.Client
	Model          string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	ThinkingBudget int

	Tools       ToolRegistry
	ToolPolicy  *toolexecutor.ToolPolicy
	ToolTimeout time.Duration

	MaxTurns      int
	LoopDetection loopdetect.Config
	StreamBuffer  streambuf.Config
	Logger        *zerolog.Logger
}

// RunSummary describes the most recent run of an executor
type RunSummary struct {
	Input          string
	NewItems       []session.Item
	CompletedTurns int
	StopReason     string
	Err            error
}

// Executor supervises the sequence of turns for one session
type Executor struct {
	cfg      ExecutorConfig
	logger   zerolog.Logger
	detector *loopdetect.Detector

	mu          sync.Mutex
	items       []session.Item
	current     *Turn
	interrupted bool
	last        RunSummary
}

// NewExecutor creates an executor seeded with the session's existing items
func NewExecutor(cfg ExecutorConfig, history []session.Item) *Executor {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Executor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "executor").Str("sessionId", cfg.SessionID).Logger(),
		detector: loopdetect.New(cfg.LoopDetection),
		items:    append([]session.Item(nil), history...),
	}
}

func (e *Executor) SessionID() string { return e.cfg.SessionID }

// Items returns a copy of the accumulated session context
func (e *Executor) Items() []session.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]session.Item(nil), e.items...)
}

// ResetItems replaces the accumulated context, e.g. after the stored session was compressed
func (e *Executor) ResetItems(items []session.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append([]session.Item(nil), items...)
}

// LastRun reports the outcome of the most recent completed run
func (e *Executor) LastRun() RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Interrupt cancels the running turn, if any, and prevents further turns in
// the current run.
func (e *Executor) Interrupt() {
	e.mu.Lock()
	e.interrupted = true
	turn := e.current
	e.mu.Unlock()

	if turn != nil {
		turn.Cancel()
	}
}

// Run appends input to the session context and drives turns until the model stops
// requesting tools, a limit is hit, or the run fails. The returned channel ends
// with exactly one terminal event.
func (e *Executor) Run(ctx context.Context, input string) <-chan Event {
	out := make(chan Event)

	e.mu.Lock()
	e.interrupted = false
	e.mu.Unlock()

	go e.run(ctx, input, out)
	return out
}

func (e *Executor) run(ctx context.Context, input string, out chan<- Event) {
	defer close(out)

	ctx = tracing.WithSessionID(ctx, e.cfg.SessionID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.run",
		attribute.String("session.id", e.cfg.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	summary := RunSummary{Input: input}
	finish := func(ev Event, reason string, err error) {
		summary.StopReason = reason
		summary.Err = err
		e.mu.Lock()
		e.last = summary
		e.current = nil
		e.mu.Unlock()

		if err != nil {
			tracing.RecordError(span, err)
		}
		observability.RecordExecutionStop(reason)
		logger.Debug().Str("reason", reason).Int("turns", summary.CompletedTurns).Msg("Run finished")
		emit(ev)
	}

	e.commit(&summary, session.NewUserMessage(input))

	for {
		if e.isInterrupted() {
			err := agenterr.NewCancelledError("", ErrExecutionInterrupted)
			finish(errorEvent(EventExecutionError, e.cfg.SessionID, "", err), StopCancelled, err)
			return
		}

		turn := NewTurn(TurnConfig{
			SessionID:    e.cfg.SessionID,
			Client:       e.cfg.Client,
			Request:      e.request(),
			Tools:        e.cfg.Tools,
			ToolPolicy:   e.cfg.ToolPolicy,
			ToolTimeout:  e.cfg.ToolTimeout,
			StreamBuffer: e.cfg.StreamBuffer,
			Logger:       &e.logger,
		})
		if !e.setCurrent(turn) {
			err := agenterr.NewCancelledError(turn.ID(), ErrExecutionInterrupted)
			finish(errorEvent(EventExecutionError, e.cfg.SessionID, turn.ID(), err), StopCancelled, err)
			return
		}

		events, err := turn.Execute(ctx)
		if err != nil {
			finish(errorEvent(EventExecutionError, e.cfg.SessionID, turn.ID(), err), StopError, err)
			return
		}
		for ev := range events {
			emit(ev)
		}

		if err := turn.Err(); err != nil {
			reason := StopError
			if agenterr.IsCancelled(err) {
				reason = StopCancelled
			}
			finish(errorEvent(EventExecutionError, e.cfg.SessionID, turn.ID(), err), reason, err)
			return
		}

		result := turn.Result()
		summary.CompletedTurns++
		e.commit(&summary, result.Items...)

		if !result.ShouldContinue {
			ev := newEvent(EventExecutionComplete, e.cfg.SessionID, turn.ID())
			ev.Turns = summary.CompletedTurns
			finish(ev, StopComplete, nil)
			return
		}

		if summary.CompletedTurns >= e.cfg.MaxTurns {
			ev := newEvent(EventMaxTurnsReached, e.cfg.SessionID, turn.ID())
			ev.Turns = summary.CompletedTurns
			finish(ev, StopMaxTurns, nil)
			return
		}

		last := result.Calls[len(result.Calls)-1]
		if e.detector.Check(last.Name, last.Args) {
			ev := newEvent(EventLoopDetected, e.cfg.SessionID, turn.ID())
			ev.Call = &last
			ev.Turns = summary.CompletedTurns
			logger.Warn().Str("tool", last.Name).Msg("Repeated tool call detected, stopping run")
			finish(ev, StopLoop, nil)
			return
		}
	}
}

func (e *Executor) request() llm.Request {
	e.mu.Lock()
	items := append([]session.Item(nil), e.items...)
	e.mu.Unlock()

	return llm.Request{
		Model:          e.cfg.Model,
		SystemPrompt:   e.cfg.SystemPrompt,
		Items:          items,
		Tools:          toolSpecs(e.cfg.Tools, e.cfg.ToolPolicy),
		Temperature:    e.cfg.Temperature,
		MaxTokens:      e.cfg.MaxTokens,
		ThinkingBudget: e.cfg.ThinkingBudget,
	}
}

func (e *Executor) commit(summary *RunSummary, items ...session.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, items...)
	summary.NewItems = append(summary.NewItems, items...)
}

func (e *Executor) isInterrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupted
}

// setCurrent installs the turn unless an interrupt arrived in between
func (e *Executor) setCurrent(turn *Turn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interrupted {
		return false
	}
	e.current = turn
	return true
}
