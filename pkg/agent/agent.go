package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/commandqueue"
	"github.com/harun/orbit/pkg/conversation"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/loopdetect"
	"github.com/harun/orbit/pkg/session"
	"github.com/harun/orbit/pkg/streambuf"
	"github.com/harun/orbit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds agent configuration
type Config struct {
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

	// Conversations persists sessions when set; otherwise history lives only in
	// the executors.
	Conversations *conversation.Manager

	// Queue serializes runs per session. A private queue is created when nil.
	Queue *commandqueue.CommandQueue

	Logger *zerolog.Logger
}

// Agent owns one executor per session id
type Agent struct {
	cfg       Config
	logger    zerolog.Logger
	queue     *commandqueue.CommandQueue
	ownsQueue bool

	mu        sync.Mutex
	executors map[string]*Executor
	// interrupts counts Interrupt calls per session; a queued run compares
	// the count taken at enqueue time before it starts
	interrupts map[string]uint64
}

// New creates an agent
func New(cfg Config) (*Agent, error) {
	observability.EnsureRegistered()

	if cfg.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "agent").Logger()

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		queue:      cfg.Queue,
		executors:  make(map[string]*Executor),
		interrupts: make(map[string]uint64),
	}
	if a.queue == nil {
		a.queue = commandqueue.New(commandqueue.Config{Logger: &logger})
		a.ownsQueue = true
	}
	return a, nil
}

// Execute starts a new session and runs input in it. The first event is
// session_created.
func (a *Agent) Execute(ctx context.Context, input string) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		sessionID, err := a.createSession(ctx)
		if err != nil {
			sendEvent(ctx, out, errorEvent(EventExecutionError, "", "", err))
			return
		}
		if !sendEvent(ctx, out, newEvent(EventSessionCreated, sessionID, "")) {
			return
		}
		for ev := range a.ContinueConversation(ctx, sessionID, input) {
			if !sendEvent(ctx, out, ev) {
				return
			}
		}
	}()

	return out
}

// ContinueConversation runs input in an existing session. Runs against the same
// session id are queued and never interleave.
func (a *Agent) ContinueConversation(ctx context.Context, sessionID, input string) <-chan Event {
	out := make(chan Event)

	a.mu.Lock()
	generation := a.interrupts[sessionID]
	a.mu.Unlock()

	go func() {
		defer close(out)

		var delivered bool
		err := a.queue.Enqueue(ctx, commandqueue.SessionLane(sessionID), func(taskCtx context.Context) error {
			exec, err := a.executor(taskCtx, sessionID)
			if err != nil {
				return err
			}

			// Interrupt holds a.mu while it counts, so a call either lands
			// before this check or after Run has armed the executor
			a.mu.Lock()
			if a.interrupts[sessionID] != generation {
				a.mu.Unlock()
				return agenterr.NewCancelledError("", ErrExecutionInterrupted)
			}
			events := exec.Run(taskCtx, input)
			a.mu.Unlock()

			for ev := range events {
				if ev.Type.IsTerminal() {
					delivered = true
				}
				sendEvent(taskCtx, out, ev)
			}

			if a.cfg.Conversations != nil {
				if err := a.persist(taskCtx, exec); err != nil {
					a.logger.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to persist session")
				}
			}
			return nil
		}, nil)

		if err != nil && !delivered {
			sendEvent(ctx, out, errorEvent(EventExecutionError, sessionID, "", err))
		}
	}()

	return out
}

// Interrupt cancels the running turn of a session along with every run
// already queued for it. Runs submitted afterwards are not affected.
func (a *Agent) Interrupt(sessionID string) {
	a.mu.Lock()
	a.interrupts[sessionID]++
	exec, ok := a.executors[sessionID]
	a.mu.Unlock()

	if !ok {
		return
	}
	a.logger.Info().Str("sessionId", sessionID).Msg("Interrupting session")
	exec.Interrupt()
}

// Sessions lists the ids that have an executor
func (a *Agent) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.executors))
	for id := range a.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether a run for the session is executing or queued
func (a *Agent) IsRunning(sessionID string) bool {
	lane := commandqueue.SessionLane(sessionID)
	return a.queue.RunningCount(lane) > 0 || a.queue.QueueSize(lane) > 0
}

// Forget drops the executor of a session so the next run reloads it
func (a *Agent) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.executors, sessionID)
}

// Close stops the agent's private queue, cancelling in-flight runs
func (a *Agent) Close() error {
	if a.ownsQueue {
		return a.queue.Close()
	}
	return nil
}

func (a *Agent) createSession(ctx context.Context) (string, error) {
	if a.cfg.Conversations == nil {
		return uuid.NewString(), nil
	}
	s, err := a.cfg.Conversations.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return s.ID(), nil
}

// executor returns the session's executor, creating it from stored history on first use
func (a *Agent) executor(ctx context.Context, sessionID string) (*Executor, error) {
	a.mu.Lock()
	exec, ok := a.executors[sessionID]
	a.mu.Unlock()
	if ok {
		return exec, nil
	}

	history, err := a.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	exec = NewExecutor(ExecutorConfig{
		SessionID:      sessionID,
		Client:         a.cfg.Client,
		Model:          a.cfg.Model,
		SystemPrompt:   a.cfg.SystemPrompt,
		Temperature:    a.cfg.Temperature,
		MaxTokens:      a.cfg.MaxTokens,
		ThinkingBudget: a.cfg.ThinkingBudget,
		Tools:          a.cfg.Tools,
		ToolPolicy:     a.cfg.ToolPolicy,
		ToolTimeout:    a.cfg.ToolTimeout,
		MaxTurns:       a.cfg.MaxTurns,
		LoopDetection:  a.cfg.LoopDetection,
		StreamBuffer:   a.cfg.StreamBuffer,
		Logger:         &a.logger,
	}, history)

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.executors[sessionID]; ok {
		return existing, nil
	}
	a.executors[sessionID] = exec
	return exec, nil
}

func (a *Agent) loadHistory(ctx context.Context, sessionID string) ([]session.Item, error) {
	if a.cfg.Conversations == nil {
		return nil, nil
	}

	s, err := a.cfg.Conversations.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		s = session.New(sessionID)
		if err := a.cfg.Conversations.SaveSession(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to create session %s: %w", sessionID, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return s.Items(), nil
}

// persist appends the last run's items to the stored session and saves it. The
// executor is re-seeded afterwards because saving may compress the item log.
func (a *Agent) persist(ctx context.Context, exec *Executor) error {
	run := exec.LastRun()
	if len(run.NewItems) == 0 {
		return nil
	}

	// The run may have ended because ctx was cancelled; the save must still happen.
	ctx = tracing.Detach(ctx)

	s, err := a.cfg.Conversations.GetSession(ctx, exec.SessionID())
	if errors.Is(err, session.ErrNotFound) {
		s = session.New(exec.SessionID())
	} else if err != nil {
		return err
	} else {
		// the cached copy changes only once the save lands
		s = s.Clone()
	}

	s.AddItems(run.NewItems...)
	for i := 0; i < run.CompletedTurns; i++ {
		s.RecordTurn()
	}
	if err := a.cfg.Conversations.SaveSession(ctx, s); err != nil {
		return err
	}

	exec.ResetItems(s.Items())
	return nil
}

func sendEvent(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
