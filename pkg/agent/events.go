package agent

import (
	"errors"
	"time"

	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/llm"
)

// EventType names an agent event
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventLLMStreamStart    EventType = "llm_stream_start"
	EventContentDelta      EventType = "content_delta"
	EventThinkingDelta     EventType = "thinking_delta"
	EventToolCallPending   EventType = "tool_call_pending"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallComplete  EventType = "tool_call_complete"
	EventToolCallError     EventType = "tool_call_error"
	EventLLMStreamEnd      EventType = "llm_stream_end"
	EventTurnComplete      EventType = "turn_complete"
	EventExecutionComplete EventType = "execution_complete"
	EventMaxTurnsReached   EventType = "max_turns_reached"
	EventLoopDetected      EventType = "loop_detected"
	EventExecutionError    EventType = "execution_error"
)

// IsTerminal reports whether the event ends a run
func (t EventType) IsTerminal() bool {
	switch t {
	case EventExecutionComplete, EventMaxTurnsReached, EventLoopDetected, EventExecutionError:
		return true
	}
	return false
}

// Event is emitted by turns, executors and the agent. Only the fields relevant
// to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Text carries content and thinking deltas
	Text string `json:"text,omitempty"`

	// Call is set on tool_call_* and loop_detected events
	Call   *llm.FunctionCall `json:"call,omitempty"`
	Output string            `json:"output,omitempty"`

	Error string        `json:"error,omitempty"`
	Code  agenterr.Code `json:"code,omitempty"`
	Err   error         `json:"-"`

	ShouldContinue bool       `json:"shouldContinue,omitempty"`
	Turns          int        `json:"turns,omitempty"`
	Usage          *llm.Usage `json:"usage,omitempty"`
}

func newEvent(t EventType, sessionID, turnID string) Event {
	return Event{Type: t, SessionID: sessionID, TurnID: turnID, Timestamp: time.Now()}
}

func errorEvent(t EventType, sessionID, turnID string, err error) Event {
	ev := newEvent(t, sessionID, turnID)
	ev.Err = err
	ev.Error = err.Error()
	ev.Code = agenterr.CodeOf(err)
	return ev
}

// ErrExecutionInterrupted is reported when a run is interrupted between turns
var ErrExecutionInterrupted = errors.New("execution interrupted")
