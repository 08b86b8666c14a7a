package gateway

import (
	"context"

	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agent"
	"github.com/harun/orbit/pkg/agenterr"
)

// agentEventMessage converts an agent event into the wire event sent to clients
func agentEventMessage(ctx context.Context, ev agent.Event) EventMessage {
	stream, phase := classify(ev.Type)
	return EventMessage{
		Event:     "agent." + string(ev.Type),
		Stream:    stream,
		Phase:     phase,
		Data:      ev,
		Timestamp: ev.Timestamp.UnixMilli(),
		TraceID:   tracing.GetTraceID(ctx),
		RunID:     tracing.GetRunID(ctx),
		Session:   ev.SessionID,
	}
}

func classify(t agent.EventType) (StreamType, string) {
	switch t {
	case agent.EventContentDelta:
		return StreamTypeAssistant, "delta"
	case agent.EventThinkingDelta:
		return StreamTypeReasoning, "delta"
	case agent.EventToolCallPending:
		return StreamTypeTool, "pending"
	case agent.EventToolCallStart:
		return StreamTypeTool, "start"
	case agent.EventToolCallComplete:
		return StreamTypeTool, "end"
	case agent.EventToolCallError:
		return StreamTypeTool, "error"
	case agent.EventSessionCreated, agent.EventLLMStreamStart:
		return StreamTypeLifecycle, "start"
	case agent.EventExecutionError:
		return StreamTypeLifecycle, "error"
	default:
		return StreamTypeLifecycle, "end"
	}
}

// runResult summarizes a finished run for RPC responses
type runResult struct {
	SessionID  string        `json:"sessionId"`
	Content    string        `json:"content"`
	StopReason string        `json:"stopReason"`
	Turns      int           `json:"turns"`
	Error      string        `json:"error,omitempty"`
	Code       agenterr.Code `json:"code,omitempty"`
}

// observe folds ev into the summary. Content keeps only the latest turn.
func (r *runResult) observe(ev agent.Event) {
	if ev.SessionID != "" {
		r.SessionID = ev.SessionID
	}

	switch ev.Type {
	case agent.EventLLMStreamStart:
		r.Content = ""
	case agent.EventContentDelta:
		r.Content += ev.Text
	case agent.EventTurnComplete:
		r.Turns++
	case agent.EventExecutionComplete:
		r.StopReason = agent.StopComplete
		r.Turns = ev.Turns
	case agent.EventMaxTurnsReached:
		r.StopReason = agent.StopMaxTurns
	case agent.EventLoopDetected:
		r.StopReason = agent.StopLoop
	case agent.EventExecutionError:
		r.StopReason = agent.StopError
		if ev.Code == agenterr.CodeCancelled {
			r.StopReason = agent.StopCancelled
		}
		r.Error = ev.Error
		r.Code = ev.Code
	}
}
