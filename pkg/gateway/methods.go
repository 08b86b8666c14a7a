package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agent"
	"github.com/harun/orbit/pkg/session"
)

// registerBuiltinMethods registers the agent methods and, when a conversation
// manager is configured, the session methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("agent.run", s.handleAgentRun)
	_ = s.RegisterMethod("agent.interrupt", s.handleAgentInterrupt)
	_ = s.RegisterMethod("gateway.clients", s.handleClients)

	if s.conversations == nil {
		return
	}
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.tree", s.handleSessionsTree)
	_ = s.RegisterMethod("sessions.fork", s.handleSessionsFork)
	_ = s.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	_ = s.RegisterMethod("sessions.turns", s.handleSessionsTurns)
}

// handleAgentRun runs input to completion. Websocket callers also receive
// every agent event as it happens.
func (s *Server) handleAgentRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	input, err := requireString(params, "input")
	if err != nil {
		return nil, err
	}
	sessionID := optionalString(params, "sessionId")
	clientID := clientIDFromContext(ctx)

	ctx = tracing.NewRunContext(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("clientId", clientID).Msg("Agent run requested")

	var events <-chan agent.Event
	if sessionID == "" {
		events = s.agent.Execute(ctx, input)
	} else {
		events = s.agent.ContinueConversation(ctx, sessionID, input)
	}

	result := runResult{SessionID: sessionID}
	s.clients.BeginRun(clientID, sessionID)
	for ev := range events {
		result.observe(ev)
		if ev.Type == agent.EventSessionCreated {
			s.clients.BeginRun(clientID, ev.SessionID)
		}
		if clientID != "" {
			s.broadcaster.BroadcastToClient(clientID, agentEventMessage(ctx, ev))
		}
	}
	s.clients.EndRun(clientID, result.SessionID)

	logger.Info().
		Str("sessionId", result.SessionID).
		Str("stopReason", result.StopReason).
		Int("turns", result.Turns).
		Msg("Agent run finished")
	return result, nil
}

func (s *Server) handleAgentInterrupt(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	running := s.agent.IsRunning(sessionID)
	s.agent.Interrupt(sessionID)
	return map[string]interface{}{"sessionId": sessionID, "interrupted": running}, nil
}

func (s *Server) handleClients(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.clients.Snapshot(), nil
}

func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	summaries, err := s.conversations.ListSessions(ctx)
	if err != nil {
		return nil, sessionError(err)
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	return summaries, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	sess, err := s.conversations.GetSession(ctx, sessionID)
	if err != nil {
		return nil, sessionError(err)
	}
	return sess, nil
}

func (s *Server) handleSessionsTree(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	trees, err := s.conversations.GetSessionTree(ctx, optionalString(params, "rootId"))
	if err != nil {
		return nil, sessionError(err)
	}
	if trees == nil {
		trees = []*session.Tree{}
	}
	return trees, nil
}

func (s *Server) handleSessionsFork(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	atIndex, err := requireInt(params, "atIndex")
	if err != nil {
		return nil, err
	}

	forked, err := s.conversations.ForkSession(ctx, sessionID, atIndex)
	if err != nil {
		return nil, sessionError(err)
	}
	return forked.Summary(), nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if s.agent.IsRunning(sessionID) {
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("session %s is running", sessionID)}
	}

	if err := s.conversations.DeleteSession(ctx, sessionID); err != nil {
		return nil, sessionError(err)
	}
	s.agent.Forget(sessionID)

	return map[string]interface{}{"sessionId": sessionID, "deleted": true}, nil
}

func (s *Server) handleSessionsTurns(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	turns, err := s.conversations.GetTurns(ctx, sessionID)
	if err != nil {
		return nil, sessionError(err)
	}
	if turns == nil {
		turns = []session.CompletedTurn{}
	}
	return turns, nil
}

func sessionError(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return &RPCError{Code: NotFound, Message: err.Error()}
	}
	if errors.Is(err, session.ErrInvalidForkIndex) {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return err
}
