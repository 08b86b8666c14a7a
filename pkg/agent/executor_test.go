package agent

import (
	"context"
	"testing"

	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(client llm.Client, tools ToolRegistry, maxTurns int) *Executor {
	return NewExecutor(ExecutorConfig{
		SessionID: "s1",
		Client:    client,
		Tools:     tools,
		MaxTurns:  maxTurns,
		Logger:    quietLogger(),
	}, nil)
}

func itemCount(n int) interface{} {
	return mock.MatchedBy(func(req llm.Request) bool { return len(req.Items) == n })
}

func TestExecutor_SingleTurnCompletes(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, itemCount(1)).Return(stream(content("Hello!"), done())).Once()

	exec := newTestExecutor(client, nil, 0)
	got := collect(t, exec.Run(context.Background(), "hi"))

	last := got[len(got)-1]
	assert.Equal(t, EventExecutionComplete, last.Type)
	assert.Equal(t, 1, last.Turns)
	assert.Equal(t, "s1", last.SessionID)

	items := exec.Items()
	require.Len(t, items, 2)
	assert.Equal(t, session.RoleUser, items[0].(session.Message).Role)
	assert.Equal(t, session.RoleAssistant, items[1].(session.Message).Role)

	run := exec.LastRun()
	assert.Equal(t, StopComplete, run.StopReason)
	assert.Equal(t, 1, run.CompletedTurns)
	assert.Len(t, run.NewItems, 2)
	client.AssertExpectations(t)
}

func TestExecutor_ChainsTurnsWithToolResults(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, itemCount(1)).Return(stream(
		content("Let me check."),
		call("c1", "echo", map[string]interface{}{"text": "42"}),
		done(),
	)).Once()
	client.On("GenerateStream", mock.Anything, itemCount(4)).Return(stream(content("It is 42."), done())).Once()

	exec := newTestExecutor(client, newTestTools(t), 0)
	got := collect(t, exec.Run(context.Background(), "what is it?"))

	types := eventTypes(got)
	assert.Equal(t, EventExecutionComplete, types[len(types)-1])
	assert.Equal(t, 2, got[len(got)-1].Turns)

	// Turn n completes before turn n+1 starts
	var turnCompletes, streamStarts []int
	for i, typ := range types {
		switch typ {
		case EventTurnComplete:
			turnCompletes = append(turnCompletes, i)
		case EventLLMStreamStart:
			streamStarts = append(streamStarts, i)
		}
	}
	require.Len(t, turnCompletes, 2)
	require.Len(t, streamStarts, 2)
	assert.Less(t, turnCompletes[0], streamStarts[1])
	assert.NotEqual(t, got[streamStarts[0]].TurnID, got[streamStarts[1]].TurnID)

	items := exec.Items()
	require.Len(t, items, 5)
	result, ok := items[3].(session.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "c1", result.CallID)
	assert.Equal(t, "42", result.Output)
	client.AssertExpectations(t)
}

func TestExecutor_MaxTurnsReached(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, itemCount(1)).Return(stream(
		call("c1", "echo", map[string]interface{}{"text": "a"}), done(),
	)).Once()
	client.On("GenerateStream", mock.Anything, itemCount(3)).Return(stream(
		call("c2", "echo", map[string]interface{}{"text": "b"}), done(),
	)).Once()

	exec := newTestExecutor(client, newTestTools(t), 2)
	got := collect(t, exec.Run(context.Background(), "go"))

	last := got[len(got)-1]
	assert.Equal(t, EventMaxTurnsReached, last.Type)
	assert.Equal(t, 2, last.Turns)
	assert.Equal(t, StopMaxTurns, exec.LastRun().StopReason)
	assert.NoError(t, exec.LastRun().Err)
	client.AssertExpectations(t)
}

func TestExecutor_LoopDetected(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(
		call("c", "echo", map[string]interface{}{"text": "same"}), done(),
	))

	exec := newTestExecutor(client, newTestTools(t), 10)
	got := collect(t, exec.Run(context.Background(), "loop"))

	last := got[len(got)-1]
	assert.Equal(t, EventLoopDetected, last.Type)
	assert.Equal(t, 3, last.Turns)
	require.NotNil(t, last.Call)
	assert.Equal(t, "echo", last.Call.Name)
	assert.Equal(t, StopLoop, exec.LastRun().StopReason)
	client.AssertNumberOfCalls(t, "GenerateStream", 3)
}

func TestExecutor_TurnErrorIsTerminal(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(
		failingStream(agenterr.NewAuthError("mock", nil)),
	).Once()

	exec := newTestExecutor(client, nil, 0)
	got := collect(t, exec.Run(context.Background(), "hi"))

	last := got[len(got)-1]
	assert.Equal(t, EventExecutionError, last.Type)
	assert.Equal(t, agenterr.CodeLLMAuth, last.Code)
	assert.NotEmpty(t, last.Error)

	run := exec.LastRun()
	assert.Equal(t, StopError, run.StopReason)
	assert.Error(t, run.Err)
	assert.Equal(t, 0, run.CompletedTurns)
	// The user input is kept even though the turn failed
	assert.Len(t, exec.Items(), 1)
	client.AssertNumberOfCalls(t, "GenerateStream", 1)
}

func TestExecutor_InterruptCancelsRunningTurn(t *testing.T) {
	release := make(chan struct{})
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, itemCount(1)).Return(blockingStream(release,
		[]llm.StreamChunk{call("c1", "echo", map[string]interface{}{"text": "x"})},
		done(),
	)).Once()

	exec := newTestExecutor(client, newTestTools(t), 0)
	events := exec.Run(context.Background(), "hi")

	assert.Equal(t, EventLLMStreamStart, next(t, events).Type)
	assert.Equal(t, EventToolCallPending, next(t, events).Type)

	exec.Interrupt()
	close(release)

	got := collect(t, events)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, EventExecutionError, last.Type)
	assert.Equal(t, agenterr.CodeCancelled, last.Code)
	assert.Equal(t, StopCancelled, exec.LastRun().StopReason)
	assert.NotContains(t, eventTypes(got), EventToolCallStart)

	// A later run is not affected by the earlier interrupt
	client.On("GenerateStream", mock.Anything, itemCount(2)).Return(stream(content("back"), done())).Once()
	got = collect(t, exec.Run(context.Background(), "again"))
	assert.Equal(t, EventExecutionComplete, got[len(got)-1].Type)
}

func TestExecutor_InterruptWithoutRunIsHarmless(t *testing.T) {
	exec := newTestExecutor(&mockClient{}, nil, 0)
	assert.NotPanics(t, exec.Interrupt)
}

func TestExecutor_SeedsHistory(t *testing.T) {
	history := []session.Item{
		session.NewUserMessage("earlier"),
		session.NewAssistantMessage("reply"),
	}
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, itemCount(3)).Return(stream(content("ok"), done())).Once()

	exec := NewExecutor(ExecutorConfig{SessionID: "s1", Client: client, Logger: quietLogger()}, history)
	got := collect(t, exec.Run(context.Background(), "now"))

	assert.Equal(t, EventExecutionComplete, got[len(got)-1].Type)
	assert.Len(t, exec.Items(), 4)
	client.AssertExpectations(t)
}

func TestExecutor_RequestCarriesToolSpecs(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		names := make([]string, 0, len(req.Tools))
		for _, spec := range req.Tools {
			names = append(names, spec.Name)
		}
		return assert.ObjectsAreEqual([]string{"echo", "fail"}, names)
	})).Return(stream(done())).Once()

	exec := newTestExecutor(client, newTestTools(t), 0)
	collect(t, exec.Run(context.Background(), "hi"))
	client.AssertExpectations(t)
}
