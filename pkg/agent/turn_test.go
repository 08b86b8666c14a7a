package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/session"
	"github.com/harun/orbit/pkg/streambuf"
	"github.com/harun/orbit/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestTurn(client llm.Client, tools ToolRegistry, buf streambuf.Config) *Turn {
	return NewTurn(TurnConfig{
		SessionID:    "s1",
		Client:       client,
		Request:      llm.Request{Items: []session.Item{session.NewUserMessage("hi")}},
		Tools:        tools,
		StreamBuffer: buf,
		Logger:       quietLogger(),
	})
}

func TestTurn_ToolCallsRunInRequestOrder(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(
		call("c1", "echo", map[string]interface{}{"text": "one"}),
		call("c2", "fail", nil),
		done(),
	)).Once()

	turn := newTestTurn(client, newTestTools(t), streambuf.Config{})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []EventType{
		EventLLMStreamStart,
		EventToolCallPending,
		EventToolCallPending,
		EventLLMStreamEnd,
		EventToolCallStart,
		EventToolCallComplete,
		EventToolCallStart,
		EventToolCallError,
		EventTurnComplete,
	}, eventTypes(got))

	assert.Equal(t, "c1", got[4].Call.ID)
	assert.Equal(t, "one", got[5].Output)
	assert.Equal(t, "c2", got[6].Call.ID)
	assert.Equal(t, agenterr.CodeToolExecution, got[7].Code)
	assert.Contains(t, got[7].Error, "tool exploded")
	assert.True(t, got[8].ShouldContinue)
	assert.Equal(t, 5, got[8].Usage.OutputTokens)

	assert.Equal(t, StateCompleted, turn.State())
	assert.NoError(t, turn.Err())

	result := turn.Result()
	require.NotNil(t, result)
	assert.True(t, result.ShouldContinue)
	require.Len(t, result.Results, 2)
	assert.False(t, result.Results[0].IsError())
	assert.True(t, result.Results[1].IsError())

	// No assistant text, so the items are the two calls followed by their results
	require.Len(t, result.Items, 4)
	assert.Equal(t, session.ItemTypeToolCall, result.Items[0].Type())
	assert.Equal(t, session.ItemTypeToolCall, result.Items[1].Type())
	assert.Equal(t, session.ItemTypeToolResult, result.Items[2].Type())
	assert.Equal(t, session.ItemTypeToolResult, result.Items[3].Type())
	client.AssertExpectations(t)
}

func TestTurn_ContentWithoutCallsDoesNotContinue(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(
		content("He"), content("llo"), done(),
	)).Once()

	turn := newTestTurn(client, nil, streambuf.Config{Delay: time.Second})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	got := collect(t, events)

	require.Equal(t, []EventType{
		EventLLMStreamStart,
		EventContentDelta,
		EventLLMStreamEnd,
		EventTurnComplete,
	}, eventTypes(got))
	assert.Equal(t, "Hello", got[1].Text)
	assert.False(t, got[3].ShouldContinue)

	result := turn.Result()
	require.NotNil(t, result)
	assert.Equal(t, "Hello", result.Content)
	require.Len(t, result.Items, 1)
	msg, ok := result.Items[0].(session.Message)
	require.True(t, ok)
	assert.Equal(t, session.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello", msg.Content)
}

func TestTurn_SwitchingDeltaKindFlushes(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(
		thinking("a"), thinking("b"), content("c"), thinking("d"), done(),
	)).Once()

	turn := newTestTurn(client, nil, streambuf.Config{Delay: time.Second})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	got := collect(t, events)

	require.Equal(t, []EventType{
		EventLLMStreamStart,
		EventThinkingDelta,
		EventContentDelta,
		EventThinkingDelta,
		EventLLMStreamEnd,
		EventTurnComplete,
	}, eventTypes(got))
	assert.Equal(t, "ab", got[1].Text)
	assert.Equal(t, "c", got[2].Text)
	assert.Equal(t, "d", got[3].Text)
	assert.Equal(t, "abd", turn.Result().Thinking)
}

func TestTurn_TimerFlushPrecedesStreamEnd(t *testing.T) {
	release := make(chan struct{})
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(
		blockingStream(release, []llm.StreamChunk{content("Hi")}, done()),
	).Once()

	turn := newTestTurn(client, nil, streambuf.Config{Delay: 10 * time.Millisecond})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, EventLLMStreamStart, next(t, events).Type)
	delta := next(t, events)
	assert.Equal(t, EventContentDelta, delta.Type)
	assert.Equal(t, "Hi", delta.Text)

	close(release)
	rest := collect(t, events)
	assert.Equal(t, []EventType{EventLLMStreamEnd, EventTurnComplete}, eventTypes(rest))
}

func TestTurn_ExecuteTwice(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(done())).Once()

	turn := newTestTurn(client, nil, streambuf.Config{})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	collect(t, events)

	_, err = turn.Execute(context.Background())
	assert.ErrorIs(t, err, ErrTurnAlreadyStarted)
}

func TestTurn_StreamErrorFails(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(
		failingStream(agenterr.NewAuthError("mock", nil), content("partial")),
	).Once()

	turn := newTestTurn(client, nil, streambuf.Config{Delay: time.Second})
	var cleanups int32
	turn.OnCleanup(func() { atomic.AddInt32(&cleanups, 1) })

	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	got := collect(t, events)

	// Unflushed content is discarded with the buffers
	assert.Equal(t, []EventType{EventLLMStreamStart}, eventTypes(got))
	assert.Equal(t, StateFailed, turn.State())
	assert.Equal(t, agenterr.CodeLLMAuth, agenterr.CodeOf(turn.Err()))
	assert.Nil(t, turn.Result())
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleanups))
}

func TestTurn_CancelBetweenStreamUnits(t *testing.T) {
	release := make(chan struct{})
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(blockingStream(release,
		[]llm.StreamChunk{call("c1", "counted", nil)},
		content("never seen"), done(),
	)).Once()

	var toolRuns int32
	te := toolexecutor.NewWithConfig(toolexecutor.Config{Logger: quietLogger()})
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "counted",
		Description: "Counts invocations",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&toolRuns, 1)
			return "ok", nil
		},
	}))

	turn := newTestTurn(client, te, streambuf.Config{})
	var cleanups int32
	turn.OnCleanup(func() { atomic.AddInt32(&cleanups, 1) })

	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventLLMStreamStart, next(t, events).Type)
	assert.Equal(t, EventToolCallPending, next(t, events).Type)

	turn.Cancel()
	assert.Equal(t, StateCancelled, turn.State())
	close(release)

	assert.Empty(t, collect(t, events))
	assert.Equal(t, StateCancelled, turn.State())
	assert.True(t, agenterr.IsCancelled(turn.Err()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&toolRuns))
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleanups))
}

func TestTurn_CancelBeforeExecute(t *testing.T) {
	client := &mockClient{}
	turn := newTestTurn(client, nil, streambuf.Config{})
	turn.Cancel()

	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, collect(t, events))
	assert.Equal(t, StateCancelled, turn.State())
	assert.True(t, agenterr.IsCancelled(turn.Err()))
	client.AssertNotCalled(t, "GenerateStream", mock.Anything, mock.Anything)
}

func TestTurn_CancelAfterCompletionIsNoop(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(content("ok"), done())).Once()

	turn := newTestTurn(client, nil, streambuf.Config{})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	collect(t, events)

	turn.Cancel()
	assert.Equal(t, StateCompleted, turn.State())
	assert.NoError(t, turn.Err())
	assert.NotNil(t, turn.Result())
}

func TestTurn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(failingStream(context.Canceled)).Once()

	turn := newTestTurn(client, nil, streambuf.Config{})
	cancel()
	events, err := turn.Execute(ctx)
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, StateCancelled, turn.State())
	assert.True(t, agenterr.IsCancelled(turn.Err()))
}

func TestTurn_OnCleanupAfterEndRunsImmediately(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(done())).Once()

	turn := newTestTurn(client, nil, streambuf.Config{})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	collect(t, events)

	ran := false
	turn.OnCleanup(func() { ran = true })
	assert.True(t, ran)
}

func TestTurn_PanickingCleanupDoesNotSkipOthers(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(done())).Once()

	turn := newTestTurn(client, nil, streambuf.Config{})
	var ran int32
	turn.OnCleanup(func() { panic("cleanup bug") })
	turn.OnCleanup(func() { atomic.AddInt32(&ran, 1) })

	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	collect(t, events)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestTurn_MissingRegistryYieldsToolError(t *testing.T) {
	client := &mockClient{}
	client.On("GenerateStream", mock.Anything, mock.Anything).Return(stream(call("c1", "echo", nil), done())).Once()

	turn := newTestTurn(client, nil, streambuf.Config{})
	events, err := turn.Execute(context.Background())
	require.NoError(t, err)
	got := collect(t, events)

	types := eventTypes(got)
	assert.Contains(t, types, EventToolCallError)
	assert.Equal(t, EventTurnComplete, types[len(types)-1])
}
