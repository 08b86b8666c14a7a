package agent

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) GenerateStream(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamChunk, error] {
	args := m.Called(ctx, req)
	return args.Get(0).(iter.Seq2[llm.StreamChunk, error])
}

func (m *mockClient) GenerateContent(ctx context.Context, req llm.Request) (*llm.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}

func (m *mockClient) CountTokens(ctx context.Context, req llm.Request) (int, error) {
	args := m.Called(ctx, req)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) Provider() string { return "mock" }

func stream(chunks ...llm.StreamChunk) iter.Seq2[llm.StreamChunk, error] {
	return func(yield func(llm.StreamChunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func failingStream(err error, chunks ...llm.StreamChunk) iter.Seq2[llm.StreamChunk, error] {
	return func(yield func(llm.StreamChunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		yield(llm.StreamChunk{}, err)
	}
}

// blockingStream yields first, then waits for release before yielding rest
func blockingStream(release <-chan struct{}, first []llm.StreamChunk, rest ...llm.StreamChunk) iter.Seq2[llm.StreamChunk, error] {
	return func(yield func(llm.StreamChunk, error) bool) {
		for _, c := range first {
			if !yield(c, nil) {
				return
			}
		}
		<-release
		for _, c := range rest {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func content(text string) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkContent, Text: text}
}

func thinking(text string) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkThinking, Text: text}
}

func call(id, name string, args map[string]interface{}) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkFunctionCall, Call: &llm.FunctionCall{ID: id, Name: name, Args: args}}
}

func done() llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkDone, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}}
}

func quietLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// newTestTools registers "echo" (returns its text param) and "fail" (always errors)
func newTestTools(t *testing.T) *toolexecutor.ToolExecutor {
	t.Helper()

	te := toolexecutor.NewWithConfig(toolexecutor.Config{DefaultTimeout: time.Second, Logger: quietLogger()})
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echoes its input",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}))
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("tool exploded")
		},
	}))
	return te
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()

	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %v", eventTypes(out))
			return out
		}
	}
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
