package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/retry"
	"github.com/harun/orbit/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleepRetry(attempts int) retry.Options {
	opts := retry.DefaultOptions()
	opts.MaxAttempts = attempts
	opts.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return opts
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		fmt.Fprint(w, e)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func anthropicEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

var anthropicToolStream = []string{
	anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}`),
	anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
	anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`),
	anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"click."}}`),
	anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
	anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"click","input":{}}}`),
	anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":1,"}}`),
	anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"y\":2}"}}`),
	anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
	anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":7}}`),
	anthropicEvent("message_stop", `{"type":"message_stop"}`),
}

func TestAnthropicClient_GenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		writeSSE(w, anthropicToolStream...)
	}))
	defer server.Close()

	client := NewAnthropicClient(Profile{APIKey: "test", BaseURL: server.URL, Retry: noSleepRetry(1)})

	var types []ChunkType
	var text strings.Builder
	var call *FunctionCall
	var usage *Usage
	for chunk, err := range client.GenerateStream(context.Background(), Request{Items: []session.Item{session.NewUserMessage("click it")}}) {
		require.NoError(t, err)
		types = append(types, chunk.Type)
		switch chunk.Type {
		case ChunkContent:
			text.WriteString(chunk.Text)
		case ChunkFunctionCall:
			call = chunk.Call
		case ChunkDone:
			usage = chunk.Usage
		}
	}

	assert.Equal(t, []ChunkType{ChunkContent, ChunkContent, ChunkFunctionCall, ChunkDone}, types)
	assert.Equal(t, "Let me click.", text.String())
	require.NotNil(t, call)
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "click", call.Name)
	assert.Equal(t, map[string]interface{}{"x": float64(1), "y": float64(2)}, call.Args)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)
}

func TestAnthropicClient_GenerateContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, anthropicToolStream...)
	}))
	defer server.Close()

	client := NewAnthropicClient(Profile{APIKey: "test", BaseURL: server.URL, Retry: noSleepRetry(1)})
	resp, err := client.GenerateContent(context.Background(), Request{Items: []session.Item{session.NewUserMessage("hi")}})
	require.NoError(t, err)

	assert.Equal(t, "Let me click.", resp.Content)
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "click", resp.Calls[0].Name)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
}

func TestAnthropicClient_AuthErrorIsNotRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	client := NewAnthropicClient(Profile{APIKey: "bad", BaseURL: server.URL, Retry: noSleepRetry(3)})
	_, err := client.GenerateContent(context.Background(), Request{Items: []session.Item{session.NewUserMessage("hi")}})
	require.Error(t, err)

	assert.Equal(t, agenterr.CodeLLMAuth, agenterr.CodeOf(err))
	assert.False(t, agenterr.IsRecoverable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestAnthropicClient_RateLimitIsRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("retry-after", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		writeSSE(w, anthropicToolStream...)
	}))
	defer server.Close()

	var delays []time.Duration
	opts := noSleepRetry(3)
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	client := NewAnthropicClient(Profile{APIKey: "test", BaseURL: server.URL, Retry: opts})
	resp, err := client.GenerateContent(context.Background(), Request{Items: []session.Item{session.NewUserMessage("hi")}})
	require.NoError(t, err)

	assert.Equal(t, "Let me click.", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestToAnthropicMessages_GroupsItems(t *testing.T) {
	items := []session.Item{
		session.NewSystemMessage("be brief"),
		session.NewUserMessage("open the page"),
		session.NewAssistantMessage("Opening."),
		session.NewToolCall("c1", "navigate", map[string]interface{}{"url": "https://example.com"}),
		session.NewToolCall("c2", "click", nil),
		session.NewToolResult("c1", "navigate", "ok", nil),
		session.NewToolResult("c2", "click", "", errors.New("not found")),
		session.NewAssistantMessage("Done."),
	}

	system, messages := toAnthropicMessages(items)

	assert.Equal(t, []string{"be brief"}, system)
	require.Len(t, messages, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	assert.Len(t, messages[1].Content, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[2].Role)
	assert.Len(t, messages[2].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[3].Role)
}

func openAIChunk(delta string, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = `"` + finish + `"`
	}
	return `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":` + delta + `,"finish_reason":` + finishJSON + `}]}` + "\n\n"
}

func TestOpenAIClient_GenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		writeSSE(w,
			openAIChunk(`{"role":"assistant","content":"Hel"}`, ""),
			openAIChunk(`{"content":"lo"}`, ""),
			openAIChunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"click","arguments":"{\"x\":"}}]}`, ""),
			openAIChunk(`{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}`, ""),
			openAIChunk(`{}`, "tool_calls"),
			"data: [DONE]\n\n",
		)
	}))
	defer server.Close()

	client := NewOpenAIClient(Profile{APIKey: "test", BaseURL: server.URL, Retry: noSleepRetry(1)})
	resp, err := client.GenerateContent(context.Background(), Request{Items: []session.Item{session.NewUserMessage("hi")}})
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Content)
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "call_1", resp.Calls[0].ID)
	assert.Equal(t, "click", resp.Calls[0].Name)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, resp.Calls[0].Args)
}

func TestToOpenAIMessages_MergesToolCalls(t *testing.T) {
	items := []session.Item{
		session.NewUserMessage("hi"),
		session.NewAssistantMessage("checking"),
		session.NewToolCall("c1", "lookup", map[string]interface{}{"q": "x"}),
		session.NewToolResult("c1", "lookup", "found", nil),
	}

	messages, err := toOpenAIMessages("system", items)
	require.NoError(t, err)
	assert.Len(t, messages, 4)
}

func TestStream_FailureAfterFirstChunkIsNotRetried(t *testing.T) {
	b := newBase("fake", Profile{Retry: noSleepRetry(3)}, func(err error) error {
		return classifyStatus("fake", 0, nil, err)
	})

	attempts := 0
	seq := b.stream(context.Background(), func(ctx context.Context, emit func(StreamChunk) bool) error {
		attempts++
		emit(StreamChunk{Type: ChunkContent, Text: "partial"})
		return errors.New("connection reset")
	})

	var got []StreamChunk
	var streamErr error
	for chunk, err := range seq {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, chunk)
	}

	assert.Equal(t, 1, attempts)
	assert.Len(t, got, 1)
	require.Error(t, streamErr)
	assert.Equal(t, agenterr.CodeLLMStream, agenterr.CodeOf(streamErr))
}

func TestStream_FailureBeforeFirstChunkIsRetried(t *testing.T) {
	b := newBase("fake", Profile{Retry: noSleepRetry(3)}, func(err error) error {
		return classifyStatus("fake", 0, nil, err)
	})

	attempts := 0
	resp, err := Collect(b.stream(context.Background(), func(ctx context.Context, emit func(StreamChunk) bool) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		emit(StreamChunk{Type: ChunkContent, Text: "ok"})
		emit(StreamChunk{Type: ChunkDone, Usage: &Usage{OutputTokens: 1}})
		return nil
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", resp.Content)
}

func TestStream_ConsumerStopEndsQuietly(t *testing.T) {
	b := newBase("fake", Profile{Retry: noSleepRetry(1)}, func(err error) error { return err })

	emitted := 0
	seq := b.stream(context.Background(), func(ctx context.Context, emit func(StreamChunk) bool) error {
		for i := 0; i < 10; i++ {
			emitted++
			if !emit(StreamChunk{Type: ChunkContent, Text: "x"}) {
				return nil
			}
		}
		return nil
	})

	for range seq {
		break
	}
	assert.Equal(t, 1, emitted)
}

func TestClassifyStatus(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		status      int
		code        agenterr.Code
		recoverable bool
	}{
		{http.StatusUnauthorized, agenterr.CodeLLMAuth, false},
		{http.StatusForbidden, agenterr.CodeLLMAuth, false},
		{http.StatusTooManyRequests, agenterr.CodeLLMRateLimit, true},
		{http.StatusRequestTimeout, agenterr.CodeLLMTimeout, true},
		{http.StatusGatewayTimeout, agenterr.CodeLLMTimeout, true},
		{http.StatusBadRequest, agenterr.CodeLLMInvalidResponse, false},
		{http.StatusUnprocessableEntity, agenterr.CodeLLMInvalidResponse, false},
		{http.StatusInternalServerError, agenterr.CodeLLMStream, true},
		{529, agenterr.CodeLLMStream, true},
		{http.StatusNotFound, agenterr.CodeLLMGeneric, false},
		{0, agenterr.CodeLLMStream, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := classifyStatus("test", tt.status, nil, cause)
			assert.Equal(t, tt.code, agenterr.CodeOf(err))
			assert.Equal(t, tt.recoverable, agenterr.IsRecoverable(err))
			assert.ErrorIs(t, err, cause)
		})
	}

	t.Run("deadline", func(t *testing.T) {
		err := classifyStatus("test", 0, nil, context.DeadlineExceeded)
		assert.Equal(t, agenterr.CodeLLMTimeout, agenterr.CodeOf(err))
	})

	t.Run("cancelled passes through", func(t *testing.T) {
		err := classifyStatus("test", 0, nil, context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, agenterr.IsRecoverable(err))
	})
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), parseRetryAfter(nil))
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))

	h.Set("retry-after", "3")
	assert.Equal(t, 3*time.Second, parseRetryAfter(h))

	h.Set("retry-after-ms", "250")
	assert.Equal(t, 250*time.Millisecond, parseRetryAfter(h))

	future := http.Header{}
	future.Set("retry-after", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	assert.Greater(t, parseRetryAfter(future), 50*time.Second)
}

func TestCollect_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func(StreamChunk, error) bool) {
		if !yield(StreamChunk{Type: ChunkContent, Text: "a"}, nil) {
			return
		}
		yield(StreamChunk{}, boom)
	}

	_, err := Collect(seq)
	assert.ErrorIs(t, err, boom)
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		SystemPrompt: "abcd",
		Items:        []session.Item{session.NewUserMessage("abcdefgh")},
	}
	assert.Equal(t, 3, EstimateTokens(req))
	assert.Equal(t, 0, EstimateTokens(Request{}))
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(Profile{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Provider())

	c, err = NewClient(Profile{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider())

	_, err = NewClient(Profile{Provider: "gemini"})
	assert.Error(t, err)
}
