// Package llm adapts streaming language-model APIs to the chunk sequence
// consumed by agent turns.
package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/retry"
	"github.com/harun/orbit/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is the hard deadline applied to every model request
const DefaultTimeout = 30 * time.Second

// ChunkType discriminates stream chunks
type ChunkType string

const (
	ChunkContent      ChunkType = "content"
	ChunkThinking     ChunkType = "thinking"
	ChunkFunctionCall ChunkType = "function_call"
	ChunkDone         ChunkType = "done"
)

// FunctionCall is a tool invocation requested by the model
type FunctionCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Usage reports token accounting for one request
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// StreamChunk is one unit of a streamed model response
type StreamChunk struct {
	Type  ChunkType     `json:"type"`
	Text  string        `json:"text,omitempty"`
	Call  *FunctionCall `json:"call,omitempty"`
	Usage *Usage        `json:"usage,omitempty"`
}

// ToolSpec describes a tool offered to the model. Schema is a JSON schema object.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema"`
}

// Request is a single generation request
type Request struct {
	Model        string
	SystemPrompt string
	Items        []session.Item
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int

	// ThinkingBudget enables extended thinking where the provider supports it
	ThinkingBudget int
}

// Response is a fully collected model response
type Response struct {
	Content  string
	Thinking string
	Calls    []FunctionCall
	Usage    Usage
}

// Client is a language-model backend
type Client interface {
	GenerateStream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error]
	GenerateContent(ctx context.Context, req Request) (*Response, error)
	CountTokens(ctx context.Context, req Request) (int, error)
	Provider() string
}

// Profile configures a concrete client
type Profile struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
	Retry     retry.Options
	Logger    *zerolog.Logger
}

// NewClient selects the adapter for profile.Provider
func NewClient(profile Profile) (Client, error) {
	switch strings.ToLower(profile.Provider) {
	case "anthropic", "claude", "":
		return NewAnthropicClient(profile), nil
	case "openai":
		return NewOpenAIClient(profile), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", profile.Provider)
	}
}

// Collect drains a stream into a Response
func Collect(seq iter.Seq2[StreamChunk, error]) (*Response, error) {
	resp := &Response{}
	var content, thinking strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return nil, err
		}
		switch chunk.Type {
		case ChunkContent:
			content.WriteString(chunk.Text)
		case ChunkThinking:
			thinking.WriteString(chunk.Text)
		case ChunkFunctionCall:
			if chunk.Call != nil {
				resp.Calls = append(resp.Calls, *chunk.Call)
			}
		case ChunkDone:
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
	resp.Content = content.String()
	resp.Thinking = thinking.String()
	return resp, nil
}

// EstimateTokens approximates the prompt size at four characters per token
func EstimateTokens(req Request) int {
	chars := len(req.SystemPrompt)
	for _, item := range req.Items {
		switch it := item.(type) {
		case session.Message:
			chars += len(it.Content)
		case session.ToolCall:
			chars += len(it.Name) + len(fmt.Sprint(it.Args))
		case session.ToolResult:
			chars += len(it.Output) + len(it.Error)
		}
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + len(fmt.Sprint(tool.Schema))
	}
	return (chars + 3) / 4
}

// streamRunner performs one attempt, emitting chunks as they arrive.
// It returns false from emit when the consumer stopped reading.
type streamRunner func(ctx context.Context, emit func(StreamChunk) bool) error

// base holds what every adapter shares: deadline, retry policy, metrics and logging
type base struct {
	provider string
	model    string
	timeout  time.Duration
	retry    retry.Options
	logger   zerolog.Logger
	classify func(error) error
}

func newBase(provider string, profile Profile, classify func(error) error) base {
	logger := log.Logger
	if profile.Logger != nil {
		logger = *profile.Logger
	}
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := profile.Retry
	if opts.MaxAttempts == 0 {
		opts = retry.DefaultOptions()
	}
	return base{
		provider: provider,
		model:    profile.Model,
		timeout:  timeout,
		retry:    opts,
		logger:   logger.With().Str("component", "llm").Str("provider", provider).Logger(),
		classify: classify,
	}
}

// stream runs attempts under the retry policy. Failures are only retried
// while nothing has been yielded; afterwards they surface as stream errors.
func (b *base) stream(ctx context.Context, run streamRunner) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		start := time.Now()
		emitted := false
		stopped := false

		emit := func(chunk StreamChunk) bool {
			emitted = true
			if !yield(chunk, nil) {
				stopped = true
				return false
			}
			return true
		}

		opts := b.retry
		shouldRetry := opts.ShouldRetry
		if shouldRetry == nil {
			shouldRetry = agenterr.IsRecoverable
		}
		opts.ShouldRetry = func(err error) bool {
			return !emitted && !stopped && shouldRetry(err)
		}
		opts.OnRetry = func(attempt int, delay time.Duration, err error) {
			observability.RecordLLMRetry(b.provider)
			b.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying model request")
		}

		err := retry.Do(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()
			return b.classify(run(attemptCtx, emit))
		}, opts)

		if err != nil && emitted && !stopped && !agenterr.IsCancelled(err) && agenterr.CodeOf(err) == agenterr.CodeInternal {
			err = agenterr.NewStreamError(b.provider, err)
		}

		code := "ok"
		if err != nil {
			code = string(agenterr.CodeOf(err))
		}
		observability.RecordLLMRequest(b.provider, code, time.Since(start))

		if err != nil && !stopped {
			b.logger.Error().Err(err).Str("code", code).Msg("Model request failed")
			yield(StreamChunk{}, err)
		}
	}
}

func (b *base) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return b.model
}
