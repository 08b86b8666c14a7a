package llm

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/session"
)

const (
	providerAnthropic      = "anthropic"
	defaultAnthropicModel  = "claude-sonnet-4-5"
	defaultAnthropicTokens = 4096
)

// AnthropicClient streams from the Anthropic Messages API
type AnthropicClient struct {
	base
	client    anthropic.Client
	maxTokens int
}

// NewAnthropicClient creates an Anthropic adapter. SDK-level retries are
// disabled so backoff is governed by the profile's retry options.
func NewAnthropicClient(profile Profile) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(profile.APIKey),
		option.WithMaxRetries(0),
	}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	if profile.Model == "" {
		profile.Model = defaultAnthropicModel
	}
	maxTokens := profile.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicTokens
	}

	c := &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
	}
	c.base = newBase(providerAnthropic, profile, classifyAnthropicError)
	return c
}

// Provider returns the provider name
func (c *AnthropicClient) Provider() string {
	return providerAnthropic
}

// GenerateStream streams a response as content, thinking and function_call chunks
// followed by a single done chunk
func (c *AnthropicClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return c.stream(ctx, func(ctx context.Context, emit func(StreamChunk) bool) error {
		params := c.buildParams(req)

		stream := c.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		usage := Usage{}
		calls := map[int64]*pendingCall{}

		for stream.Next() {
			event := stream.Current()

			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					calls[ev.Index] = &pendingCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" && !emit(StreamChunk{Type: ChunkContent, Text: delta.Text}) {
						return nil
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" && !emit(StreamChunk{Type: ChunkThinking, Text: delta.Thinking}) {
						return nil
					}
				case anthropic.InputJSONDelta:
					if call, ok := calls[ev.Index]; ok {
						call.args.WriteString(delta.PartialJSON)
					}
				}

			case anthropic.ContentBlockStopEvent:
				call, ok := calls[ev.Index]
				if !ok {
					continue
				}
				delete(calls, ev.Index)
				fc, err := call.finish(providerAnthropic)
				if err != nil {
					return err
				}
				if !emit(StreamChunk{Type: ChunkFunctionCall, Call: fc}) {
					return nil
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}

		emit(StreamChunk{Type: ChunkDone, Usage: &usage})
		return nil
	})
}

// GenerateContent collects the streamed response
func (c *AnthropicClient) GenerateContent(ctx context.Context, req Request) (*Response, error) {
	return Collect(c.GenerateStream(ctx, req))
}

// CountTokens estimates the prompt size locally
func (c *AnthropicClient) CountTokens(ctx context.Context, req Request) (int, error) {
	return EstimateTokens(req), nil
}

func (c *AnthropicClient) buildParams(req Request) anthropic.MessageNewParams {
	system, messages := toAnthropicMessages(req.Items)
	if req.SystemPrompt != "" {
		system = append([]string{req.SystemPrompt}, system...)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelFor(req)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	} else if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.Schema["properties"],
				},
			}
			toolParam.InputSchema.Required = requiredFields(spec.Schema)
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

// toAnthropicMessages groups the item log into alternating message params.
// Assistant text and the tool calls that follow it share one assistant message;
// consecutive tool results share one user message. System messages are returned separately.
func toAnthropicMessages(items []session.Item) ([]string, []anthropic.MessageParam) {
	var (
		system    []string
		messages  []anthropic.MessageParam
		assistant []anthropic.ContentBlockParamUnion
		results   []anthropic.ContentBlockParamUnion
	)

	flushAssistant := func() {
		if len(assistant) > 0 {
			messages = append(messages, anthropic.NewAssistantMessage(assistant...))
			assistant = nil
		}
	}
	flushResults := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, item := range items {
		switch it := item.(type) {
		case session.Message:
			switch it.Role {
			case session.RoleSystem:
				system = append(system, it.Content)
			case session.RoleAssistant:
				flushResults()
				if it.Content != "" {
					assistant = append(assistant, anthropic.NewTextBlock(it.Content))
				}
			default:
				flushAssistant()
				flushResults()
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(it.Content)))
			}
		case session.ToolCall:
			flushResults()
			args := it.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			assistant = append(assistant, anthropic.NewToolUseBlock(it.CallID, args, it.Name))
		case session.ToolResult:
			flushAssistant()
			content := it.Output
			if it.IsError() {
				content = it.Error
			}
			results = append(results, anthropic.NewToolResultBlock(it.CallID, content, it.IsError()))
		}
	}
	flushAssistant()
	flushResults()

	return system, messages
}

func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classifyStatus(providerAnthropic, apiErr.StatusCode, header, err)
	}
	return classifyStatus(providerAnthropic, 0, nil, err)
}

// pendingCall accumulates streamed tool-call arguments
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *pendingCall) finish(provider string) (*FunctionCall, error) {
	args := map[string]interface{}{}
	raw := strings.TrimSpace(p.args.String())
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, agenterr.NewInvalidResponseError(provider, "invalid arguments for tool "+p.name, err)
		}
	}
	return &FunctionCall{ID: p.id, Name: p.name, Args: args}, nil
}

func requiredFields(schema map[string]interface{}) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []interface{}:
		out := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
