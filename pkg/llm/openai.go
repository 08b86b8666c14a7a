package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	providerOpenAI     = "openai"
	defaultOpenAIModel = "gpt-4o"
)

// OpenAIClient streams from the OpenAI chat completions API
type OpenAIClient struct {
	base
	client    openai.Client
	maxTokens int
}

// NewOpenAIClient creates an OpenAI adapter
func NewOpenAIClient(profile Profile) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(profile.APIKey),
		option.WithMaxRetries(0),
	}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	if profile.Model == "" {
		profile.Model = defaultOpenAIModel
	}

	c := &OpenAIClient{
		client:    openai.NewClient(opts...),
		maxTokens: profile.MaxTokens,
	}
	c.base = newBase(providerOpenAI, profile, classifyOpenAIError)
	return c
}

// Provider returns the provider name
func (c *OpenAIClient) Provider() string {
	return providerOpenAI
}

// GenerateStream streams content deltas as they arrive. Tool calls are taken
// from the accumulated completion once the stream ends.
func (c *OpenAIClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return c.stream(ctx, func(ctx context.Context, emit func(StreamChunk) bool) error {
		params, err := c.buildParams(req)
		if err != nil {
			return err
		}

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !emit(StreamChunk{Type: ChunkContent, Text: text}) {
					return nil
				}
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}

		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				args := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return agenterr.NewInvalidResponseError(providerOpenAI, "invalid arguments for tool "+tc.Function.Name, err)
					}
				}
				call := &FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
				if !emit(StreamChunk{Type: ChunkFunctionCall, Call: call}) {
					return nil
				}
			}
		}

		emit(StreamChunk{Type: ChunkDone, Usage: &Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		}})
		return nil
	})
}

// GenerateContent collects the streamed response
func (c *OpenAIClient) GenerateContent(ctx context.Context, req Request) (*Response, error) {
	return Collect(c.GenerateStream(ctx, req))
}

// CountTokens estimates the prompt size locally
func (c *OpenAIClient) CountTokens(ctx context.Context, req Request) (int, error) {
	return EstimateTokens(req), nil
}

func (c *OpenAIClient) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages, err := toOpenAIMessages(req.SystemPrompt, req.Items)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.modelFor(req)),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.Schema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

// toOpenAIMessages converts the item log. Assistant text and its following
// tool calls are merged into one assistant message.
func toOpenAIMessages(systemPrompt string, items []session.Item) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}

	var pending *openai.ChatCompletionMessage
	flush := func() {
		if pending == nil {
			return
		}
		if len(pending.ToolCalls) == 0 {
			messages = append(messages, openai.AssistantMessage(pending.Content))
		} else {
			messages = append(messages, pending.ToParam())
		}
		pending = nil
	}

	for _, item := range items {
		switch it := item.(type) {
		case session.Message:
			switch it.Role {
			case session.RoleAssistant:
				flush()
				pending = &openai.ChatCompletionMessage{Role: "assistant", Content: it.Content}
			case session.RoleSystem:
				flush()
				messages = append(messages, openai.SystemMessage(it.Content))
			default:
				flush()
				messages = append(messages, openai.UserMessage(it.Content))
			}
		case session.ToolCall:
			argsJSON, err := json.Marshal(it.Args)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
			}
			if pending == nil {
				pending = &openai.ChatCompletionMessage{Role: "assistant"}
			}
			pending.ToolCalls = append(pending.ToolCalls, openai.ChatCompletionMessageToolCall{
				ID:   it.CallID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      it.Name,
					Arguments: string(argsJSON),
				},
			})
		case session.ToolResult:
			flush()
			content := it.Output
			if it.IsError() {
				content = "error: " + it.Error
			}
			messages = append(messages, openai.ToolMessage(content, it.CallID))
		}
	}
	flush()

	return messages, nil
}

func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classifyStatus(providerOpenAI, apiErr.StatusCode, header, err)
	}
	return classifyStatus(providerOpenAI, 0, nil, err)
}
