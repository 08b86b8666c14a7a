package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agenterr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout applies when neither the executor nor the call sets one
	DefaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrInvalidParams = errors.New("parameter validation failed")
	ErrToolDenied    = errors.New("tool not allowed by policy")
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Timeout     time.Duration   `json:"timeout,omitempty"` // per-tool override
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Result is the outcome of a successful call
type Result struct {
	CallID    string        `json:"callId"`
	Tool      string        `json:"tool"`
	Output    string        `json:"output"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Config configures a ToolExecutor
type Config struct {
	DefaultTimeout time.Duration
	Logger         *zerolog.Logger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	raw     map[string]map[string]interface{}
	mu      sync.RWMutex

	stats   map[string]*Stats
	statsMu sync.Mutex

	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// New creates a new ToolExecutor with default settings
func New() *ToolExecutor {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a new ToolExecutor
func NewWithConfig(cfg Config) *ToolExecutor {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}

	return &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		raw:            make(map[string]map[string]interface{}),
		stats:          make(map[string]*Stats),
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger.With().Str("component", "toolexecutor").Logger(),
	}
}

// RegisterTool registers a new tool, replacing any tool with the same name
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	raw := generateJSONSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.raw[def.Name] = raw

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.raw, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every tool definition, sorted by name
func (te *ToolExecutor) Definitions() []ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(te.tools))
	for _, def := range te.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Schema returns the JSON schema of a tool's parameters
func (te *ToolExecutor) Schema(name string) (map[string]interface{}, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	raw, ok := te.raw[name]
	return raw, ok
}

// Execute runs one tool call. Failures are *agenterr.ToolError, except that
// cancellation of ctx by the caller yields *agenterr.CancelledError.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) (*Result, error) {
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tool.execute",
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", execCtx.CallID),
		attribute.String("session.id", execCtx.SessionID),
	)
	defer span.End()

	logger := te.logger.With().
		Str("tool", toolName).
		Str("callId", execCtx.CallID).
		Str("turnId", execCtx.TurnID).
		Str("sessionId", execCtx.SessionID).
		Logger()

	if !execCtx.Policy.IsToolAllowed(toolName) {
		err := agenterr.NewToolError(toolName, fmt.Errorf("%w: %s", ErrToolDenied, toolName))
		logger.Warn().Msg("Tool execution blocked by policy")
		tracing.RecordError(span, err)
		return nil, err
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		err := agenterr.NewToolError(toolName, fmt.Errorf("%w: %s", ErrToolNotFound, toolName))
		logger.Error().Msg("Tool not found")
		tracing.RecordError(span, err)
		return nil, err
	}

	if err := validateParameters(schema, params); err != nil {
		terr := agenterr.NewToolError(toolName, fmt.Errorf("%w: %v", ErrInvalidParams, err))
		logger.Error().Err(err).Msg("Parameter validation failed")
		te.record(toolName, 0, terr, false)
		tracing.RecordError(span, terr)
		return nil, terr
	}

	timeout := te.defaultTimeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	if execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	start := time.Now()
	output, err := te.run(ctx, tool, params, execCtx, timeout)
	duration := time.Since(start)

	_, timedOut := asToolTimeout(err)
	te.record(toolName, duration, err, timedOut)
	observability.RecordToolExecution(toolName, duration, err == nil)

	if err != nil {
		if agenterr.IsCancelled(err) {
			logger.Debug().Dur("duration", duration).Msg("Tool execution cancelled")
		} else {
			logger.Error().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		}
		observability.RecordToolAudit(ctx, toolName, execCtx.SessionID, "failure", map[string]interface{}{
			"callId": execCtx.CallID,
			"error":  err.Error(),
		})
		tracing.RecordError(span, err)
		return nil, err
	}

	text, truncated := truncateOutput(output)
	if truncated {
		logger.Warn().Int("limit", maxOutputSize).Msg("Tool output truncated")
	}

	logger.Debug().Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
	observability.RecordToolAudit(ctx, toolName, execCtx.SessionID, "success", map[string]interface{}{
		"callId":   execCtx.CallID,
		"duration": duration.Milliseconds(),
	})

	return &Result{
		CallID:    execCtx.CallID,
		Tool:      toolName,
		Output:    text,
		Truncated: truncated,
		Duration:  duration,
	}, nil
}

func (te *ToolExecutor) run(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, execCtx *ExecutionContext, timeout time.Duration) (interface{}, error) {
	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := tool.Handler(timeoutCtx, params)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
				return nil, agenterr.NewCancelledError(execCtx.TurnID, ctx.Err())
			}
			if errors.Is(res.err, context.DeadlineExceeded) && timeoutCtx.Err() == context.DeadlineExceeded {
				return nil, agenterr.NewToolTimeoutError(tool.Name, timeout)
			}
			return nil, agenterr.NewToolError(tool.Name, res.err)
		}
		return res.value, nil

	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, agenterr.NewCancelledError(execCtx.TurnID, err)
		}
		return nil, agenterr.NewToolTimeoutError(tool.Name, timeout)
	}
}

func asToolTimeout(err error) (*agenterr.ToolError, bool) {
	var te *agenterr.ToolError
	if errors.As(err, &te) && te.Code == agenterr.CodeToolTimeout {
		return te, true
	}
	return nil, false
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.ContainsAny(def.Name, " \t\n") {
		return fmt.Errorf("tool name %q cannot contain whitespace", def.Name)
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema builds the object schema for a tool's parameters
func generateJSONSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, e := range param.Enum {
				enum[i] = e
			}
			paramSchema["enum"] = enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	return nil
}

// truncateOutput renders output as text and caps it at maxOutputSize bytes
func truncateOutput(output interface{}) (string, bool) {
	var str string
	switch v := output.(type) {
	case nil:
		str = ""
	case string:
		str = v
	case []byte:
		str = string(v)
	case fmt.Stringer:
		str = v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(data)
		}
	}

	if len(str) <= maxOutputSize {
		return str, false
	}
	cut := maxOutputSize
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut] + "\n... [output truncated]", true
}
