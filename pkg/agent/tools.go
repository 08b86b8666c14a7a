package agent

import (
	"context"
	"errors"

	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/toolexecutor"
)

// ToolRegistry is the tool dispatch surface a turn depends on.
// *toolexecutor.ToolExecutor satisfies it.
type ToolRegistry interface {
	Execute(ctx context.Context, name string, params map[string]interface{}, execCtx *toolexecutor.ExecutionContext) (*toolexecutor.Result, error)
	ListTools() []string
	GetTool(name string) *toolexecutor.ToolDefinition
	Schema(name string) (map[string]interface{}, bool)
}

var errNoRegistry = errors.New("no tool registry configured")

// toolSpecs lists the tools offered to the model, filtered by policy
func toolSpecs(registry ToolRegistry, policy *toolexecutor.ToolPolicy) []llm.ToolSpec {
	if registry == nil {
		return nil
	}

	var specs []llm.ToolSpec
	for _, name := range registry.ListTools() {
		if policy != nil && !policy.IsToolAllowed(name) {
			continue
		}
		def := registry.GetTool(name)
		if def == nil {
			continue
		}
		schema, _ := registry.Schema(name)
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      schema,
		})
	}
	return specs
}

func executeTool(ctx context.Context, registry ToolRegistry, call llm.FunctionCall, execCtx *toolexecutor.ExecutionContext) (*toolexecutor.Result, error) {
	if registry == nil {
		return nil, agenterr.NewToolError(call.Name, errNoRegistry)
	}
	return registry.Execute(ctx, call.Name, call.Args, execCtx)
}
