// Package toolexecutor registers tools and executes single tool calls for a turn.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before the handler runs.
// - Every call runs under its own deadline; exceeding it yields a tool_timeout ToolError.
// - The registry is safe for concurrent use across sessions.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	res, err := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, &toolexecutor.ExecutionContext{CallID: "c1"})
package toolexecutor
