// Package agent drives multi-turn model conversations with tool calls.
//
// Invariants:
// - A Turn is single use. Its events are emitted in order: stream start, deltas and
//   pending tool calls as produced, stream end, tool calls in request order, turn complete.
// - Tool calls within a turn run sequentially; a failing tool does not stop its siblings.
// - Turn cleanups run exactly once on every exit path.
// - An Executor run ends with exactly one terminal event: execution_complete,
//   max_turns_reached, loop_detected or execution_error.
// - Runs against the same session id are serialized through a commandqueue lane.
//
// Usage:
//
//	a, _ := agent.New(agent.Config{Client: client, Tools: tools})
//	for ev := range a.Execute(ctx, "hello") {
//		fmt.Println(ev.Type, ev.Text)
//	}
package agent
