// Package toolexecutor registers and executes the structured tools a model can
// call during a send.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - A tool blocked by the execution policy never runs.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Options{})
//	_ = toolexecutor.RegisterBuiltins(exec, toolexecutor.BuiltinOptions{Runner: runner})
//	res := exec.Execute(ctx, "web_get", map[string]interface{}{"url": u}, nil)
package toolexecutor
