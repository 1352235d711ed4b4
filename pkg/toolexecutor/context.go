package toolexecutor

import "context"

type scopeKey struct{}

// withScope hands execCtx to the handler of the call being executed.
func withScope(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, execCtx)
}

// Scope returns the profile, chat and working directory a handler runs for.
// Calls executed without an ExecutionContext get the zero value.
func Scope(ctx context.Context) ExecutionContext {
	if execCtx, ok := ctx.Value(scopeKey{}).(*ExecutionContext); ok {
		return *execCtx
	}
	return ExecutionContext{}
}
