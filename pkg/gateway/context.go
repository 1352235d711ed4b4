package gateway

import "context"

// caller names the origin of an RPC request in logs: "ws:<client id>" for
// WebSocket clients, "http:<remote addr>" for /rpc.
type caller struct {
	transport string
	id        string
}

func (c caller) String() string {
	if c.id == "" {
		return c.transport
	}
	return c.transport + ":" + c.id
}

type callerKey struct{}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) caller {
	if c, ok := ctx.Value(callerKey{}).(caller); ok {
		return c
	}
	return caller{transport: "local"}
}
