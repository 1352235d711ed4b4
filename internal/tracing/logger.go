package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext enriches baseLogger with the tracing fields found in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.ProfileID != "" {
		lc = lc.Str("profile_id", tc.ProfileID)
	}
	if tc.ChatID != "" {
		lc = lc.Str("chat_id", tc.ChatID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}
	return lc.Logger()
}
