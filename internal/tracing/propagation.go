package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChild propagates tracing context to a spawned child thread.
// It keeps the trace ID but generates a new turn ID and rebinds the
// thread ID, so a parent's work and its subagents correlate under one
// trace.
func PropagateToChild(ctx context.Context, childID int64) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithTurnID(newCtx, NewTurnID())
	newCtx = WithThreadID(newCtx, childID)

	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.TurnID != "" {
		logger = logger.With().Str("turn_id", tc.TurnID).Logger()
	}
	if tc.ThreadID >= 0 {
		logger = logger.With().Int64("thread_id", tc.ThreadID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context
// Useful when you need to combine contexts from different sources
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.TurnID != "" && GetTurnID(target) == "" {
		target = WithTurnID(target, tc.TurnID)
	}
	if _, ok := GetThreadID(target); !ok && tc.ThreadID >= 0 {
		target = WithThreadID(target, tc.ThreadID)
	}

	return target
}

// CloneContext creates a new context with the same tracing information
// but none of the original's deadlines or cancellation.
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
