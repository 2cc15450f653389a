package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const RequestIDKey contextKey = "request_id"
const GuardPIDKey contextKey = "guard_pid"

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithGuardPID(ctx context.Context, pid int) context.Context {
	return context.WithValue(ctx, GuardPIDKey, pid)
}

func GetGuardPID(ctx context.Context) int {
	if pid, ok := ctx.Value(GuardPIDKey).(int); ok {
		return pid
	}
	return 0
}

// FromContext returns the default logger annotated with the ids carried by ctx.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetRequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if pid := GetGuardPID(ctx); pid != 0 {
		l = l.With("guard_pid", pid)
	}
	return l
}
