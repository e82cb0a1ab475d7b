package services

import "context"

// ctxKey namespaces the values loom stores on a context.
type ctxKey int

const (
	jobIDKey ctxKey = iota
	stageKey
	workerKey
	requestIDKey
)

func withValue(ctx context.Context, key ctxKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueOf(ctx context.Context, key ctxKey) (string, bool) {
	v, _ := ctx.Value(key).(string)
	return v, v != ""
}

// WithJobID tags ctx with the job being processed.
func WithJobID(ctx context.Context, id string) context.Context { return withValue(ctx, jobIDKey, id) }

// JobIDFromContext returns the job id set by WithJobID.
func JobIDFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, jobIDKey) }

// WithStage tags ctx with the stage being executed.
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, stageKey, stage)
}

func StageFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, stageKey) }

// WithWorker tags ctx with the worker slot name, e.g. "worker-2".
func WithWorker(ctx context.Context, name string) context.Context {
	return withValue(ctx, workerKey, name)
}

func WorkerFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, workerKey) }

// WithRequestID tags ctx with the API request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, requestIDKey) }
