package requestctx

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "cart/requestctx/logger"
	traceContextKey  contextKey = "cart/requestctx/trace"
	fieldsContextKey contextKey = "cart/requestctx/fields"
)

// Cart attributes recorded on the request while it is handled.
const (
	FieldUserID    = "user_id"
	FieldOperation = "cart_op"
	FieldProductID = "product_id"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Fields collects attributes that only become known deep in the handler chain (the authenticated
// user, the cart operation) so outer middleware can report them once the request completes.
type Fields struct {
	mu     sync.Mutex
	values map[string]string
}

// WithFields attaches an empty Fields collector to ctx.
func WithFields(ctx context.Context) (context.Context, *Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := &Fields{values: make(map[string]string)}
	return context.WithValue(ctx, fieldsContextKey, fields), fields
}

// Set records value under key, ignoring blank values.
func (f *Fields) Set(key, value string) {
	if f == nil || key == "" || value == "" {
		return
	}
	f.mu.Lock()
	f.values[key] = value
	f.mu.Unlock()
}

// Get returns the value recorded under key.
func (f *Fields) Get(key string) string {
	if f == nil {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

// ZapFields renders the collected attributes sorted by key.
func (f *Fields) ZapFields() []zap.Field {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.values))
	for key := range f.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		out = append(out, zap.String(key, f.values[key]))
	}
	return out
}

// Annotate records key=value on the request's Fields collector, when one exists, and returns a
// context whose logger carries the same field.
func Annotate(ctx context.Context, key, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if key == "" || value == "" {
		return ctx
	}
	if fields, ok := ctx.Value(fieldsContextKey).(*Fields); ok {
		fields.Set(key, value)
	}
	return WithLogger(ctx, Logger(ctx).With(zap.String(key, value)))
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}
