// Package trace provides W3C-style trace identifiers, lightweight spans,
// and a trace-aware slog logger.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Header and metadata keys used for propagation.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
)

type (
	traceKey struct{}
	attrsKey struct{}
)

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a new trace context with fresh IDs.
func New() Context {
	return Context{TraceID: newID(16), SpanID: newID(8)}
}

// NewChild creates a child context from parent.
func NewChild(parent Context) Context {
	if parent.TraceID == "" {
		return New()
	}
	return Context{TraceID: parent.TraceID, SpanID: newID(8), ParentSpanID: parent.SpanID}
}

// FromContext extracts trace context from context.Context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(traceKey{}).(Context)
	return tc, ok
}

// WithContext injects trace context into context.Context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// EnsureContext returns existing trace context or creates a new one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// WithLogAttrs attaches key/value pairs that Logger adds to every record
// logged under ctx (for example a capture session id).
func WithLogAttrs(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(attrsKey{}).([]any)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	merged = append(merged, args...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

// newID returns n random bytes hex encoded (16 for trace ids, 8 for spans).
func newID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time

	mu    sync.Mutex
	attrs map[string]any
}

// StartSpan begins a new span as a child of any span already in ctx.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, _ := FromContext(ctx)
	tc := NewChild(parent)
	s := &Span{Name: name, Ctx: tc, StartTime: time.Now(), attrs: make(map[string]any)}
	return WithContext(ctx, tc), s
}

// End marks the span as complete.
func (s *Span) End() {
	s.EndTime = time.Now()
}

// SetAttr sets a span attribute. Safe for concurrent use.
func (s *Span) SetAttr(key string, val any) {
	s.mu.Lock()
	s.attrs[key] = val
	s.mu.Unlock()
}

// Attr returns a span attribute.
func (s *Span) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Duration returns span duration, zero while the span is open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("span_name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	}
	if s.Ctx.ParentSpanID != "" {
		attrs = append(attrs, slog.String("parent_span_id", s.Ctx.ParentSpanID))
	}
	s.mu.Lock()
	for k, v := range s.attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.mu.Unlock()
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger enriched with the trace ids and log
// attributes carried by ctx.
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if tc, ok := FromContext(ctx); ok {
		args = append(args, "trace_id", tc.TraceID, "span_id", tc.SpanID)
		if tc.ParentSpanID != "" {
			args = append(args, "parent_span_id", tc.ParentSpanID)
		}
	}
	if extra, ok := ctx.Value(attrsKey{}).([]any); ok {
		args = append(args, extra...)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
