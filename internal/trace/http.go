package trace

import (
	"context"
	"net/http"
)

// Middleware extracts or creates trace context for HTTP requests and echoes
// the trace id back in the response headers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := FromHeaders(r.Header)
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// FromHeaders builds a server span context from incoming headers. The
// caller's span becomes the parent.
func FromHeaders(h http.Header) Context {
	tc := Context{
		TraceID:      h.Get(TraceIDKey),
		ParentSpanID: h.Get(SpanIDKey),
		SpanID:       newID(8),
	}
	if tc.TraceID == "" {
		tc.TraceID = newID(16)
	}
	return tc
}

// Inject writes ctx's trace context into outgoing request headers.
func Inject(ctx context.Context, h http.Header) {
	tc, ok := FromContext(ctx)
	if !ok {
		return
	}
	h.Set(TraceIDKey, tc.TraceID)
	h.Set(SpanIDKey, tc.SpanID)
}
