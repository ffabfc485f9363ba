package trace

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestNewContext(t *testing.T) {
	tc := New()
	if len(tc.TraceID) != 32 {
		t.Errorf("trace ID should be 32 chars, got %d", len(tc.TraceID))
	}
	if len(tc.SpanID) != 16 {
		t.Errorf("span ID should be 16 chars, got %d", len(tc.SpanID))
	}
	if tc.ParentSpanID != "" {
		t.Error("new context should not have parent span ID")
	}
}

func TestIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newID(16)
		if seen[id] {
			t.Fatal("generated duplicate trace ID")
		}
		seen[id] = true
	}
}

func TestNewChild(t *testing.T) {
	parent := New()
	child := NewChild(parent)

	if child.TraceID != parent.TraceID {
		t.Error("child should inherit trace ID")
	}
	if child.ParentSpanID != parent.SpanID {
		t.Error("child's parent should be parent's span ID")
	}

	orphan := NewChild(Context{})
	if orphan.TraceID == "" || orphan.ParentSpanID != "" {
		t.Errorf("child of empty context = %+v, want fresh root", orphan)
	}
}

func TestEnsureContext(t *testing.T) {
	ctx, tc := EnsureContext(context.Background())
	if len(tc.TraceID) != 32 {
		t.Error("should create trace ID")
	}

	_, tc2 := EnsureContext(ctx)
	if tc2.TraceID != tc.TraceID {
		t.Error("should return existing trace")
	}
}

func TestStartSpanNests(t *testing.T) {
	ctx, outer := StartSpan(context.Background(), "pipeline_iteration")
	_, inner := StartSpan(ctx, "recognize")

	if inner.Ctx.TraceID != outer.Ctx.TraceID {
		t.Error("nested span should share trace ID")
	}
	if inner.Ctx.ParentSpanID != outer.Ctx.SpanID {
		t.Error("nested span parent mismatch")
	}
	if outer.Duration() != 0 {
		t.Error("open span should report zero duration")
	}

	outer.SetAttr("dirty_regions", 2)
	outer.End()
	if v, ok := outer.Attr("dirty_regions"); !ok || v != 2 {
		t.Errorf("Attr = (%v, %v), want (2, true)", v, ok)
	}
	if outer.Duration() < 0 {
		t.Error("duration should be non-negative")
	}
}

func TestLoggerIncludesAttrs(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx := WithContext(context.Background(), Context{TraceID: "t1", SpanID: "s1"})
	ctx = WithLogAttrs(ctx, "session", "abc")
	Logger(ctx).Info("hello")

	out := buf.String()
	for _, want := range []string{"trace_id=t1", "span_id=s1", "session=abc"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	var got Context
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/overlays", http.NoBody)
	req.Header.Set(TraceIDKey, "abc")
	req.Header.Set(SpanIDKey, "caller")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got.TraceID != "abc" || got.ParentSpanID != "caller" {
		t.Errorf("context = %+v, want trace abc with parent caller", got)
	}
	if rec.Header().Get(TraceIDKey) != "abc" {
		t.Error("trace id should be echoed in the response")
	}
}

func TestInject(t *testing.T) {
	h := http.Header{}
	Inject(context.Background(), h)
	if h.Get(TraceIDKey) != "" {
		t.Error("no trace context should inject nothing")
	}

	ctx := WithContext(context.Background(), Context{TraceID: "t", SpanID: "s"})
	Inject(ctx, h)
	if h.Get(TraceIDKey) != "t" || h.Get(SpanIDKey) != "s" {
		t.Errorf("headers = %v", h)
	}
}

func TestOutgoingMetadata(t *testing.T) {
	ctx := WithContext(context.Background(), Context{TraceID: "t", SpanID: "s", ParentSpanID: "p"})
	md, ok := metadata.FromOutgoingContext(outgoing(ctx))
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if md.Get(TraceIDKey)[0] != "t" || md.Get(ParentSpanIDKey)[0] != "p" {
		t.Errorf("metadata = %v", md)
	}
}
