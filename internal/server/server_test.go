package server

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/ocr"
	"github.com/sudzxd/live-translator/internal/orchestrator"
	"github.com/sudzxd/live-translator/internal/overlay"
	"github.com/sudzxd/live-translator/internal/screen"
	"github.com/sudzxd/live-translator/internal/translator"
)

// mockController for testing.
type mockController struct {
	mu      sync.Mutex
	running bool
	starts  int
	region  screen.Rect
	langs   translator.Pair
	err     error
	regions chan screen.Rect
}

func newMockController() *mockController {
	return &mockController{
		langs:   translator.Pair{Source: "es", Target: "en"},
		regions: make(chan screen.Rect, 10),
	}
}

func (m *mockController) Start(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.starts++
}

func (m *mockController) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

func (m *mockController) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *mockController) SetRegion(_ context.Context, r screen.Rect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if r.Empty() {
		return apperrors.New(apperrors.InvalidArgument, "empty region")
	}
	m.region = r
	m.regions <- r
	return nil
}

func (m *mockController) SetLanguages(_ context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.langs = translator.Pair{Source: source, Target: target}
	return nil
}

func (m *mockController) Languages() translator.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.langs
}

func (m *mockController) Stats() orchestrator.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return orchestrator.Stats{Session: "test", Running: m.running, Region: m.region, Languages: m.langs}
}

func newTestServer(t *testing.T) (*Server, *mockController, *overlay.Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctrl := newMockController()
	pub := overlay.NewPublisher()
	return New(ctx, ctrl, pub), ctrl, pub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleEntry() overlay.Entry {
	return overlay.Entry{
		Original:   "Hola",
		Translated: "Hello",
		Confidence: 0.95,
		BBox:       ocr.QuadFromRect(image.Rect(10, 10, 50, 30)),
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Test OPTIONS request
	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, PUT, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, PUT, OPTIONS")
	}

	// Test regular request
	req = httptest.NewRequest("GET", "/test", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin on GET = %q, want %q", v, "*")
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name    string
		msg     any
		typeVal string
	}{
		{"overlays", OverlaysMessage{Type: "overlays"}, "overlays"},
		{"region", RegionMessage{Type: "region", Rect: screen.Rect{Width: 10, Height: 10}}, "region"},
		{"languages", LanguagesMessage{Type: "languages", Source: "fr", Target: "en"}, "languages"},
		{"error", ErrorMessage{Type: "error", Code: "INVALID_ARGUMENT"}, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("json.Marshal error: %v", err)
			}

			var base Message
			if err := json.Unmarshal(data, &base); err != nil {
				t.Fatalf("json.Unmarshal error: %v", err)
			}

			if base.Type != tt.typeVal {
				t.Errorf("type = %q, want %q", base.Type, tt.typeVal)
			}
		})
	}
}

func TestRegionMessageParsing(t *testing.T) {
	input := `{"type": "region", "x": 5, "y": 6, "width": 300, "height": 200}`

	var m RegionMessage
	if err := json.Unmarshal([]byte(input), &m); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}
	want := screen.Rect{X: 5, Y: 6, Width: 300, Height: 200}
	if m.Type != "region" || m.Rect != want {
		t.Errorf("parsed = %+v, want %+v", m, want)
	}
}

func TestOverlaysEndpoint(t *testing.T) {
	srv, _, pub := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "GET", "/api/overlays", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("empty body = %s", rec.Body.String())
	}

	pub.Publish([]overlay.Entry{sampleEntry()})
	rec = do(t, h, "GET", "/api/overlays", "")
	var set overlay.Set
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Entries) != 1 || set.Entries[0].Translated != "Hello" || set.Version != 1 {
		t.Errorf("set = %+v", set)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("response missing trace header")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if rec := do(t, srv.Handler(), "GET", "/api/history", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status without history = %d, want 404", rec.Code)
	}

	hist := overlay.NewHistory(10)
	pub := overlay.NewPublisher()
	srv = New(context.Background(), newMockController(), pub).WithHistory(hist)
	hist.Observe(pub.Publish([]overlay.Entry{sampleEntry()}).Entries)
	h := srv.Handler()

	rec := do(t, h, "GET", "/api/history?seconds=60", "")
	var got struct {
		Lines []overlay.Line `json:"lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Lines) != 1 || got.Lines[0].Translated != "Hello" {
		t.Errorf("lines = %+v", got.Lines)
	}

	if rec := do(t, h, "GET", "/api/history?seconds=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative window status = %d, want 400", rec.Code)
	}
}

func TestProcessingEndpoints(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	h := srv.Handler()

	if rec := do(t, h, "POST", "/api/processing/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if !ctrl.Running() {
		t.Error("controller not started")
	}

	rec := do(t, h, "GET", "/healthz", "")
	if !strings.Contains(rec.Body.String(), `"running":true`) {
		t.Errorf("healthz = %s", rec.Body.String())
	}

	if rec := do(t, h, "POST", "/api/processing/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	if ctrl.Running() {
		t.Error("controller still running")
	}

	if rec := do(t, h, "GET", "/api/processing/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET start status = %d, want 405", rec.Code)
	}
}

func TestRegionEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"valid", `{"x":0,"y":0,"width":640,"height":480}`, http.StatusOK, ""},
		{"empty", `{"x":0,"y":0,"width":0,"height":480}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"malformed", `{"x":`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", `{"left":3}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl, _ := newTestServer(t)
			rec := do(t, srv.Handler(), "PUT", "/api/region", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.code != "" && !strings.Contains(rec.Body.String(), tt.code) {
				t.Errorf("body = %s, want code %s", rec.Body.String(), tt.code)
			}
			if tt.status == http.StatusOK && ctrl.Stats().Region.Width != 640 {
				t.Errorf("region = %+v", ctrl.Stats().Region)
			}
		})
	}
}

func TestLanguagesEndpoints(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "GET", "/api/languages", "")
	var got struct {
		Current   translator.Pair `json:"current"`
		Suggested []struct {
			Source     string `json:"source"`
			SourceName string `json:"source_name"`
		} `json:"suggested"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Current != (translator.Pair{Source: "es", Target: "en"}) {
		t.Errorf("current = %+v", got.Current)
	}
	if len(got.Suggested) != len(translator.SuggestedPairs) {
		t.Fatalf("suggested = %d entries", len(got.Suggested))
	}
	for _, s := range got.Suggested {
		if s.SourceName == "" || s.SourceName == s.Source {
			t.Errorf("missing display name for %q", s.Source)
		}
	}

	rec = do(t, h, "PUT", "/api/languages", `{"source":"fr","target":"en"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", rec.Code)
	}
	if ctrl.Languages().Source != "fr" {
		t.Errorf("languages = %+v", ctrl.Languages())
	}

	ctrl.err = apperrors.New(apperrors.LanguageUnsupported, "unsupported language").WithMetadata("language", "xx")
	rec = do(t, h, "PUT", "/api/languages", `{"source":"xx","target":"en"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "LANGUAGE_UNSUPPORTED") {
		t.Errorf("unsupported: status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"session":"test"`) || !strings.Contains(body, `"connections":0`) {
		t.Errorf("stats = %s", body)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.allow(now) {
			t.Fatalf("message %d rejected", i)
		}
	}
	if rl.allow(now) {
		t.Error("4th message within window allowed")
	}
	if !rl.allow(now.Add(1100 * time.Millisecond)) {
		t.Error("message after window rejected")
	}
}

func TestIPLimiterCleanup(t *testing.T) {
	l := &ipLimiter{limiters: make(map[string]*rateLimiter)}
	now := time.Now()
	l.allow("10.0.0.1", now.Add(-time.Hour))
	l.allow("10.0.0.2", now)

	if n := l.cleanup(now, 10*time.Minute); n != 1 {
		t.Errorf("cleanup removed %d, want 1", n)
	}
	if _, ok := l.limiters["10.0.0.2"]; !ok {
		t.Error("active limiter removed")
	}
}

func dialWS(t *testing.T, h http.Handler) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

// readType reads messages until one of the given type arrives.
func readType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		var base Message
		_ = json.Unmarshal(raw, &base)
		if base.Type == typ {
			return raw
		}
	}
}

func TestWebSocketPushesOverlays(t *testing.T) {
	srv, _, pub := newTestServer(t)
	pub.Publish(nil)
	conn, ctx := dialWS(t, srv.Handler())

	var first OverlaysMessage
	if err := json.Unmarshal(readType(t, ctx, conn, "overlays"), &first); err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 || len(first.Entries) != 0 {
		t.Errorf("initial push = %+v", first)
	}

	pub.Publish([]overlay.Entry{sampleEntry()})
	var next OverlaysMessage
	if err := json.Unmarshal(readType(t, ctx, conn, "overlays"), &next); err != nil {
		t.Fatal(err)
	}
	if next.Version != 2 || len(next.Entries) != 1 || next.Entries[0].Original != "Hola" {
		t.Errorf("pushed set = %+v", next)
	}
}

func TestWebSocketCommands(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	conn, ctx := dialWS(t, srv.Handler())

	want := screen.Rect{X: 1, Y: 2, Width: 300, Height: 100}
	if err := wsjson.Write(ctx, conn, RegionMessage{Type: "region", Rect: want}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ctrl.regions:
		if got != want {
			t.Errorf("region = %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("region command not delivered")
	}
	readType(t, ctx, conn, "ack")

	if err := wsjson.Write(ctx, conn, Message{Type: "teleport"}); err != nil {
		t.Fatal(err)
	}
	var errMsg ErrorMessage
	if err := json.Unmarshal(readType(t, ctx, conn, "error"), &errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.Code != "INVALID_ARGUMENT" {
		t.Errorf("error code = %q", errMsg.Code)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn, ctx := dialWS(t, srv.Handler())

	for i := 0; i <= RateLimitMessages; i++ {
		if err := wsjson.Write(ctx, conn, LanguagesMessage{Type: "languages", Source: "es", Target: "en"}); err != nil {
			t.Fatal(err)
		}
	}
	var errMsg ErrorMessage
	if err := json.Unmarshal(readType(t, ctx, conn, "error"), &errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.Code != "RATE_LIMITED" {
		t.Errorf("error code = %q, want RATE_LIMITED", errMsg.Code)
	}
}
