package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/orchestrator"
	"github.com/sudzxd/live-translator/internal/overlay"
	"github.com/sudzxd/live-translator/internal/screen"
	"github.com/sudzxd/live-translator/internal/trace"
	"github.com/sudzxd/live-translator/internal/translator"
)

// Controller is the pipeline surface the server drives.
type Controller interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	SetRegion(ctx context.Context, r screen.Rect) error
	SetLanguages(ctx context.Context, source, target string) error
	Languages() translator.Pair
	Stats() orchestrator.Stats
}

// OverlaySource provides the latest overlay set and change notifications.
type OverlaySource interface {
	Current() overlay.Set
	Subscribe() (<-chan struct{}, func())
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

// OverlaysMessage carries a complete overlay set.
type OverlaysMessage struct {
	Type string `json:"type"`
	overlay.Set
}

type RegionMessage struct {
	Type string `json:"type"`
	screen.Rect
}

type LanguagesMessage struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type AckMessage struct {
	Type string `json:"type"`
	Of   string `json:"of"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	limit      int
	window     time.Duration
	lastSeen   time.Time
	mu         sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen = now
	cutoff := now.Add(-r.window)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= r.limit {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

func (r *rateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen.Before(cutoff)
}

// ipLimiter applies a shared limit to all connections from one address.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimiter
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	rl, ok := l.limiters[ip]
	if !ok {
		rl = newRateLimiter(IPRateLimitMessages, IPRateLimitWindow)
		l.limiters[ip] = rl
	}
	l.mu.Unlock()
	return rl.allow(now)
}

// cleanup drops entries idle for longer than ttl.
func (l *ipLimiter) cleanup(now time.Time, ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, rl := range l.limiters {
		if rl.idleSince(now.Add(-ttl)) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctx      context.Context
	ctrl     Controller
	overlays OverlaySource
	history  *overlay.History
	ipLimits *ipLimiter
	mu       sync.RWMutex
	conns    map[*websocket.Conn]struct{}
}

// New creates a new server. ctx bounds the processing loop started through
// the API and the server's background work.
func New(ctx context.Context, ctrl Controller, overlays OverlaySource) *Server {
	s := &Server{
		ctx:      ctx,
		ctrl:     ctrl,
		overlays: overlays,
		ipLimits: &ipLimiter{limiters: make(map[string]*rateLimiter)},
		conns:    make(map[*websocket.Conn]struct{}),
	}
	go s.cleanupLoop()
	return s
}

// WithHistory exposes h at /api/history.
func (s *Server) WithHistory(h *overlay.History) *Server {
	s.history = h
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/overlays", s.handleOverlays)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/processing/start", s.handleProcessingStart)
	mux.HandleFunc("POST /api/processing/stop", s.handleProcessingStop)
	mux.HandleFunc("PUT /api/region", s.handleRegion)
	mux.HandleFunc("GET /api/languages", s.handleGetLanguages)
	mux.HandleFunc("PUT /api/languages", s.handleSetLanguages)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

// Connections returns the number of open WebSocket clients.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(IPRateLimitCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.ipLimits.cleanup(now, IPRateLimitEntryTTL); n > 0 {
				trace.Logger(s.ctx).Debug("purged idle rate limiters", "count", n)
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := trace.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Subscribe before the first push so no publish is missed in between.
	updates, unsubscribe := s.overlays.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.pushOverlays(ctx, conn, updates)
	}()

	s.readCommands(ctx, conn, clientIP(r))
	cancel()
	<-done
}

// pushOverlays sends the current set, then the latest set after every
// publish. A slow client skips intermediate sets.
func (s *Server) pushOverlays(ctx context.Context, conn *websocket.Conn, updates <-chan struct{}) {
	log := trace.Logger(ctx)
	for {
		writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
		err := wsjson.Write(writeCtx, conn, OverlaysMessage{Type: "overlays", Set: s.overlays.Current()})
		cancel()
		if err != nil {
			log.Debug("websocket write error", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, ip string) {
	log := trace.Logger(ctx)
	connLimit := newRateLimiter(RateLimitMessages, RateLimitWindow)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		now := time.Now()
		if !connLimit.allow(now) || !s.ipLimits.allow(ip, now) {
			log.Warn("rate limit exceeded", "remote", ip)
			s.writeError(ctx, conn, apperrors.New(apperrors.RateLimited, "rate limit exceeded"))
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		cmdCtx, _ := trace.EnsureContext(ctx)
		var err error
		switch base.Type {
		case "region":
			var m RegionMessage
			if err = json.Unmarshal(msg, &m); err == nil {
				err = s.ctrl.SetRegion(cmdCtx, m.Rect)
			}
		case "languages":
			var m LanguagesMessage
			if err = json.Unmarshal(msg, &m); err == nil {
				err = s.ctrl.SetLanguages(cmdCtx, m.Source, m.Target)
			}
		case "start":
			s.ctrl.Start(s.ctx)
		case "stop":
			s.ctrl.Stop()
		default:
			err = apperrors.Newf(apperrors.InvalidArgument, "unknown message type %q", base.Type)
		}

		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				err = apperrors.Wrap(err, apperrors.InvalidArgument, "malformed "+base.Type+" message")
			}
			s.writeError(ctx, conn, err)
			continue
		}
		_ = wsjson.Write(ctx, conn, AckMessage{Type: "ack", Of: base.Type})
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, err error) {
	code, msg := errorInfo(err)
	_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Code: code.String(), Message: msg})
}

func (s *Server) handleOverlays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.overlays.Current())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeHTTPError(w, r, apperrors.New(apperrors.NotFound, "history is disabled"))
		return
	}
	var window time.Duration
	if v := r.URL.Query().Get("seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeHTTPError(w, r, apperrors.Newf(apperrors.InvalidArgument, "invalid seconds %q", v))
			return
		}
		window = time.Duration(secs) * time.Second
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.history.Recent(window)})
}

func (s *Server) handleProcessingStart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Start(s.ctx)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processing_started"})
}

func (s *Server) handleProcessingStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "processing_stopped"})
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	var rect screen.Rect
	if err := decodeBody(w, r, &rect); err != nil {
		writeHTTPError(w, r, err)
		return
	}
	if err := s.ctrl.SetRegion(r.Context(), rect); err != nil {
		writeHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"region": rect})
}

type languageOption struct {
	translator.Pair
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
}

func (s *Server) handleGetLanguages(w http.ResponseWriter, r *http.Request) {
	suggested := make([]languageOption, 0, len(translator.SuggestedPairs))
	for _, p := range translator.SuggestedPairs {
		suggested = append(suggested, languageOption{
			Pair:       p,
			SourceName: translator.DisplayName(p.Source),
			TargetName: translator.DisplayName(p.Target),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current":   s.ctrl.Languages(),
		"suggested": suggested,
	})
}

func (s *Server) handleSetLanguages(w http.ResponseWriter, r *http.Request) {
	var pair translator.Pair
	if err := decodeBody(w, r, &pair); err != nil {
		writeHTTPError(w, r, err)
		return
	}
	if err := s.ctrl.SetLanguages(r.Context(), pair.Source, pair.Target); err != nil {
		writeHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"current": s.ctrl.Languages()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline":    s.ctrl.Stats(),
		"connections": s.Connections(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": s.ctrl.Running()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.InvalidArgument, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errorInfo(err)
	status := http.StatusInternalServerError
	if appErr, ok := apperrors.As(err); ok {
		status = appErr.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		trace.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]any{
		"error": ErrorMessage{Type: "error", Code: code.String(), Message: msg},
	})
}

func errorInfo(err error) (apperrors.Code, string) {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Code, appErr.Message
	}
	return apperrors.Internal, err.Error()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
