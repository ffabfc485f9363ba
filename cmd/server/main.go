// Live translator server - captures a screen region, recognizes and
// translates its text, and serves the overlay over HTTP and WebSocket
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sudzxd/live-translator/internal/config"
	"github.com/sudzxd/live-translator/internal/grpcclient"
	"github.com/sudzxd/live-translator/internal/ocr"
	"github.com/sudzxd/live-translator/internal/ocr/tesseract"
	"github.com/sudzxd/live-translator/internal/orchestrator"
	"github.com/sudzxd/live-translator/internal/overlay"
	"github.com/sudzxd/live-translator/internal/screen"
	"github.com/sudzxd/live-translator/internal/server"
	"github.com/sudzxd/live-translator/internal/translator"
)

func main() {
	cfg := config.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// Connect to the inference server only when a backend needs it
	var inference *grpcclient.Client
	if cfg.OCRBackend == config.BackendGRPC || cfg.TranslateBackend == config.BackendGRPC {
		client, err := grpcclient.New(cfg.InferenceAddr)
		if err != nil {
			slog.Error("failed to connect to inference server", "addr", cfg.InferenceAddr, "error", err)
			os.Exit(1)
		}
		inference = client
		closers = append(closers, client)
	}

	var recognizer ocr.Recognizer
	switch cfg.OCRBackend {
	case config.BackendGRPC:
		recognizer = inference
	default:
		engine := tesseract.New(tesseract.Options{
			Languages:     cfg.TesseractLangs,
			PoolSize:      cfg.Workers,
			MinConfidence: cfg.OCRMinConfidence,
		})
		closers = append(closers, engine)
		recognizer = ocr.NewUpscaler(engine, cfg.OCRUpscaleBelow)
	}

	var tr translator.Translator
	switch cfg.TranslateBackend {
	case config.BackendGRPC:
		tr = inference
	default:
		tr = translator.NewLLM(translator.LLMConfig{
			URL:    cfg.LLMAPIURL,
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
			Title:  "Live Translator",
		}, nil)
	}

	// Optional shared translation tier
	var persistent *translator.Persistent
	if cfg.RedisURL != "" {
		store, err := translator.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			slog.Warn("redis unreachable, translations will not be shared", "error", err)
		}
		cancel()
		closers = append(closers, store)
		persistent = translator.NewPersistent(tr, store, cfg.RedisTTL)
		tr = persistent
	}

	publisher := overlay.NewPublisher()
	orch, err := orchestrator.New(orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		Capturer:   screen.NewCapturer(),
		Recognizer: recognizer,
		Translator: tr,
		Publisher:  publisher,
	})
	if err != nil {
		slog.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history := overlay.NewHistory(cfg.HistorySize)
	go history.Follow(ctx, publisher)

	// Create HTTP/WebSocket server
	srv := server.New(ctx, orch, publisher).WithHistory(history)

	if cfg.AutoStart {
		orch.Start(ctx)
	}

	// WebSocket connections are long-lived, so no write timeout here.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("live translator starting",
			"http", cfg.HTTPAddr,
			"session", orch.Session(),
			"region", orch.Region().String(),
			"ocr", cfg.OCRBackend,
			"translate", cfg.TranslateBackend,
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	orch.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	if persistent != nil {
		persistent.Close()
	}
	slog.Info("shutdown complete")
}
