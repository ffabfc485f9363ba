// Package config handles platform configuration
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
)

// Backend names accepted by OCR_BACKEND and TRANSLATE_BACKEND.
const (
	BackendTesseract = "tesseract"
	BackendGRPC      = "grpc"
	BackendLLM       = "llm"
)

type Config struct {
	HTTPAddr      string
	InferenceAddr string
	LogLevel      slog.Level

	// Capture region in screen coordinates; the overlay window may move it.
	CaptureX      int
	CaptureY      int
	CaptureWidth  int
	CaptureHeight int
	AutoStart     bool

	CellSize             int
	OCRCacheSize         int
	TranslationCacheSize int
	ConfidenceThreshold  float64
	Workers              int

	MinDelay      time.Duration
	MaxDelay      time.Duration
	IdleWindow    int
	BackoffFactor float64

	MoveThreshold          int // px
	ResizeThreshold        int // px
	PerceptualSkipDistance int // negative disables

	SourceLang string
	TargetLang string

	OCRBackend       string
	OCRMinConfidence float64
	OCRUpscaleBelow  int // px; crops shorter than this are upscaled
	TesseractLangs   []string

	TranslateBackend string
	LLMAPIURL        string
	LLMAPIKey        string
	LLMModel         string

	HistorySize int

	RedisURL string
	RedisTTL time.Duration

	CallTimeout time.Duration
}

// Load reads configuration from the environment after merging an optional
// .env file (ENV_FILE, default ".env"). Variables already set win.
func Load() *Config {
	path := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", path, "error", err)
	}

	return &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8000"),
		InferenceAddr: getEnv("INFERENCE_ADDR", "localhost:50051"),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		CaptureX:      getEnvInt("CAPTURE_X", 100),
		CaptureY:      getEnvInt("CAPTURE_Y", 100),
		CaptureWidth:  getEnvInt("CAPTURE_WIDTH", 800),
		CaptureHeight: getEnvInt("CAPTURE_HEIGHT", 600),
		AutoStart:     getEnvBool("AUTOSTART", true),

		CellSize:             getEnvInt("CELL_SIZE", 32),
		OCRCacheSize:         getEnvInt("OCR_CACHE_SIZE", 1000),
		TranslationCacheSize: getEnvInt("TRANSLATION_CACHE_SIZE", 5000),
		ConfidenceThreshold:  getEnvFloat("CONFIDENCE_THRESHOLD", 0.7),
		Workers:              getEnvInt("WORKERS", 4),

		MinDelay:      getEnvMillis("MIN_DELAY_MS", 250*time.Millisecond),
		MaxDelay:      getEnvMillis("MAX_DELAY_MS", 2*time.Second),
		IdleWindow:    getEnvInt("IDLE_WINDOW", 5),
		BackoffFactor: getEnvFloat("BACKOFF_FACTOR", 1.5),

		MoveThreshold:          getEnvInt("MOVE_THRESHOLD", 50),
		ResizeThreshold:        getEnvInt("RESIZE_THRESHOLD", 10),
		PerceptualSkipDistance: getEnvInt("PERCEPTUAL_SKIP_DISTANCE", -1),

		SourceLang: getEnv("SOURCE_LANG", "es"),
		TargetLang: getEnv("TARGET_LANG", "en"),

		OCRBackend:       strings.ToLower(getEnv("OCR_BACKEND", BackendTesseract)),
		OCRMinConfidence: getEnvFloat("OCR_MIN_CONFIDENCE", 0.5),
		OCRUpscaleBelow:  getEnvInt("OCR_UPSCALE_BELOW", 48),
		TesseractLangs:   getEnvList("TESSERACT_LANGS", []string{"spa", "eng"}),

		TranslateBackend: strings.ToLower(getEnv("TRANSLATE_BACKEND", BackendLLM)),
		LLMAPIURL:        getEnv("LLM_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", "google/gemini-2.0-flash-001"),

		HistorySize: getEnvInt("HISTORY_SIZE", 500),

		RedisURL: getEnv("REDIS_URL", ""),
		RedisTTL: time.Duration(getEnvInt("REDIS_TTL_HOURS", 24*7)) * time.Hour,

		CallTimeout: getEnvMillis("CALL_TIMEOUT_MS", 10*time.Second),
	}
}

// Validate reports the first setting that would break the pipeline.
func (c *Config) Validate() error {
	invalid := func(key, msg string) error {
		return apperrors.New(apperrors.ConfigInvalid, msg).WithMetadata("key", key)
	}
	switch {
	case c.CaptureWidth <= 0 || c.CaptureHeight <= 0:
		return invalid("CAPTURE_WIDTH", "capture region must have positive size")
	case c.CellSize <= 0:
		return invalid("CELL_SIZE", "cell size must be positive")
	case c.OCRCacheSize <= 0:
		return invalid("OCR_CACHE_SIZE", "cache capacity must be positive")
	case c.TranslationCacheSize <= 0:
		return invalid("TRANSLATION_CACHE_SIZE", "cache capacity must be positive")
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return invalid("CONFIDENCE_THRESHOLD", "confidence threshold must be within [0,1]")
	case c.Workers <= 0:
		return invalid("WORKERS", "worker count must be positive")
	case c.MinDelay <= 0 || c.MaxDelay < c.MinDelay:
		return invalid("MAX_DELAY_MS", "delays must satisfy 0 < min <= max")
	case c.BackoffFactor < 1:
		return invalid("BACKOFF_FACTOR", "backoff factor must be at least 1")
	case c.OCRBackend != BackendTesseract && c.OCRBackend != BackendGRPC:
		return invalid("OCR_BACKEND", "unknown OCR backend "+c.OCRBackend)
	case c.TranslateBackend != BackendLLM && c.TranslateBackend != BackendGRPC:
		return invalid("TRANSLATE_BACKEND", "unknown translate backend "+c.TranslateBackend)
	case c.TranslateBackend == BackendLLM && c.LLMAPIKey == "":
		return invalid("LLM_API_KEY", "LLM translation requires an API key")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvMillis(key string, def time.Duration) time.Duration {
	if ms := getEnvInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getEnvLevel(key string, def slog.Level) slog.Level {
	if v := os.Getenv(key); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			return l
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
