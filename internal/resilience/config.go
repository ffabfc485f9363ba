package resilience

import "time"

// Circuit breaker configuration constants
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// OCR runs once per dirty region; trip quickly so a dead engine does not
	// stall every iteration.
	OCRThreshold         = 3
	OCRResetTimeout      = 10 * time.Second
	OCRHalfOpenSuccesses = 1

	// Translation APIs are rate limited and flaky; tolerate more failures.
	TranslationThreshold         = 8
	TranslationResetTimeout      = 30 * time.Second
	TranslationHalfOpenSuccesses = 2
)

// Config holds circuit breaker settings.
type Config struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

// DefaultConfig returns general purpose settings.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// OCRConfig returns settings for OCR backends.
func OCRConfig() Config {
	return Config{
		Threshold:         OCRThreshold,
		ResetTimeout:      OCRResetTimeout,
		HalfOpenSuccesses: OCRHalfOpenSuccesses,
	}
}

// TranslationConfig returns settings for translation backends.
func TranslationConfig() Config {
	return Config{
		Threshold:         TranslationThreshold,
		ResetTimeout:      TranslationResetTimeout,
		HalfOpenSuccesses: TranslationHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}
