// Package orchestrator drives the capture, recognize, translate and publish
// pipeline.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	DefaultWorkers              = 4
	DefaultConfidenceThreshold  = 0.7
	DefaultOCRCacheSize         = 1000
	DefaultTranslationCacheSize = 5000

	// Capture region changes beyond these publish an empty set at once.
	DefaultMoveThreshold   = 50 // px
	DefaultResizeThreshold = 10 // px

	DefaultSourceLang = "es"
	DefaultTargetLang = "en"

	// Upper bound on a single OCR or translation call.
	DefaultCallTimeout = 10 * time.Second

	// Iterations with no dirty regions spent retrying failed work before
	// waiting for the screen to change.
	MaxIdleRetries = 3

	// Perceptual skip is off unless a non-negative distance is configured.
	PerceptualSkipDisabled = -1
)
