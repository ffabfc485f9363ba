// Package grpcclient provides a client for the remote inference service.
package grpcclient

import "time"

// Client configuration defaults
const (
	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// Full method names served by the inference service.
	MethodRecognize = "/livetranslator.inference.v1.OCRService/Recognize"
	MethodTranslate = "/livetranslator.inference.v1.TranslationService/Translate"

	// Image encoding sent with recognition requests.
	ImageFormat = "png"
)
