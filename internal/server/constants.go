// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection rate limiting of client commands
	RateLimitMessages = 10          // Max messages per connection per window
	RateLimitWindow   = time.Second // Sliding window duration

	// Global IP-based rate limiting (prevents multi-connection bypass attacks)
	IPRateLimitMessages        = 30               // Max messages per IP per window
	IPRateLimitWindow          = time.Second      // Sliding window duration
	IPRateLimitCleanupInterval = 5 * time.Minute  // How often to purge stale IP entries
	IPRateLimitEntryTTL        = 10 * time.Minute // TTL for inactive IP entries

	// Request bodies are small JSON documents.
	MaxRequestBody = 64 << 10

	// Bound on a single overlay push to a slow client.
	WriteTimeout = 5 * time.Second
)
