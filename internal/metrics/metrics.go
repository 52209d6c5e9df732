// Package metrics provides interfaces and implementations for collecting
// mail server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them, mirroring
// infodancer-pop3d/internal/metrics's split.
package metrics

import "context"

// Collector defines the interface for recording mail server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()

	// Authentication metrics
	AuthAttempt(mechanism string, success bool)

	// SMTP command metrics
	CommandProcessed(command string)

	// Message processing metrics
	MessageAccepted(sizeBytes int64)
	MessageRejected(stage string)
	MessageDiscarded()

	// Milter chain metrics
	MilterInvoked(peer string, action string)

	// Sieve evaluation metrics
	SieveOutcome(outcome string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
