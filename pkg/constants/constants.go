// Package constants defines application-wide constants for call timing,
// signaling, and connection limits.
package constants

import "time"

// Call timing constants
const (
	// RingTimeout is how long an outgoing call rings before it is
	// classified as missed.
	RingTimeout = 30 * time.Second

	// AnsweredGrace is the minimum connected duration below which an
	// answered call is reclassified as missed. Overridable via
	// session.Options.
	AnsweredGrace = 3 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Network timing constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// TokenRequestTimeout bounds the media-token HTTP request. A failed
	// fetch surfaces immediately instead of retrying.
	TokenRequestTimeout = 10 * time.Second

	// TransportJoinTimeout bounds the media-session join handshake.
	TransportJoinTimeout = 15 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single websocket write.
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Media token constants
const (
	// MediaTokenExpiry is the validity period of a media-channel join token.
	MediaTokenExpiry = 1 * time.Hour
)

// Relay limits
const (
	// MaxSignalingConnections is the default cap on concurrent relay
	// websocket connections.
	MaxSignalingConnections = 1000

	// OutboundQueueSize is the per-client buffered send queue length.
	OutboundQueueSize = 256
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Presence constants
const (
	// PresenceTTL is how long a busy/online marker survives without refresh.
	PresenceTTL = 90 * time.Second

	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
