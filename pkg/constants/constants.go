// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute
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

// Call lifecycle constants
const (
	// DefaultRingTimeout is how long a call may ring before it counts as missed
	DefaultRingTimeout = 2 * time.Minute

	// DefaultMaxCallDuration is how long a call may stay active before it is
	// terminated as failed
	DefaultMaxCallDuration = 4 * time.Hour

	// DefaultReaperInterval is how often stale calls are swept
	DefaultReaperInterval = 30 * time.Second
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100

	// MinPageSize is the minimum number of items per page
	MinPageSize = 1
)
