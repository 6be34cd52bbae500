// Package config provides configuration types and defaults for the overlay gateway
// Centralized management of all constants and default values

package config

import (
	"os"
	"path/filepath"
	"time"
)

// ===== Ports =====

const (
	// DefaultGatewayPort is the standard port for the overlay gateway
	DefaultGatewayPort = 55013

	// DefaultGRPCHealthPort is 0 (health server disabled)
	DefaultGRPCHealthPort = 0
)

// ===== Remote agent platform =====

const (
	// DefaultLettaBaseURL matches a local Letta server
	DefaultLettaBaseURL = "http://localhost:8283"

	// DefaultLettaTimeout bounds a single non-streaming platform call
	DefaultLettaTimeout = 120 * time.Second
)

// ===== Sessions =====

const (
	DefaultMaxSessions   = 100
	DefaultSessionTTL    = 3 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// ===== Overlay / tools =====

const (
	// OverlayBlockLabel is the memory block label owned by the gateway
	OverlayBlockLabel = "proxy_system_overlay"

	// EphemeralToolTag marks proxy tool definitions so they never mix with agent tools
	EphemeralToolTag = "proxy-ephemeral"

	// DefaultToolCacheTTL is how long a remote tool id is reused for an identical definition
	DefaultToolCacheTTL = 24 * time.Hour

	// DefaultCallTTL bounds how long an unanswered client tool call stays mappable
	DefaultCallTTL = 30 * time.Minute
)

// ===== Paths =====

// DefaultDataDir returns the default data directory (<binary-dir>/data)
func DefaultDataDir() string {
	if d := os.Getenv("OVERLAY_DATA_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data")
}

// DefaultDBPath returns the default database path (<data-dir>/overlay.db)
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "overlay.db")
}

// DefaultKVDir returns the default tool cache directory (<data-dir>/kv)
func DefaultKVDir() string {
	return filepath.Join(DefaultDataDir(), "kv")
}

// DefaultConfigDir returns the directory holding env.config and overlay.yaml
func DefaultConfigDir() string {
	if d := os.Getenv("OVERLAY_CONFIG_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	dir := filepath.Join(filepath.Dir(exe), "config")
	if _, err := os.Stat(dir); err == nil {
		return dir
	}
	// Fallback to CWD
	cwd, _ := os.Getwd()
	if cwd == "" {
		cwd = "."
	}
	return filepath.Join(cwd, "config")
}

// ===== Limits =====

const (
	DefaultMaxBodyChat = 4 * 1024 * 1024 // 4MB

	// Rate limit defaults (per client IP)
	DefaultRateLimitMax    = 600
	DefaultRateLimitWindow = time.Hour

	// WebSocket relay limits
	DefaultMaxWSConnections = 200
	DefaultMaxWSPerIP       = 10
)
