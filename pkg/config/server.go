// Package config provides configuration types for the overlay gateway
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig holds all configurable Gateway parameters
type GatewayConfig struct {
	Host             string        `yaml:"host"`               // Host to bind (default: "127.0.0.1")
	Port             int           `yaml:"port"`               // Port to listen (default: 55013)
	AuthToken        string        `yaml:"auth_token"`         // Shared bearer token (empty = open)
	ReadTimeout      time.Duration `yaml:"read_timeout"`       // HTTP read timeout (default: 120s)
	WriteTimeout     time.Duration `yaml:"write_timeout"`      // HTTP write timeout (default: 0, streams are long-lived)
	IdleTimeout      time.Duration `yaml:"idle_timeout"`       // HTTP idle timeout (default: 300s)
	MaxBodyChat      int64         `yaml:"max_body_chat"`      // Max body size for chat (default: 4MB)
	RateLimitMax     int           `yaml:"rate_limit_max"`     // Requests per window per IP (0 = unlimited)
	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`  // Rate limit window (default: 1h)
	DebugSessions    bool          `yaml:"debug_sessions"`     // Expose GET /debug/sessions (default: false)
	GRPCHealthPort   int           `yaml:"grpc_health_port"`   // grpc.health.v1 port (0 = disabled)
	MaxWSConnections int           `yaml:"max_ws_connections"` // Global WebSocket limit
	MaxWSPerIP       int           `yaml:"max_ws_per_ip"`      // Per-IP WebSocket limit
}

// DefaultGatewayConfig returns the default gateway configuration
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:             "127.0.0.1",
		Port:             DefaultGatewayPort,
		ReadTimeout:      120 * time.Second,
		IdleTimeout:      300 * time.Second,
		MaxBodyChat:      DefaultMaxBodyChat,
		RateLimitMax:     DefaultRateLimitMax,
		RateLimitWindow:  DefaultRateLimitWindow,
		GRPCHealthPort:   DefaultGRPCHealthPort,
		MaxWSConnections: DefaultMaxWSConnections,
		MaxWSPerIP:       DefaultMaxWSPerIP,
	}
}

// LettaConfig holds the remote agent platform connection
type LettaConfig struct {
	BaseURL string        `yaml:"base_url"` // Platform URL (default: http://localhost:8283)
	APIKey  string        `yaml:"api_key"`  // Bearer token
	Project string        `yaml:"project"`  // Optional X-Project header
	Timeout time.Duration `yaml:"timeout"`  // Non-streaming call timeout (default: 120s)
}

// DefaultLettaConfig returns the default platform configuration
func DefaultLettaConfig() *LettaConfig {
	return &LettaConfig{
		BaseURL: DefaultLettaBaseURL,
		Timeout: DefaultLettaTimeout,
	}
}

// SessionConfig holds session store bounds
type SessionConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`   // LRU capacity (default: 100)
	TTL           time.Duration `yaml:"ttl"`            // Idle expiry (default: 3h)
	SweepInterval time.Duration `yaml:"sweep_interval"` // Expiry sweep period (default: 5m)
}

// DefaultSessionConfig returns the default session configuration
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		MaxSessions:   DefaultMaxSessions,
		TTL:           DefaultSessionTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// ToolsConfig holds ephemeral tool bridge settings
type ToolsConfig struct {
	Tag      string        `yaml:"tag"`       // Tag carried by every proxy tool
	CacheDir string        `yaml:"cache_dir"` // Badger dir for remote tool ids ("" = in-memory)
	CacheTTL time.Duration `yaml:"cache_ttl"` // Remote tool id reuse window
	CallTTL  time.Duration `yaml:"call_ttl"`  // Pending client call expiry
}

// DefaultToolsConfig returns the default tool bridge configuration
func DefaultToolsConfig() *ToolsConfig {
	return &ToolsConfig{
		Tag:      EphemeralToolTag,
		CacheDir: DefaultKVDir(),
		CacheTTL: DefaultToolCacheTTL,
		CallTTL:  DefaultCallTTL,
	}
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DBPath          string        `yaml:"db_path"`           // Database path
	MaxOpenConns    int           `yaml:"max_open_conns"`    // Max open connections (default: 4)
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // Max idle connections (default: 4)
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // Connection max lifetime (default: 5m)
	WalMode         bool          `yaml:"wal_mode"`          // Enable WAL mode (default: true)
	SyncMode        string        `yaml:"sync_mode"`         // Sync mode (default: "NORMAL")
	EventRetention  time.Duration `yaml:"event_retention"`   // Audit event retention (default: 7d)
}

// DefaultStorageConfig returns the default storage configuration
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		DBPath:          DefaultDBPath(),
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		WalMode:         true,
		SyncMode:        "NORMAL",
		EventRetention:  7 * 24 * time.Hour,
	}
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC endpoint ("" = disabled)
	ServiceName string  `yaml:"service_name"` // Resource service name
	SampleRate  float64 `yaml:"sample_rate"`  // 0..1 (default: 1)
	Insecure    bool    `yaml:"insecure"`     // Plaintext exporter connection
}

// DefaultTracingConfig returns the default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName: "overlaygate",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

// ServerConfig combines all server configurations
type ServerConfig struct {
	Gateway *GatewayConfig `yaml:"gateway"`
	Letta   *LettaConfig   `yaml:"letta"`
	Session *SessionConfig `yaml:"session"`
	Tools   *ToolsConfig   `yaml:"tools"`
	Storage *StorageConfig `yaml:"storage"`
	Tracing *TracingConfig `yaml:"tracing"`
}

// DefaultServerConfig returns a complete default configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Gateway: DefaultGatewayConfig(),
		Letta:   DefaultLettaConfig(),
		Session: DefaultSessionConfig(),
		Tools:   DefaultToolsConfig(),
		Storage: DefaultStorageConfig(),
		Tracing: DefaultTracingConfig(),
	}
}

// LoadFromEnv overrides configuration with environment variables.
// Lookup order per key: process env, then the env.config map (may be nil).
func (c *ServerConfig) LoadFromEnv(prefix string, envConfig map[string]string) {
	get := func(key string) string {
		if v := getEnv(key); v != "" {
			return v
		}
		return envConfig[key]
	}

	// Gateway overrides
	if v := get(prefix + "HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := get(prefix + "PORT"); v != "" {
		c.Gateway.Port = parseInt(v, c.Gateway.Port)
	}
	if v := get(prefix + "AUTH_TOKEN"); v != "" {
		c.Gateway.AuthToken = v
	}
	if v := get(prefix + "GRPC_PORT"); v != "" {
		c.Gateway.GRPCHealthPort = parseInt(v, c.Gateway.GRPCHealthPort)
	}
	if v := get(prefix + "RATE_LIMIT"); v != "" {
		c.Gateway.RateLimitMax = parseInt(v, c.Gateway.RateLimitMax)
	}
	if v := get("PROXY_DEBUG_SESSIONS"); v != "" {
		c.Gateway.DebugSessions = parseBool(v)
	}

	// Platform overrides (unprefixed, shared with other Letta tooling)
	if v := get("LETTA_BASE_URL"); v != "" {
		c.Letta.BaseURL = v
	}
	if v := get("LETTA_API_KEY"); v != "" {
		c.Letta.APIKey = v
	}
	if v := get("LETTA_PROJECT"); v != "" {
		c.Letta.Project = v
	}

	// Session overrides
	if v := get(prefix + "MAX_SESSIONS"); v != "" {
		c.Session.MaxSessions = parseInt(v, c.Session.MaxSessions)
	}
	if v := get(prefix + "SESSION_TTL"); v != "" {
		c.Session.TTL = parseDuration(v, c.Session.TTL)
	}

	// Storage overrides
	if v := get(prefix + "DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := get(prefix + "KV_DIR"); v != "" {
		c.Tools.CacheDir = v
	}

	// Tracing overrides
	if v := get("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
}

// Validate logs configuration that is legal but probably unintended.
// It returns false when the gateway cannot start.
func (c *ServerConfig) Validate() bool {
	ok := true
	if c.Letta.BaseURL == DefaultLettaBaseURL {
		log.Printf("[WARN] LETTA_BASE_URL not set, using default %s", DefaultLettaBaseURL)
	}
	if c.Letta.APIKey == "" {
		log.Printf("[WARN] LETTA_API_KEY not set, platform calls are unauthenticated")
	}
	if c.Session.MaxSessions <= 0 {
		log.Printf("[Config] max_sessions must be positive, got %d", c.Session.MaxSessions)
		ok = false
	}
	if c.Session.TTL <= 0 {
		log.Printf("[Config] session ttl must be positive, got %s", c.Session.TTL)
		ok = false
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		log.Printf("[Config] invalid port %d", c.Gateway.Port)
		ok = false
	}
	return ok
}

// Helper functions
func getEnv(key string) string {
	return os.Getenv(key)
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	// Bare numbers are seconds
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
