// Package config materializes typed configuration from environment
// variables. Every recognized key has a default so a bare environment
// yields a runnable development configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object returned by Load and passed
// to component constructors. No component reads the environment directly.
type Config struct {
	HTTPPort int
	PodID    string

	Store     StoreConfig
	Database  DatabaseConfig
	Providers *ProviderRegistry
	Palette   PaletteConfig
	Buffer    BufferConfig
	SMS       SMSConfig
	Auth      AuthConfig
}

// StoreConfig configures the coordination store connection.
type StoreConfig struct {
	URL         string
	PingTimeout time.Duration
}

// DatabaseConfig configures the relational connection pool. The pool is a
// scarce shared resource: for W workers the database must sustain
// W * (PoolSize + PoolOverflow) connections.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	PoolSize     int
	PoolOverflow int
}

// DSN returns the pgx-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PaletteConfig controls the node-palette streamer.
type PaletteConfig struct {
	NodesPerProvider int
	BatchDeadline    time.Duration
	SessionIdleTTL   time.Duration
	CancelGrace      time.Duration
}

// BufferConfig controls the token-usage buffer.
type BufferConfig struct {
	FlushInterval  time.Duration
	FlushThreshold int
	FallbackDepth  int
}

// SMSConfig controls the one-time-code service.
type SMSConfig struct {
	GatewayURL     string
	GatewayAppID   string
	GatewaySecret  string
	CodeTTL        time.Duration
	ResendCooldown time.Duration
	HourlyCap      int
	MaxAttempts    int
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Load reads the full configuration from the environment.
func Load() (*Config, error) {
	providers, err := LoadProviders()
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort: getEnvIntLenient("HTTP_PORT", 8080),
		PodID:    resolvePodID(),
		Store: StoreConfig{
			URL:         getEnv("COORDINATION_STORE_URL", "redis://localhost:6379/0"),
			PingTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         dbPort,
			User:         getEnv("DB_USER", "mindcanvas"),
			Password:     os.Getenv("DB_PASSWORD"),
			Database:     getEnv("DB_NAME", "mindcanvas"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			PoolSize:     getEnvIntLenient("DB_POOL_SIZE", 5),
			PoolOverflow: getEnvIntLenient("DB_POOL_OVERFLOW", 10),
		},
		Providers: providers,
		Palette: PaletteConfig{
			NodesPerProvider: getEnvIntLenient("PALETTE_NODES_PER_PROVIDER", 15),
			BatchDeadline:    getEnvSeconds("PALETTE_BATCH_DEADLINE_SECONDS", 30*time.Second),
			SessionIdleTTL:   getEnvSeconds("PALETTE_SESSION_IDLE_SECONDS", 10*time.Minute),
			CancelGrace:      500 * time.Millisecond,
		},
		Buffer: BufferConfig{
			FlushInterval:  getEnvSeconds("TOKEN_BUFFER_FLUSH_INTERVAL_SECONDS", 10*time.Second),
			FlushThreshold: getEnvIntLenient("TOKEN_BUFFER_FLUSH_THRESHOLD", 1000),
			FallbackDepth:  10000,
		},
		SMS: SMSConfig{
			GatewayURL:     os.Getenv("SMS_GATEWAY_URL"),
			GatewayAppID:   os.Getenv("SMS_GATEWAY_APP_ID"),
			GatewaySecret:  os.Getenv("SMS_GATEWAY_SECRET"),
			CodeTTL:        getEnvSeconds("SMS_CODE_TTL_SECONDS", 5*time.Minute),
			ResendCooldown: getEnvSeconds("SMS_RESEND_COOLDOWN_SECONDS", 60*time.Second),
			HourlyCap:      getEnvIntLenient("SMS_HOURLY_CAP", 5),
			MaxAttempts:    getEnvIntLenient("SMS_MAX_ATTEMPTS", 5),
		},
		Auth: AuthConfig{
			JWTSecret:   []byte(getEnv("JWT_SECRET", "dev-secret-do-not-use")),
			TokenExpiry: getEnvSeconds("JWT_EXPIRY_SECONDS", 24*time.Hour),
		},
	}

	return cfg, nil
}

// resolvePodID determines the worker identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvIntLenient is for keys where a malformed value should fall back to
// the default rather than fail startup.
func getEnvIntLenient(key string, defaultVal int) int {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvSeconds reads a duration expressed in whole seconds
// (the *_SECONDS convention), falling back on parse failure.
func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || secs <= 0 {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
