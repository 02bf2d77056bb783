// Package config handles node configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Operating modes.
const (
	ModeStandalone = "standalone"
	ModeAgent      = "agent"
)

// Config holds all node configuration.
type Config struct {
	// Runtime
	Env      string // development or production
	LogLevel string // debug, info, warn, error
	DBPath   string // SQLite database path

	// Agent mode / C&C connection
	Mode                       string
	CncURL                     string
	NodeID                     string
	Location                   string
	AuthToken                  string
	PublicURL                  string
	SessionTokenURL            string
	SessionTokenRequestTimeout time.Duration
	SessionTokenRefreshBuffer  time.Duration
	AllowQueryTokenFallback    bool
	HeartbeatInterval          time.Duration
	ReconnectInterval          time.Duration
	MaxReconnectAttempts       int // 0 = unbounded

	// Host-event streaming
	HostUpdateDebounce      time.Duration
	MaxBufferedHostEvents   int
	HostEventFlushBatchSize int
	InitialSyncChunkSize    int
	HostStaleAfter          time.Duration

	// Network scanning
	ScanInterval      time.Duration
	ScanDelay         time.Duration
	PingTimeout       time.Duration
	PingConcurrency   int
	UsePingValidation bool

	// Wake verification
	WakeVerifyEnabled      bool
	WakeVerifyTimeout      time.Duration
	WakeVerifyPollInterval time.Duration
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Env:                        "development",
		LogLevel:                   "info",
		DBPath:                     "woly.db",
		Mode:                       ModeStandalone,
		SessionTokenRequestTimeout: 10 * time.Second,
		SessionTokenRefreshBuffer:  60 * time.Second,
		HeartbeatInterval:          30 * time.Second,
		ReconnectInterval:          5 * time.Second,
		MaxReconnectAttempts:       0,
		HostUpdateDebounce:         500 * time.Millisecond,
		MaxBufferedHostEvents:      2000,
		HostEventFlushBatchSize:    100,
		InitialSyncChunkSize:       100,
		HostStaleAfter:             15 * time.Minute,
		ScanInterval:               5 * time.Minute,
		ScanDelay:                  10 * time.Second,
		PingTimeout:                2 * time.Second,
		PingConcurrency:            10,
		UsePingValidation:          true,
		WakeVerifyEnabled:          false,
		WakeVerifyTimeout:          15 * time.Second,
		WakeVerifyPollInterval:     time.Second,
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if env := os.Getenv("NODE_ENV"); env != "" {
		cfg.Env = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}

	if mode := os.Getenv("NODE_MODE"); mode != "" {
		cfg.Mode = mode
	}
	cfg.CncURL = os.Getenv("CNC_URL")
	cfg.NodeID = os.Getenv("NODE_ID")
	cfg.Location = os.Getenv("NODE_LOCATION")
	cfg.AuthToken = os.Getenv("NODE_AUTH_TOKEN")
	cfg.PublicURL = os.Getenv("NODE_PUBLIC_URL")
	cfg.SessionTokenURL = os.Getenv("NODE_SESSION_TOKEN_URL")

	var err error
	if err = loadDurationMs(&cfg.SessionTokenRequestTimeout, "NODE_SESSION_TOKEN_REQUEST_TIMEOUT_MS"); err != nil {
		return nil, err
	}
	if v := os.Getenv("NODE_SESSION_TOKEN_REFRESH_BUFFER_SECONDS"); v != "" {
		seconds, perr := strconv.Atoi(v)
		if perr != nil || seconds < 0 {
			return nil, errors.New("NODE_SESSION_TOKEN_REFRESH_BUFFER_SECONDS must be a non-negative number (seconds)")
		}
		cfg.SessionTokenRefreshBuffer = time.Duration(seconds) * time.Second
	}
	if err = loadBool(&cfg.AllowQueryTokenFallback, "WS_ALLOW_QUERY_TOKEN_FALLBACK"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.ReconnectInterval, "RECONNECT_INTERVAL"); err != nil {
		return nil, err
	}
	if err = loadInt(&cfg.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS"); err != nil {
		return nil, err
	}

	if err = loadDurationMs(&cfg.HostUpdateDebounce, "NODE_HOST_UPDATE_DEBOUNCE_MS"); err != nil {
		return nil, err
	}
	if err = loadInt(&cfg.MaxBufferedHostEvents, "NODE_MAX_BUFFERED_HOST_EVENTS"); err != nil {
		return nil, err
	}
	if err = loadInt(&cfg.HostEventFlushBatchSize, "NODE_HOST_EVENT_FLUSH_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if err = loadInt(&cfg.InitialSyncChunkSize, "NODE_INITIAL_SYNC_CHUNK_SIZE"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.HostStaleAfter, "NODE_HOST_STALE_AFTER_MS"); err != nil {
		return nil, err
	}

	if err = loadDurationMs(&cfg.ScanInterval, "SCAN_INTERVAL"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.ScanDelay, "SCAN_DELAY"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.PingTimeout, "PING_TIMEOUT"); err != nil {
		return nil, err
	}
	if err = loadInt(&cfg.PingConcurrency, "PING_CONCURRENCY"); err != nil {
		return nil, err
	}
	if err = loadBool(&cfg.UsePingValidation, "USE_PING_VALIDATION"); err != nil {
		return nil, err
	}

	if err = loadBool(&cfg.WakeVerifyEnabled, "WAKE_VERIFY_ENABLED"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.WakeVerifyTimeout, "WAKE_VERIFY_TIMEOUT_MS"); err != nil {
		return nil, err
	}
	if err = loadDurationMs(&cfg.WakeVerifyPollInterval, "WAKE_VERIFY_POLL_INTERVAL_MS"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid for the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStandalone, ModeAgent:
	default:
		return fmt.Errorf("NODE_MODE must be %q or %q, got %q", ModeStandalone, ModeAgent, c.Mode)
	}

	if c.Mode == ModeAgent {
		missing := []string{}
		if c.CncURL == "" {
			missing = append(missing, "CNC_URL")
		}
		if c.NodeID == "" {
			missing = append(missing, "NODE_ID")
		}
		if c.Location == "" {
			missing = append(missing, "NODE_LOCATION")
		}
		if c.AuthToken == "" {
			missing = append(missing, "NODE_AUTH_TOKEN")
		}
		if len(missing) > 0 {
			return fmt.Errorf("agent mode requires %s", strings.Join(missing, ", "))
		}
		if c.IsProduction() && !strings.HasPrefix(c.CncURL, "wss://") && !strings.HasPrefix(c.CncURL, "https://") {
			return errors.New("CNC_URL must use TLS (wss:// or https://) in production")
		}
	}

	if c.HeartbeatInterval < time.Second {
		return errors.New("HEARTBEAT_INTERVAL must be at least 1000 ms")
	}
	if c.ReconnectInterval < 100*time.Millisecond {
		return errors.New("RECONNECT_INTERVAL must be at least 100 ms")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.PingConcurrency < 1 {
		return errors.New("PING_CONCURRENCY must be at least 1")
	}
	if c.MaxBufferedHostEvents < 1 || c.HostEventFlushBatchSize < 1 || c.InitialSyncChunkSize < 1 {
		return errors.New("host event buffer, flush batch and sync chunk sizes must be at least 1")
	}
	return nil
}

// IsProduction reports whether the node runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func loadDurationMs(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fmt.Errorf("%s must be a non-negative number (milliseconds)", key)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func loadInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be a number", key)
	}
	*dst = n
	return nil
}

func loadBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%s must be a boolean", key)
	}
	return nil
}
