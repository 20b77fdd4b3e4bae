package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	DataDir         string // staged chunks and finalized recordings
	ShutdownTimeout time.Duration
	BaseURL         string // prefixed to recording URLs handed to devices; empty = relative
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	MaxChunkBytes int64 // largest chunk a device may send (default: 2 MiB)
	StagingMaxAge time.Duration

	RateLimitSync int // /v1/sync per device per minute (default: 600)
	RateLimitPair int // pair_device per IP per minute (default: 10)

	CORSAllowedOrigins []string // origins allowed to fetch recordings; empty = disabled
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		ServerDBPath:    "./data/server.db",
		DataDir:         "./data/recordings",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		MaxChunkBytes: 2 << 20,
		StagingMaxAge: 7 * 24 * time.Hour,

		RateLimitSync: 600,
		RateLimitPair: 10,
	}

	if v := os.Getenv("CALLSYNC_SERVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CALLSYNC_SERVER_DB_PATH"); v != "" {
		cfg.ServerDBPath = v
	}
	if v := os.Getenv("CALLSYNC_SERVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CALLSYNC_SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("CALLSYNC_SERVER_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("CALLSYNC_SERVER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CALLSYNC_SERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CALLSYNC_SERVER_MAX_CHUNK_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxChunkBytes = n
		}
	}
	if v := os.Getenv("CALLSYNC_SERVER_STAGING_MAX_AGE"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.StagingMaxAge = d
		}
	}
	if v := os.Getenv("CALLSYNC_SERVER_RATE_LIMIT_SYNC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitSync = n
		}
	}
	if v := os.Getenv("CALLSYNC_SERVER_RATE_LIMIT_PAIR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPair = n
		}
	}
	if v := os.Getenv("CALLSYNC_SERVER_CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}

// maxBodyBytes bounds request bodies: one chunk plus multipart overhead.
func (c Config) maxBodyBytes() int64 {
	return c.MaxChunkBytes + 1<<20
}

// parseDaysDuration parses a string like "7d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
