// Package engineconfig loads the engine's ambient tuning knobs from the
// environment, with a .env file as an optional override source.
package engineconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the engine leaves as an implementation default
// rather than a caller-supplied argument.
type Config struct {
	// DialTimeout bounds the TCP connect step; the SSH handshake that
	// follows has no separate deadline. Overridable for tests that want a
	// tighter bound.
	DialTimeout time.Duration

	// RekeyBytes is applied as the SSH client's RekeyThreshold, generous
	// enough that rekeying rarely interrupts normal use. RekeyTime is
	// loaded from the environment, but no code path applies it to the
	// transport, so there is no time-based rekey.
	RekeyTime  time.Duration
	RekeyBytes int64

	// StabilisationDelay is the post-auth warmup sleep before a freshly
	// dialed transport is handed back for use.
	StabilisationDelay time.Duration

	// BackoffBaseMillis and BackoffMaxMillis parameterise the supervisor's
	// delay_ms = min(BackoffMaxMillis, BackoffBaseMillis*2^min(8,attempt-1))
	// formula.
	BackoffBaseMillis int
	BackoffMaxMillis  int

	// TraceBufferSize is the Trace Bus ring capacity.
	TraceBufferSize int

	// SFTPMaxWriteBytes caps a single write_file payload.
	SFTPMaxWriteBytes int64

	// DefaultCols/DefaultRows seed terminal_create when the caller omits
	// initial_cols/initial_rows.
	DefaultCols int
	DefaultRows int

	// TraceEnabledByDefault controls whether the Trace Bus starts enabled.
	TraceEnabledByDefault bool
}

// Load reads a .env file if present (best effort) and returns a Config
// populated from the environment with engine defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DialTimeout:           getEnvAsDuration("SSHENGINE_DIAL_TIMEOUT", 15*time.Second),
		RekeyTime:             getEnvAsDuration("SSHENGINE_REKEY_TIME", time.Hour),
		RekeyBytes:            getEnvAsInt64("SSHENGINE_REKEY_BYTES", 1<<30),
		StabilisationDelay:    getEnvAsDuration("SSHENGINE_STABILISATION_DELAY", 100*time.Millisecond),
		BackoffBaseMillis:     getEnvAsInt("SSHENGINE_BACKOFF_BASE_MS", 300),
		BackoffMaxMillis:      getEnvAsInt("SSHENGINE_BACKOFF_MAX_MS", 30_000),
		TraceBufferSize:       getEnvAsInt("SSHENGINE_TRACE_BUFFER_SIZE", 512),
		SFTPMaxWriteBytes:     getEnvAsInt64("SSHENGINE_SFTP_MAX_WRITE_BYTES", 2<<20),
		DefaultCols:           getEnvAsInt("SSHENGINE_DEFAULT_COLS", 80),
		DefaultRows:           getEnvAsInt("SSHENGINE_DEFAULT_ROWS", 24),
		TraceEnabledByDefault: getEnvAsBool("SSHENGINE_TRACE_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
