package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the signaling server listens on.
	DefaultAddr = ":3001"
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultHeartbeatCheckInterval controls how often connection liveness is evaluated.
	DefaultHeartbeatCheckInterval = 5 * time.Second
	// DefaultHeartbeatMaxSilence is the longest a connection may go without a client ping.
	DefaultHeartbeatMaxSilence = 25 * time.Second
	// DefaultRequestTimeout bounds how long a pending request may await its response.
	DefaultRequestTimeout = 20 * time.Second

	// DefaultRedisAddr is where the room/key store is expected unless overridden.
	DefaultRedisAddr = "localhost:6379"

	// DefaultTokenLeeway absorbs clock skew between token issuers and this server.
	DefaultTokenLeeway = 2 * time.Second

	// DefaultJournalDumpWindow bounds how frequently journal dumps may be requested.
	DefaultJournalDumpWindow = time.Minute
	// DefaultJournalDumpBurst sets how many journal dumps may be made per window.
	DefaultJournalDumpBurst = 1

	// DefaultLogLevel controls verbosity for signaling logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "signaling.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the signaling server.
type Config struct {
	Address         string
	MaxPayloadBytes int64
	TLSCertPath     string
	TLSKeyPath      string

	HeartbeatCheckInterval time.Duration
	HeartbeatMaxSilence    time.Duration
	RequestTimeout         time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenSecret string
	TokenLeeway time.Duration
	AdminToken  string

	JournalPath       string
	JournalDumpWindow time.Duration
	JournalDumpBurst  int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the signaling configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:                getString("SIGNAL_ADDR", DefaultAddr),
		MaxPayloadBytes:        DefaultMaxPayloadBytes,
		TLSCertPath:            strings.TrimSpace(os.Getenv("SIGNAL_TLS_CERT")),
		TLSKeyPath:             strings.TrimSpace(os.Getenv("SIGNAL_TLS_KEY")),
		HeartbeatCheckInterval: DefaultHeartbeatCheckInterval,
		HeartbeatMaxSilence:    DefaultHeartbeatMaxSilence,
		RequestTimeout:         DefaultRequestTimeout,
		RedisAddr:              getString("SIGNAL_REDIS_ADDR", DefaultRedisAddr),
		RedisPassword:          os.Getenv("SIGNAL_REDIS_PASSWORD"),
		TokenSecret:            strings.TrimSpace(os.Getenv("SIGNAL_TOKEN_SECRET")),
		TokenLeeway:            DefaultTokenLeeway,
		AdminToken:             strings.TrimSpace(os.Getenv("SIGNAL_ADMIN_TOKEN")),
		JournalPath:            strings.TrimSpace(os.Getenv("SIGNAL_JOURNAL_PATH")),
		JournalDumpWindow:      DefaultJournalDumpWindow,
		JournalDumpBurst:       DefaultJournalDumpBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SIGNAL_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SIGNAL_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_HEARTBEAT_CHECK_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_HEARTBEAT_CHECK_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatCheckInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_HEARTBEAT_MAX_SILENCE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_HEARTBEAT_MAX_SILENCE must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatMaxSilence = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_REQUEST_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_REQUEST_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.RequestTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_REDIS_DB must be a non-negative integer, got %q", raw))
		} else {
			cfg.RedisDB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_TOKEN_LEEWAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_TOKEN_LEEWAY must be a non-negative duration, got %q", raw))
		} else {
			cfg.TokenLeeway = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_JOURNAL_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_JOURNAL_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.JournalDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_JOURNAL_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_JOURNAL_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.JournalDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNAL_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNAL_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SIGNAL_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.HeartbeatMaxSilence <= cfg.HeartbeatCheckInterval {
		problems = append(problems, "SIGNAL_HEARTBEAT_MAX_SILENCE must exceed SIGNAL_HEARTBEAT_CHECK_INTERVAL")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "SIGNAL_TLS_CERT and SIGNAL_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
