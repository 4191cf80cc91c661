// Package config provides environment-variable configuration loading shared
// by every component, following spec.md §6.4's recognized options.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads environment variables from an optional .env overlay. Missing
// files are not an error; the process environment remains authoritative.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("no local env files loaded; relying on process environment")
		return
	}
	logger.Debugf("loaded env files: %s", strings.Join(loaded, ", "))
}

// GetEnv returns an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns an integer environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool returns a boolean environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDurationMS returns a millisecond-denominated environment variable as a
// time.Duration, or a default value.
func GetEnvDurationMS(key string, defaultMS int) time.Duration {
	return time.Duration(GetEnvInt(key, defaultMS)) * time.Millisecond
}

// GetLogLevel derives the log level from LOG_LEVEL.
func GetLogLevel() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// RequireEnv fetches a variable and terminates the process if it is unset,
// matching the teacher's fail-fast startup convention (spec.md's InitError).
func RequireEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		logrus.Fatalf("environment variable %s is required but not set", key)
	}
	return value
}

// Settings bundles the recognized options from spec.md §6.4.
type Settings struct {
	BusAddr  string
	BusDB    int
	BusPass  string
	HTTPPort string

	BufferInterval      time.Duration
	BufferMaxSize       int
	PatternTTLSec       int
	ResponseCacheTTLSec int
	IndexTTLSec         int
	RateLimitPerSec     int
	PerSendDeadline     time.Duration
	QueryDeadline       time.Duration
}

// Load reads Settings from the process environment, applying spec.md's
// documented defaults.
func Load() Settings {
	return Settings{
		BusAddr:  RequireEnv("BUS_ADDR"),
		BusDB:    GetEnvInt("BUS_DB", 0),
		BusPass:  GetEnv("BUS_PASSWORD", ""),
		HTTPPort: GetEnv("PORT", "8080"),

		BufferInterval:      GetEnvDurationMS("BUFFER_INTERVAL_MS", 250),
		BufferMaxSize:       GetEnvInt("BUFFER_MAX_SIZE", 100),
		PatternTTLSec:       GetEnvInt("PATTERN_TTL_SEC", 3600),
		ResponseCacheTTLSec: GetEnvInt("RESPONSE_CACHE_TTL_SEC", 30),
		IndexTTLSec:         GetEnvInt("INDEX_TTL_SEC", 3600),
		RateLimitPerSec:     GetEnvInt("RATE_LIMIT_EVENTS_PER_SEC", 100),
		PerSendDeadline:     GetEnvDurationMS("PER_SEND_DEADLINE_MS", 50),
		QueryDeadline:       GetEnvDurationMS("QUERY_DEADLINE_MS", 1000),
	}
}
