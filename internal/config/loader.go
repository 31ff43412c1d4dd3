package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix every override variable carries.
const EnvPrefix = "APP_"

// Load builds the effective configuration: defaults, then the YAML file
// at path (if any), then APP_ environment overrides. An empty path means
// file loading is skipped entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays APP_-prefixed variables. Every tunable key
// is overridable; duration keys accept either Go duration syntax or a
// bare number of seconds.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.DataDir, "DATA_DIR")
	setString(&cfg.Claude.Model, "CLAUDE_MODEL")
	setString(&cfg.Claude.APIKey, "ANTHROPIC_API_KEY")

	setDuration(&cfg.Session.ResponseTimeout, "RESPONSE_TIMEOUT")
	setDuration(&cfg.Session.GreetingTimeout, "GREETING_TIMEOUT")
	setDuration(&cfg.Session.TTL, "SESSION_TTL")
	setDuration(&cfg.Session.CleanupInterval, "CLEANUP_INTERVAL")
	setDuration(&cfg.Session.GracefulShutdownTimeout, "GRACEFUL_SHUTDOWN_TIMEOUT")
	setInt(&cfg.Session.QueueMaxSize, "QUEUE_MAX_SIZE")

	setInt(&cfg.Jobs.MaxConcurrent, "JOB_MAX_CONCURRENT")

	setInt(&cfg.Audit.RetentionHours, "AUDIT_RETENTION_HOURS")
	setInt(&cfg.Audit.MaxEventsPerSession, "AUDIT_MAX_EVENTS_PER_SESSION")
	setInt(&cfg.Audit.CacheMaxSessions, "AUDIT_CACHE_MAX_SESSIONS")
	setDuration(&cfg.Audit.FlushInterval, "AUDIT_FLUSH_INTERVAL")
	setInt(&cfg.Audit.WriteBufferSize, "AUDIT_WRITE_BUFFER_SIZE")

	setBool(&cfg.Graph.EntityResolutionEnabled, "ENTITY_RESOLUTION_ENABLED")
	setInt(&cfg.Graph.ExportTTLHours, "EXPORT_TTL_HOURS")
	setInt(&cfg.Graph.BatchExportMaxProjects, "BATCH_EXPORT_MAX_PROJECTS")

	setString(&cfg.Transcribe.Command, "TRANSCRIBE_COMMAND")
	setDuration(&cfg.Transcribe.Timeout, "TRANSCRIBE_TIMEOUT")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func setDuration(dst *time.Duration, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
	}
}
