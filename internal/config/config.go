// Package config loads the vidmind server configuration from an optional
// YAML file with APP_-prefixed environment overrides on top.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the vidmind server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Claude     ClaudeConfig     `yaml:"claude"`
	Session    SessionConfig    `yaml:"session"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Audit      AuditConfig      `yaml:"audit"`
	Graph      GraphConfig      `yaml:"graph"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir is the root of the persistence layout.
	DataDir string `yaml:"data_dir"`
}

type ClaudeConfig struct {
	// Model is the upstream model identifier.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider. Empty means the chat
	// surface reports SERVICE_UNAVAILABLE rather than failing at boot.
	APIKey string `yaml:"api_key"`
}

type SessionConfig struct {
	// ResponseTimeout bounds one ProcessMessage wait.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// GreetingTimeout bounds the initial greeting wait.
	GreetingTimeout time.Duration `yaml:"greeting_timeout"`

	// TTL is the inactivity window after which a live actor expires.
	TTL time.Duration `yaml:"session_ttl"`

	// CleanupInterval is how often expired actors are collected.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// GracefulShutdownTimeout is how long Stop waits before cancelling
	// the worker forcibly.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// QueueMaxSize caps the per-actor input queue. A full queue rejects
	// the producer; it never blocks the HTTP layer.
	QueueMaxSize int `yaml:"queue_max_size"`
}

type JobsConfig struct {
	// MaxConcurrent is the fixed worker pool size.
	MaxConcurrent int `yaml:"job_max_concurrent"`
}

type AuditConfig struct {
	// RetentionHours is how long per-session audit files are kept.
	RetentionHours int `yaml:"audit_retention_hours"`

	// MaxEventsPerSession hard-caps one session's event list.
	MaxEventsPerSession int `yaml:"audit_max_events_per_session"`

	// CacheMaxSessions bounds the in-memory LRU of session event lists.
	CacheMaxSessions int `yaml:"audit_cache_max_sessions"`

	// FlushInterval is how often the deferred writer sweeps snapshots
	// whose wakeup was dropped on a full channel.
	FlushInterval time.Duration `yaml:"audit_flush_interval"`

	// WriteBufferSize caps the writer's wakeup channel.
	WriteBufferSize int `yaml:"audit_write_buffer_size"`
}

type GraphConfig struct {
	// EntityResolutionEnabled gates resolution scans.
	EntityResolutionEnabled bool `yaml:"entity_resolution_enabled"`

	// ExportTTLHours is how long export files are kept.
	ExportTTLHours int `yaml:"export_ttl_hours"`

	// BatchExportMaxProjects caps one batch export request.
	BatchExportMaxProjects int `yaml:"batch_export_max_projects"`
}

type TranscribeConfig struct {
	// Command is the external ASR pipeline invoked per job. It receives
	// the media source as its single argument and writes transcript
	// text to stdout.
	Command string `yaml:"command"`

	// Timeout bounds one transcription run.
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			DataDir:    "data",
		},
		Claude: ClaudeConfig{
			Model: "claude-opus-4-5",
		},
		Session: SessionConfig{
			ResponseTimeout:         300 * time.Second,
			GreetingTimeout:         30 * time.Second,
			TTL:                     3600 * time.Second,
			CleanupInterval:         300 * time.Second,
			GracefulShutdownTimeout: 5 * time.Second,
			QueueMaxSize:            10,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
		},
		Audit: AuditConfig{
			RetentionHours:      168,
			MaxEventsPerSession: 10000,
			CacheMaxSessions:    50,
			FlushInterval:       2 * time.Second,
			WriteBufferSize:     256,
		},
		Graph: GraphConfig{
			EntityResolutionEnabled: true,
			ExportTTLHours:          24,
			BatchExportMaxProjects:  50,
		},
		Transcribe: TranscribeConfig{
			Command: "vidmind-transcribe",
			Timeout: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Session.QueueMaxSize <= 0 {
		return fmt.Errorf("session.queue_max_size must be positive, got %d", c.Session.QueueMaxSize)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.job_max_concurrent must be positive, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Audit.MaxEventsPerSession <= 0 {
		return fmt.Errorf("audit.audit_max_events_per_session must be positive, got %d", c.Audit.MaxEventsPerSession)
	}
	if c.Audit.CacheMaxSessions <= 0 {
		return fmt.Errorf("audit.audit_cache_max_sessions must be positive, got %d", c.Audit.CacheMaxSessions)
	}
	if c.Graph.BatchExportMaxProjects <= 0 {
		return fmt.Errorf("graph.batch_export_max_projects must be positive, got %d", c.Graph.BatchExportMaxProjects)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	return nil
}

// String renders the config as YAML with the API key masked.
func (c *Config) String() string {
	masked := *c
	if masked.Claude.APIKey != "" {
		masked.Claude.APIKey = "***"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config{marshal error: %v}", err)
	}
	return string(out)
}
