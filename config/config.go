package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the mesh services.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Resume    ResumeConfig    `mapstructure:"resume"`
	Streams   StreamsConfig   `mapstructure:"streams"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

func (g GeneralConfig) Validate() error {
	switch strings.ToLower(g.LogLevel) {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("general.log_level must be one of debug, info, warn, error")
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig selects and configures the backing stores.
type StorageConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps all state in
	// process and is meant for a single node or local development.
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "postgres":
		if err := s.Postgres.Validate(); err != nil {
			return err
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", s.Driver)
	}
	return s.Redis.Validate()
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// ResumeConfig tunes the coordinator and the timeout sweeper.
type ResumeConfig struct {
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize     int           `mapstructure:"sweep_batch_size"`
	DefaultPeerTimeout time.Duration `mapstructure:"default_peer_timeout"`
	RetryMaxElapsed    time.Duration `mapstructure:"retry_max_elapsed"`
	RecoveryInterval   time.Duration `mapstructure:"recovery_interval"`
}

// Normalize fills unset values.
func (c ResumeConfig) Normalize() ResumeConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 5 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = time.Minute
	}
	return c
}

func (c ResumeConfig) Validate() error {
	if c.DefaultPeerTimeout < 0 {
		return fmt.Errorf("resume.default_peer_timeout cannot be negative")
	}
	return nil
}

// StreamsConfig names the Redis streams and the consumer group.
type StreamsConfig struct {
	PeerRequestStream string        `mapstructure:"peer_request_stream"`
	PeerReplyStream   string        `mapstructure:"peer_reply_stream"`
	ResumeStream      string        `mapstructure:"resume_stream"`
	TaskEventStream   string        `mapstructure:"task_event_stream"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	MaxLen            int64         `mapstructure:"max_len"`
	ClaimMinIdle      time.Duration `mapstructure:"claim_min_idle"`
}

// Normalize fills unset values.
func (c StreamsConfig) Normalize() StreamsConfig {
	if c.PeerRequestStream == "" {
		c.PeerRequestStream = "peermesh:peer.requests"
	}
	if c.PeerReplyStream == "" {
		c.PeerReplyStream = "peermesh:peer.replies"
	}
	if c.ResumeStream == "" {
		c.ResumeStream = "peermesh:task.resume"
	}
	if c.TaskEventStream == "" {
		c.TaskEventStream = "peermesh:task.events"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "peermesh-resume"
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	return c
}

func (c StreamsConfig) Validate() error {
	if c.MaxLen < 0 {
		return fmt.Errorf("streams.max_len cannot be negative")
	}
	if c.PeerReplyStream == c.PeerRequestStream {
		return fmt.Errorf("streams.peer_reply_stream must differ from streams.peer_request_stream")
	}
	return nil
}

// ReplayConfig controls event retention.
type ReplayConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// Normalize fills unset values.
func (c ReplayConfig) Normalize() ReplayConfig {
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	return c
}

// SchedulerConfig lists cron schedules dispatched to peer agents.
type SchedulerConfig struct {
	Enabled          bool            `mapstructure:"enabled"`
	TickInterval     time.Duration   `mapstructure:"tick_interval"`
	ExecutionTimeout time.Duration   `mapstructure:"execution_timeout"`
	ReplyStream      string          `mapstructure:"reply_stream"`
	Schedules        []ScheduleEntry `mapstructure:"schedules"`
}

// ScheduleEntry is one cron schedule.
type ScheduleEntry struct {
	Name    string                 `mapstructure:"name"`
	Cron    string                 `mapstructure:"cron"`
	Agent   string                 `mapstructure:"agent"`
	Payload map[string]interface{} `mapstructure:"payload"`
}

// Normalize fills unset values.
func (c SchedulerConfig) Normalize() SchedulerConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 10 * time.Minute
	}
	if c.ReplyStream == "" {
		c.ReplyStream = "peermesh:schedule.replies"
	}
	return c
}

func (c SchedulerConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Cron) == "" || strings.TrimSpace(s.Agent) == "" {
			return fmt.Errorf("scheduler.schedules[%d]: name, cron and agent are required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("scheduler.schedules[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Normalize applies defaults to every section.
func (c *Config) Normalize() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	c.Resume = c.Resume.Normalize()
	c.Streams = c.Streams.Normalize()
	c.Replay = c.Replay.Normalize()
	c.Scheduler = c.Scheduler.Normalize()
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		c.General, c.Telemetry, c.Storage, c.Resume, c.Streams, c.Scheduler,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads config.json from path (or the default search paths when path
// is empty), applies PEERMESH_* environment overrides, normalizes and
// validates. A missing file is fine when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.dbname", "peermesh")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("telemetry.metrics_port", 9090)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("PEERMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv registers keys that have no default so AutomaticEnv can populate
// them during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"general.log_level", "general.development",
		"server.jwt_secret",
		"telemetry.enabled", "telemetry.otlp_endpoint",
		"storage.redis.password", "storage.redis.db",
		"storage.postgres.url", "storage.postgres.user",
		"storage.postgres.password", "storage.postgres.dbname",
		"resume.sweep_interval", "resume.sweep_batch_size", "resume.default_peer_timeout", "resume.retry_max_elapsed", "resume.recovery_interval",
		"streams.consumer_group", "streams.max_len",
		"replay.retention",
		"scheduler.enabled", "scheduler.execution_timeout",
	} {
		_ = v.BindEnv(key)
	}
}
