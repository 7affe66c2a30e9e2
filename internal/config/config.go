// Package config loads the conductor's YAML configuration and the
// environment fallback seeds used before the first settings refresh.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/canvasmesh/conductor/internal/model"
)

type Config struct {
	Worker       WorkerConfig       `yaml:"worker"`
	Seeds        SeedsConfig        `yaml:"seeds"`
	Queue        QueueConfig        `yaml:"queue"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type WorkerConfig struct {
	ID             string `yaml:"id"`
	RuntimeScope   string `yaml:"runtime_scope"`
	DataDir        string `yaml:"data_dir"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	LocalCapacity  int    `yaml:"local_capacity"`
	ClaimBatch     int    `yaml:"claim_batch"`
}

// SeedsConfig carries the tunable fallback seeds; each field defaults to
// its CONDUCTOR_* env var, then to the built-in default.
type SeedsConfig struct {
	RoomConcurrency       int     `yaml:"room_concurrency"`
	LeaseTTLMs            int     `yaml:"lease_ttl_ms"`
	IdlePollBaseMs        int     `yaml:"idle_poll_base_ms"`
	IdlePollMaxMs         int     `yaml:"idle_poll_max_ms"`
	MaxRetryAttempts      int     `yaml:"max_retry_attempts"`
	RetryBaseDelayMs      int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs       int     `yaml:"retry_max_delay_ms"`
	RetryJitterRatio      float64 `yaml:"retry_jitter_ratio"`
	SettingsRefreshMs     int     `yaml:"settings_refresh_ms"`
	ScopeRequeueDelayMs   int     `yaml:"scope_requeue_delay_ms"`
	HeartbeatIntervalMs   int     `yaml:"heartbeat_interval_ms"`
	CapacityBackoffMs     int     `yaml:"capacity_backoff_ms"`
	CrashCooldownMs       int     `yaml:"crash_cooldown_ms"`
	ArbiterResultTTLMs    int     `yaml:"arbiter_result_ttl_ms"`
}

type QueueConfig struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

type TelemetryConfig struct {
	Backend       string `yaml:"backend"` // "nop", "memory", or "nats"
	Address       string `yaml:"address"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ControlPlaneConfig struct {
	KnobFile string `yaml:"knob_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads a config file and applies env/default seeds. An empty path
// yields a pure env/default configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.ID == "" {
		c.Worker.ID = model.NewID(model.IDTypeWorker)
	}
	if c.Worker.RuntimeScope == "" {
		c.Worker.RuntimeScope = string(model.ScopeGeneral)
	}
	if c.Worker.DataDir == "" {
		c.Worker.DataDir = ".conductor"
	}
	if c.Worker.MaxConcurrency <= 0 {
		c.Worker.MaxConcurrency = 8
	}
	if c.Worker.LocalCapacity < 0 {
		c.Worker.LocalCapacity = 0
	}
	if c.Worker.ClaimBatch <= 0 {
		c.Worker.ClaimBatch = c.Worker.MaxConcurrency
	}

	s := &c.Seeds
	seedInt(&s.RoomConcurrency, "CONDUCTOR_ROOM_CONCURRENCY", 2)
	seedInt(&s.LeaseTTLMs, "CONDUCTOR_LEASE_TTL_MS", 15000)
	seedInt(&s.IdlePollBaseMs, "CONDUCTOR_IDLE_POLL_BASE_MS", 500)
	seedInt(&s.IdlePollMaxMs, "CONDUCTOR_IDLE_POLL_MAX_MS", 1000)
	seedInt(&s.MaxRetryAttempts, "CONDUCTOR_MAX_RETRY_ATTEMPTS", 5)
	seedInt(&s.RetryBaseDelayMs, "CONDUCTOR_RETRY_BASE_DELAY_MS", 1000)
	seedInt(&s.RetryMaxDelayMs, "CONDUCTOR_RETRY_MAX_DELAY_MS", 15000)
	seedFloat(&s.RetryJitterRatio, "CONDUCTOR_RETRY_JITTER_RATIO", 0.2)
	seedInt(&s.SettingsRefreshMs, "CONDUCTOR_SETTINGS_REFRESH_MS", 30000)
	seedInt(&s.ScopeRequeueDelayMs, "CONDUCTOR_SCOPE_REQUEUE_DELAY_MS", 300)
	seedInt(&s.HeartbeatIntervalMs, "CONDUCTOR_HEARTBEAT_INTERVAL_MS", 10000)
	seedInt(&s.CapacityBackoffMs, "CONDUCTOR_CAPACITY_BACKOFF_MS", 250)
	seedInt(&s.CrashCooldownMs, "CONDUCTOR_CRASH_COOLDOWN_MS", 5000)
	seedInt(&s.ArbiterResultTTLMs, "CONDUCTOR_ARBITER_RESULT_TTL_MS", 60000)

	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Telemetry.Backend == "" {
		c.Telemetry.Backend = "nop"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Settings builds the initial runtime settings snapshot from the seeds.
func (s SeedsConfig) Settings() model.RuntimeSettings {
	return model.RuntimeSettings{
		RoomConcurrency:  s.RoomConcurrency,
		LeaseTTL:         time.Duration(s.LeaseTTLMs) * time.Millisecond,
		IdlePollBase:     time.Duration(s.IdlePollBaseMs) * time.Millisecond,
		IdlePollMax:      time.Duration(s.IdlePollMaxMs) * time.Millisecond,
		MaxRetryAttempts: s.MaxRetryAttempts,
		RetryBaseDelay:   time.Duration(s.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:    time.Duration(s.RetryMaxDelayMs) * time.Millisecond,
		RetryJitterRatio: s.RetryJitterRatio,
	}.Clamp()
}

func (s SeedsConfig) SettingsRefresh() time.Duration {
	return time.Duration(s.SettingsRefreshMs) * time.Millisecond
}

func (s SeedsConfig) ScopeRequeueDelay() time.Duration {
	return time.Duration(s.ScopeRequeueDelayMs) * time.Millisecond
}

func (s SeedsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

func (s SeedsConfig) CapacityBackoff() time.Duration {
	return time.Duration(s.CapacityBackoffMs) * time.Millisecond
}

func (s SeedsConfig) CrashCooldown() time.Duration {
	return time.Duration(s.CrashCooldownMs) * time.Millisecond
}

func (s SeedsConfig) ArbiterResultTTL() time.Duration {
	return time.Duration(s.ArbiterResultTTLMs) * time.Millisecond
}

func seedInt(field *int, env string, fallback int) {
	if *field > 0 {
		return
	}
	if raw := os.Getenv(env); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*field = v
			return
		}
	}
	*field = fallback
}

func seedFloat(field *float64, env string, fallback float64) {
	if *field > 0 {
		return
	}
	if raw := os.Getenv(env); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			*field = v
			return
		}
	}
	*field = fallback
}
