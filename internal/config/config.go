// Package config holds the named parameters from the runtime's
// configuration surface. Loading the YAML file that backs these structs is
// a thin helper here; how the file path reaches the process (flag, env var,
// discovery) is left to cmd/ main functions, matching that configuration
// loading itself sits outside the dispatcher and memory cores.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of overridable options named in the specification.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Container ContainerConfig `yaml:"container"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Memory    MemoryConfig    `yaml:"memory"`
	IPC       IPCConfig       `yaml:"ipc"`
	Bus       BusConfig       `yaml:"bus"`
	Queue     QueueConfig     `yaml:"queue"`
}

// PoolConfig controls warm-pool sizing and spawn fallback behavior.
type PoolConfig struct {
	MaxConcurrentContainers int           `yaml:"max_concurrent_containers"`
	Min                     int           `yaml:"pool_min"`
	Max                     int           `yaml:"pool_max"`
	IdleTimeout             time.Duration `yaml:"pool_idle_timeout"`
	MaxReuse                int           `yaml:"pool_max_reuse"`
	WarmupInterval          time.Duration `yaml:"pool_warmup_interval"`
}

// ContainerConfig controls per-instance resource caps and timeouts.
type ContainerConfig struct {
	MemoryLimitBytes int64         `yaml:"container_memory_limit"`
	CPULimit         float64       `yaml:"container_cpu_limit"`
	HardKillTimeout  time.Duration `yaml:"container_hard_kill_timeout"`
	OutputTimeout    time.Duration `yaml:"container_output_timeout"`
	WarmingMax       time.Duration `yaml:"container_warming_max"`
	IdleCloseStdin   time.Duration `yaml:"idle_close_stdin"`
}

// SessionConfig bounds session and typing-indicator lifetimes.
type SessionConfig struct {
	TypingMaxTTL time.Duration `yaml:"typing_max_ttl"`
	MaxAge       time.Duration `yaml:"session_max_age"`
}

// SchedulerConfig controls the job clock.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"scheduler_poll_interval"`
}

// HeartbeatConfig controls the periodic self-check and its delivery gating.
type HeartbeatConfig struct {
	IntervalMS       time.Duration `yaml:"heartbeat_interval_ms"`
	AlertCooldownMS  time.Duration `yaml:"heartbeat_alert_cooldown_ms"`
	ShowOK           bool          `yaml:"heartbeat_show_ok"`
	ShowAlerts       bool          `yaml:"heartbeat_show_alerts"`
	UseIndicator     bool          `yaml:"heartbeat_use_indicator"`
	DeliveryMuted    bool          `yaml:"heartbeat_delivery_muted"`
}

// MemoryConfig controls the memory API and its backends.
type MemoryConfig struct {
	APIToken       string `yaml:"memory_api_token"`
	VectorURL      string `yaml:"vector_backend_url"`
	ThaiNLPURL     string `yaml:"thai_nlp_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// IPCConfig controls the file-IPC fabric.
type IPCConfig struct {
	HMACSecret   string        `yaml:"ipc_hmac_secret"`
	PollInterval time.Duration `yaml:"ipc_poll_interval"`
}

// BusConfig controls admission debouncing and dedupe.
type BusConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	DedupeWindow   int           `yaml:"dedupe_window"`
}

// QueueConfig controls per-conversation queue capacity and retry policy.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// Default returns the configuration with the values the specification
// lists as typical defaults.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConcurrentContainers: 8,
			Min:                     2,
			Max:                     8,
			IdleTimeout:             10 * time.Minute,
			MaxReuse:                20,
			WarmupInterval:          5 * time.Second,
		},
		Container: ContainerConfig{
			MemoryLimitBytes: 512 * 1024 * 1024,
			CPULimit:         1.0,
			HardKillTimeout:  5 * time.Minute,
			OutputTimeout:    60 * time.Second,
			WarmingMax:       30 * time.Second,
			IdleCloseStdin:   15 * time.Second,
		},
		Session: SessionConfig{
			TypingMaxTTL: 10 * time.Second,
			MaxAge:       2 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMS:      5 * time.Minute,
			AlertCooldownMS: 30 * time.Minute,
			ShowOK:          false,
			ShowAlerts:      true,
			UseIndicator:    true,
			DeliveryMuted:   false,
		},
		Memory: MemoryConfig{
			CacheTTL: 30 * time.Second,
		},
		IPC: IPCConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Bus: BusConfig{
			DebounceWindow: 100 * time.Millisecond,
			DedupeWindow:   2048,
		},
		Queue: QueueConfig{
			Capacity:    20,
			MaxAttempts: 5,
			BackoffCap:  60 * time.Second,
		},
	}
}

// Load reads a YAML configuration file at path and overlays it on the
// defaults. A missing file is not an error: the defaults are returned as-is,
// matching the teacher's tolerant config-loading style.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}
