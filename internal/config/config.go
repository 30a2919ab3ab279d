package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all warden daemon configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Daemon loop settings
	Daemon DaemonConfig `yaml:"daemon"`

	// Hardware capability detection
	Hardware HardwareConfig `yaml:"hardware"`

	// Inference routing (local + cloud fallback chain)
	Inference InferenceConfig `yaml:"inference"`

	// Skill memory storage
	Memory MemoryConfig `yaml:"memory"`

	// Sandbox execution
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Filesystem snapshots
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Risk policy
	Policy PolicyConfig `yaml:"policy"`

	// Control channel
	Control ControlConfig `yaml:"control"`

	// Telemetry and liveness
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DaemonConfig configures the orchestration loop.
type DaemonConfig struct {
	StateDir         string `yaml:"state_dir"`         // persisted cycle state lives here
	LoopInterval     string `yaml:"loop_interval"`     // pause between cycles
	FailureThreshold int    `yaml:"failure_threshold"` // consecutive failed cycles before ERROR
}

// HardwareConfig configures the capability detector.
type HardwareConfig struct {
	ProbeBinary       string `yaml:"probe_binary"` // accelerator query tool
	CacheTTL          string `yaml:"cache_ttl"`
	LocalCapableMinMB int    `yaml:"local_capable_min_mb"` // free accelerator memory needed for local inference
}

// TargetConfig describes a single inference target.
type TargetConfig struct {
	Provider string `yaml:"provider"` // ollama, gemini, openai
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// EmbeddingConfig configures the embedding backend for skill memory.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama or gemini
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// InferenceConfig configures the fallback router.
type InferenceConfig struct {
	Timeout        string          `yaml:"timeout"` // per-candidate deadline
	RateLimit      float64         `yaml:"rate_limit"`
	RateBurst      int             `yaml:"rate_burst"`
	Local          TargetConfig    `yaml:"local"`
	CloudPrimary   TargetConfig    `yaml:"cloud_primary"`
	CloudSecondary TargetConfig    `yaml:"cloud_secondary"`
	Embedding      EmbeddingConfig `yaml:"embedding"`
}

// MemoryConfig configures the skill store.
type MemoryConfig struct {
	DatabasePath        string  `yaml:"database_path"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxResults          int     `yaml:"max_results"`
}

// SandboxConfig configures the sandbox executor.
type SandboxConfig struct {
	Runtime         string `yaml:"runtime"` // container runtime binary (podman, docker)
	Image           string `yaml:"image"`
	Timeout         string `yaml:"timeout"`
	MemoryLimit     string `yaml:"memory_limit"`
	CPUQuota        string `yaml:"cpu_quota"` // fraction of one CPU, e.g. "0.5"
	TmpfsSize       string `yaml:"tmpfs_size"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	ApprovalTimeout string `yaml:"approval_timeout"`
}

// SnapshotConfig configures the rollback coordinator.
type SnapshotConfig struct {
	Binary          string `yaml:"binary"`           // btrfs tool path
	PrivilegeHelper string `yaml:"privilege_helper"` // e.g. pkexec; empty to invoke directly
	SourcePath      string `yaml:"source_path"`      // subvolume to snapshot
	SnapshotDir     string `yaml:"snapshot_dir"`
	Retention       string `yaml:"retention"`
}

// PolicyConfig configures risk classification.
type PolicyConfig struct {
	RulesPath string `yaml:"rules_path"` // empty = embedded default policy
}

// ControlConfig configures the control channel listener.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"` // unix socket; takes priority when set
	ListenAddr string `yaml:"listen_addr"` // tcp fallback, loopback only
}

// TelemetryConfig configures telemetry and the liveness heartbeat.
type TelemetryConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	LogTailLines      int    `yaml:"log_tail_lines"`
}

// LoggingConfig configures logging output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "0.3.0",

		Daemon: DaemonConfig{
			StateDir:         "/var/lib/warden",
			LoopInterval:     "10s",
			FailureThreshold: 3,
		},

		Hardware: HardwareConfig{
			ProbeBinary:       "nvidia-smi",
			CacheTTL:          "60s",
			LocalCapableMinMB: 8192,
		},

		Inference: InferenceConfig{
			Timeout:   "45s",
			RateLimit: 1.0,
			RateBurst: 2,
			Local: TargetConfig{
				Provider: "ollama",
				Model:    "llama3:8b",
				BaseURL:  "http://localhost:11434",
			},
			CloudPrimary: TargetConfig{
				Provider: "gemini",
				Model:    "gemini-2.0-flash",
			},
			CloudSecondary: TargetConfig{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				BaseURL:  "https://api.openai.com/v1",
			},
			Embedding: EmbeddingConfig{
				Provider:   "ollama",
				Model:      "nomic-embed-text",
				Dimensions: 768,
			},
		},

		Memory: MemoryConfig{
			DatabasePath:        "/var/lib/warden/skills.db",
			SimilarityThreshold: 0.78,
			MaxResults:          5,
		},

		Sandbox: SandboxConfig{
			Runtime:         "podman",
			Image:           "alpine:3.20",
			Timeout:         "30s",
			MemoryLimit:     "512m",
			CPUQuota:        "0.5",
			TmpfsSize:       "64m",
			MaxConcurrent:   2,
			ApprovalTimeout: "120s",
		},

		Snapshot: SnapshotConfig{
			Binary:      "/usr/bin/btrfs",
			SourcePath:  "/",
			SnapshotDir: "/@snapshots",
			Retention:   "168h",
		},

		Policy: PolicyConfig{},

		Control: ControlConfig{
			SocketPath: "/run/warden/control.sock",
			ListenAddr: "127.0.0.1:7433",
		},

		Telemetry: TelemetryConfig{
			HeartbeatInterval: "5s",
			LogTailLines:      20,
		},

		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			File:       "/var/log/warden/warden.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// DefaultPath returns the conventional config file location, honoring the
// WARDEN_CONFIG override.
func DefaultPath() string {
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	return "/etc/warden/config.yaml"
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. API keys are never
// written to the YAML file; the environment wins when both are set.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Inference.CloudPrimary.APIKey = key
		if c.Inference.Embedding.Provider == "gemini" {
			c.Inference.Embedding.APIKey = key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Inference.CloudSecondary.APIKey = key
	}

	if dir := os.Getenv("WARDEN_STATE_DIR"); dir != "" {
		c.Daemon.StateDir = dir
	}
	if path := os.Getenv("WARDEN_DB"); path != "" {
		c.Memory.DatabasePath = path
	}
	if sock := os.Getenv("WARDEN_SOCKET"); sock != "" {
		c.Control.SocketPath = sock
	}
	if addr := os.Getenv("WARDEN_LISTEN_ADDR"); addr != "" {
		c.Control.ListenAddr = addr
	}
	if lvl := os.Getenv("WARDEN_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if rt := os.Getenv("WARDEN_SANDBOX_RUNTIME"); rt != "" {
		c.Sandbox.Runtime = rt
	}
	if thr := os.Getenv("WARDEN_SIMILARITY_THRESHOLD"); thr != "" {
		if v, err := strconv.ParseFloat(thr, 64); err == nil {
			c.Memory.SimilarityThreshold = v
		}
	}
}

// duration parses a config duration string, falling back when unset or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoopInterval returns the pause between orchestration cycles.
func (c *Config) LoopInterval() time.Duration {
	return duration(c.Daemon.LoopInterval, 10*time.Second)
}

// HardwareCacheTTL returns how long a capability report stays fresh.
func (c *Config) HardwareCacheTTL() time.Duration {
	return duration(c.Hardware.CacheTTL, 60*time.Second)
}

// InferenceTimeout returns the per-candidate inference deadline.
func (c *Config) InferenceTimeout() time.Duration {
	return duration(c.Inference.Timeout, 45*time.Second)
}

// SandboxTimeout returns the sandbox wall-clock limit.
func (c *Config) SandboxTimeout() time.Duration {
	return duration(c.Sandbox.Timeout, 30*time.Second)
}

// ApprovalTimeout returns how long a HIGH-risk run waits for operator approval.
func (c *Config) ApprovalTimeout() time.Duration {
	return duration(c.Sandbox.ApprovalTimeout, 120*time.Second)
}

// SnapshotRetention returns the snapshot pruning age.
func (c *Config) SnapshotRetention() time.Duration {
	return duration(c.Snapshot.Retention, 168*time.Hour)
}

// HeartbeatInterval returns the liveness heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return duration(c.Telemetry.HeartbeatInterval, 5*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Daemon.FailureThreshold < 1 {
		return fmt.Errorf("daemon.failure_threshold must be at least 1")
	}
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be in [0, 1]")
	}
	if c.Memory.DatabasePath == "" {
		return fmt.Errorf("memory.database_path not configured")
	}
	if c.Sandbox.Runtime == "" {
		return fmt.Errorf("sandbox.runtime not configured")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be at least 1")
	}
	if c.Control.SocketPath == "" && c.Control.ListenAddr == "" {
		return fmt.Errorf("control channel needs socket_path or listen_addr")
	}
	if c.Inference.Embedding.Dimensions <= 0 {
		return fmt.Errorf("inference.embedding.dimensions must be positive")
	}
	return nil
}
