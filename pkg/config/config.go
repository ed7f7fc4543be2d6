// Package config provides centralized configuration management for the
// sandbox daemon.
//
// Configuration can be loaded from:
//   - a TOML configuration file (default: /etc/sandboxd/config.toml)
//   - environment variables (prefixed with SANDBOXD_)
//
// Configuration is organized into sections matching the domain components:
// Runtime, VM, Pool, Agent, Metrics, Log.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the sandbox daemon.
type Config struct {
	Runtime RuntimeConfig `toml:"runtime"`
	VM      VMConfig      `toml:"vm"`
	Pool    PoolConfig    `toml:"pool"`
	Agent   AgentConfig   `toml:"agent"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// RuntimeConfig holds general runtime settings.
type RuntimeConfig struct {
	RuntimeDir        string        `toml:"runtime_dir"`
	FirecrackerBinary string        `toml:"firecracker_binary"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	MaxSandboxes      int           `toml:"max_sandboxes"`
	APIAddress        string        `toml:"api_address"`
}

// VMConfig holds default VM configuration.
type VMConfig struct {
	KernelPath       string `toml:"kernel_path"`
	KernelArgs       string `toml:"kernel_args"`
	RootfsPath       string `toml:"rootfs_path"`
	DefaultVcpuCount int64  `toml:"default_vcpu_count"`
	DefaultMemoryMB  int64  `toml:"default_memory_mb"`
	MinMemoryMB      int64  `toml:"min_memory_mb"`
	MaxMemoryMB      int64  `toml:"max_memory_mb"`
}

// PoolConfig holds warm pool configuration.
type PoolConfig struct {
	Enabled            bool          `toml:"enabled"`
	MinSize            int           `toml:"min_size"`
	MaxConcurrentBoots int           `toml:"max_concurrent_boots"`
	FillInterval       time.Duration `toml:"fill_interval"`
}

// AgentConfig holds guest agent transport configuration.
type AgentConfig struct {
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	DialRetryInterval time.Duration `toml:"dial_retry_interval"`
	CommandTimeout    time.Duration `toml:"command_timeout"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			RuntimeDir:        "/run/sandboxd",
			FirecrackerBinary: "/usr/bin/firecracker",
			ShutdownTimeout:   30 * time.Second,
			MaxSandboxes:      100,
			APIAddress:        ":8080",
		},
		VM: VMConfig{
			KernelPath:       "/var/lib/sandboxd/vmlinux",
			KernelArgs:       "console=ttyS0 reboot=k panic=1 pci=off quiet",
			RootfsPath:       "/var/lib/sandboxd/rootfs.ext4",
			DefaultVcpuCount: 2,
			DefaultMemoryMB:  256,
			MinMemoryMB:      64,
			MaxMemoryMB:      8192,
		},
		Pool: PoolConfig{
			Enabled:            true,
			MinSize:            3,
			MaxConcurrentBoots: 2,
			FillInterval:       1 * time.Second,
		},
		Agent: AgentConfig{
			ConnectTimeout:    10 * time.Second,
			DialRetryInterval: 100 * time.Millisecond,
			CommandTimeout:    30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, returning defaults
// unchanged if the file does not exist. Uses github.com/BurntSushi/toml
// rather than a hand-rolled parser.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv applies SANDBOXD_-prefixed environment variable overrides.
// Example: SANDBOXD_VM_DEFAULT_MEMORY_MB=512
func LoadFromEnv(cfg *Config) {
	loadEnvString(&cfg.Runtime.RuntimeDir, "SANDBOXD_RUNTIME_DIR")
	loadEnvString(&cfg.Runtime.FirecrackerBinary, "SANDBOXD_FIRECRACKER_BINARY")
	loadEnvDuration(&cfg.Runtime.ShutdownTimeout, "SANDBOXD_SHUTDOWN_TIMEOUT")
	loadEnvInt(&cfg.Runtime.MaxSandboxes, "SANDBOXD_MAX_SANDBOXES")
	loadEnvString(&cfg.Runtime.APIAddress, "SANDBOXD_API_ADDRESS")

	loadEnvString(&cfg.VM.KernelPath, "SANDBOXD_VM_KERNEL_PATH")
	loadEnvString(&cfg.VM.KernelArgs, "SANDBOXD_VM_KERNEL_ARGS")
	loadEnvString(&cfg.VM.RootfsPath, "SANDBOXD_VM_ROOTFS_PATH")
	loadEnvInt64(&cfg.VM.DefaultVcpuCount, "SANDBOXD_VM_DEFAULT_VCPU_COUNT")
	loadEnvInt64(&cfg.VM.DefaultMemoryMB, "SANDBOXD_VM_DEFAULT_MEMORY_MB")
	loadEnvInt64(&cfg.VM.MinMemoryMB, "SANDBOXD_VM_MIN_MEMORY_MB")
	loadEnvInt64(&cfg.VM.MaxMemoryMB, "SANDBOXD_VM_MAX_MEMORY_MB")

	loadEnvBool(&cfg.Pool.Enabled, "SANDBOXD_POOL_ENABLED")
	loadEnvInt(&cfg.Pool.MinSize, "SANDBOXD_POOL_MIN_SIZE")
	loadEnvInt(&cfg.Pool.MaxConcurrentBoots, "SANDBOXD_POOL_MAX_CONCURRENT_BOOTS")
	loadEnvDuration(&cfg.Pool.FillInterval, "SANDBOXD_POOL_FILL_INTERVAL")

	loadEnvBool(&cfg.Metrics.Enabled, "SANDBOXD_METRICS_ENABLED")
	loadEnvString(&cfg.Metrics.Address, "SANDBOXD_METRICS_ADDRESS")

	loadEnvString(&cfg.Log.Level, "SANDBOXD_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "SANDBOXD_LOG_FORMAT")
}

// Validate checks cross-field invariants and that required binaries/paths
// are present.
func (c *Config) Validate() error {
	if err := ensureDir(c.Runtime.RuntimeDir); err != nil {
		return fmt.Errorf("failed to ensure runtime dir %s: %w", c.Runtime.RuntimeDir, err)
	}

	if _, err := os.Stat(c.Runtime.FirecrackerBinary); err != nil {
		return fmt.Errorf("firecracker binary not found: %s", c.Runtime.FirecrackerBinary)
	}

	if _, err := os.Stat(c.VM.KernelPath); err != nil {
		return fmt.Errorf("kernel not found: %s", c.VM.KernelPath)
	}

	if c.VM.MinMemoryMB > c.VM.MaxMemoryMB {
		return fmt.Errorf("min_memory_mb (%d) > max_memory_mb (%d)", c.VM.MinMemoryMB, c.VM.MaxMemoryMB)
	}
	if c.VM.DefaultMemoryMB < c.VM.MinMemoryMB || c.VM.DefaultMemoryMB > c.VM.MaxMemoryMB {
		return fmt.Errorf("default_memory_mb (%d) not in range [%d, %d]",
			c.VM.DefaultMemoryMB, c.VM.MinMemoryMB, c.VM.MaxMemoryMB)
	}

	if c.Pool.Enabled && c.Pool.MinSize < 0 {
		return fmt.Errorf("pool min_size must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger configures a logrus.Logger per the Log section.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Log.File != "" {
		dir := filepath.Dir(c.Log.File)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				log.SetOutput(f)
			}
		}
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val == "true" || val == "1" || val == "yes"
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func loadEnvInt64(target *int64, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*target = i
		}
	}
}

func loadEnvDuration(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}
