package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration. Values come from an
// optional YAML file, overridden by WORKBENCH_* environment variables, on top
// of the defaults below.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Health     HealthConfig     `yaml:"health"`
	Queue      QueueConfig      `yaml:"queue"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Storage    StorageConfig    `yaml:"storage"`
	Production bool             `yaml:"production"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port    uint16   `yaml:"port"`
	APIKeys []string `yaml:"api_keys"`
}

// RuntimeConfig configures the container runtime client.
type RuntimeConfig struct {
	Image         string        `yaml:"image"`
	RoutingDomain string        `yaml:"routing_domain"`
	CPULimit      float64       `yaml:"cpu_limit"`
	MemoryLimit   int64         `yaml:"memory_limit_bytes"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
}

// ResourcesConfig configures admission control thresholds.
type ResourcesConfig struct {
	MaxCPUPercent    float64 `yaml:"max_cpu_percent"`
	MaxMemoryPercent float64 `yaml:"max_memory_percent"`
	MaxDiskPercent   float64 `yaml:"max_disk_percent"`
	MaxContainers    int     `yaml:"max_containers"`
	DiskPath         string  `yaml:"disk_path"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval               time.Duration `yaml:"interval"`
	ProbeTimeout           time.Duration `yaml:"probe_timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

// QueueConfig configures the pre-warmed container pool.
type QueueConfig struct {
	TargetSize int           `yaml:"target_size"`
	Interval   time.Duration `yaml:"interval"`
}

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	MaxRequests   int           `yaml:"max_requests"`
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CleanupConfig configures the orphan reconciliation loop.
type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// StorageConfig configures the metadata store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 4483,
		},
		Runtime: RuntimeConfig{
			Image:         "workbench/ide:latest",
			RoutingDomain: "workbench.local",
			CPULimit:      2.0,
			MemoryLimit:   4 * 1024 * 1024 * 1024,
			StopTimeout:   30 * time.Second,
		},
		Resources: ResourcesConfig{
			MaxCPUPercent:    85.0,
			MaxMemoryPercent: 85.0,
			MaxDiskPercent:   90.0,
			MaxContainers:    50,
			DiskPath:         "/",
		},
		Health: HealthConfig{
			Interval:               30 * time.Second,
			ProbeTimeout:           5 * time.Second,
			MaxConsecutiveFailures: 3,
		},
		Queue: QueueConfig{
			TargetSize: 2,
			Interval:   60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   100,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Cleanup: CleanupConfig{
			Interval: 10 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/workbench",
		},
	}
}

// Load reads the configuration file at path (if non-empty), then applies
// environment overrides. Missing file is an error; an empty path just uses
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration values from WORKBENCH_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("WORKBENCH_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Server.Port = uint16(port)
		}
	}
	if v := os.Getenv("WORKBENCH_API_KEY"); v != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, v)
	}
	if v := os.Getenv("WORKBENCH_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("WORKBENCH_IMAGE"); v != "" {
		c.Runtime.Image = v
	}
	if v := os.Getenv("WORKBENCH_ROUTING_DOMAIN"); v != "" {
		c.Runtime.RoutingDomain = v
	}
	if v := os.Getenv("WORKBENCH_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.TargetSize = n
		}
	}
	if v := os.Getenv("WORKBENCH_PRODUCTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Production = b
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Runtime.Image == "" {
		return fmt.Errorf("runtime.image must not be empty")
	}
	if c.Runtime.RoutingDomain == "" {
		return fmt.Errorf("runtime.routing_domain must not be empty")
	}
	if c.Runtime.CPULimit <= 0 {
		return fmt.Errorf("runtime.cpu_limit must be positive, got %v", c.Runtime.CPULimit)
	}
	if c.Runtime.MemoryLimit <= 0 {
		return fmt.Errorf("runtime.memory_limit_bytes must be positive, got %d", c.Runtime.MemoryLimit)
	}
	if c.Health.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("health.max_consecutive_failures must be at least 1")
	}
	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("rate_limit.max_requests must be at least 1")
	}
	if c.Queue.TargetSize < 0 {
		return fmt.Errorf("queue.target_size must not be negative")
	}
	return nil
}
