// Package config loads the daemon configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	// WorkdirRoot is the directory holding one clone per project, named by
	// project id.
	WorkdirRoot string `yaml:"workdir_root"`

	// GitHubToken authenticates VCS and board calls. Usually supplied via
	// the GITHUB_TOKEN environment variable rather than the file.
	GitHubToken string `yaml:"github_token"`

	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	CI        CIConfig        `yaml:"ci"`
}

// AgentConfig configures the code-generation agent subprocess.
type AgentConfig struct {
	Bin     string        `yaml:"bin"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"` // Zero means no timeout
}

// SchedulerConfig configures the per-project worker loops.
type SchedulerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// CIConfig configures the testing worker's CI polling.
type CIConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"` // Zero means unbounded
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:  ":8080",
		DBPath:      "vibecc.db",
		WorkdirRoot: "workdirs",
		Agent: AgentConfig{
			Bin: "claude",
		},
		Scheduler: SchedulerConfig{
			Interval:      5 * time.Second,
			MaxConcurrent: 1,
		},
		CI: CIConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides. A missing file at an explicit path is an error; path "" means
// defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHubToken = v
	}
	if v := os.Getenv("VIBECC_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("VIBECC_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("VIBECC_WORKDIR_ROOT"); v != "" {
		c.WorkdirRoot = v
	}
	if v := os.Getenv("VIBECC_AGENT_BIN"); v != "" {
		c.Agent.Bin = v
	}
	if v := os.Getenv("VIBECC_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxConcurrent = n
		}
	}
}

func (c *Config) validate() error {
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.CI.PollInterval <= 0 {
		return fmt.Errorf("ci.poll_interval must be positive, got %s", c.CI.PollInterval)
	}
	if c.Agent.Bin == "" {
		return fmt.Errorf("agent.bin must be set")
	}
	return nil
}
