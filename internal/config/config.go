// Package config loads conductor configuration from defaults, layered
// YAML files and CONDUCTOR_* environment variables.
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

const (
	// ConductorDir is the per-project configuration directory.
	ConductorDir = ".conductor"

	configName = "config"
	envPrefix  = "CONDUCTOR"
)

// Config is the full runtime configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Events       EventsConfig       `mapstructure:"events"`
	Git          GitConfig          `mapstructure:"git"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type EventsConfig struct {
	// NATSURL enables cross-process fanout when non-empty.
	NATSURL string `mapstructure:"nats_url"`
	// Source identifies this process on the wire.
	Source string `mapstructure:"source"`
	// Persist mirrors published events into the event log.
	Persist bool `mapstructure:"persist"`
}

type GitConfig struct {
	BaseBranch  string `mapstructure:"base_branch"`
	WorktreeDir string `mapstructure:"worktree_dir"`
}

type OrchestratorConfig struct {
	Workers        int           `mapstructure:"workers"`
	ClaimInterval  time.Duration `mapstructure:"claim_interval"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	DefaultRetries int           `mapstructure:"default_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	// Capabilities are the task-type tags this process's agents can serve.
	// Untyped tasks always match; empty means every type.
	Capabilities []string `mapstructure:"capabilities"`
}

type SandboxConfig struct {
	// RuntimeCommand launches the agent inside each sandbox. Empty means
	// no runtime is started (useful for development and tests).
	RuntimeCommand string   `mapstructure:"runtime_command"`
	RuntimeArgs    []string `mapstructure:"runtime_args"`
	// Callback URLs injected into each sandbox environment.
	EventPublishURL string `mapstructure:"event_publish_url"`
	TaskCompleteURL string `mapstructure:"task_complete_url"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is "text", "json" or "auto" (JSON unless stderr is a TTY).
	Format string `mapstructure:"format"`
}

// Load reads configuration for the project at workDir. Later sources win:
// defaults, /etc/conductor, ~/.conductor, <workDir>/.conductor, then
// CONDUCTOR_* environment variables.
func Load(workDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/conductor")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ConductorDir))
	}
	v.AddConfigPath(filepath.Join(workDir, ConductorDir))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(ConductorDir, "conductor.db"))

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.source", "conductor")
	v.SetDefault("events.persist", true)

	v.SetDefault("git.base_branch", "main")
	v.SetDefault("git.worktree_dir", filepath.Join(ConductorDir, "worktrees"))

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.claim_interval", 2*time.Second)
	v.SetDefault("orchestrator.grace_period", 30*time.Second)
	v.SetDefault("orchestrator.stale_after", 5*time.Minute)
	v.SetDefault("orchestrator.default_retries", 3)
	v.SetDefault("orchestrator.retry_base_delay", 2*time.Second)
	v.SetDefault("orchestrator.retry_max_delay", 2*time.Minute)

	v.SetDefault("sandbox.runtime_command", "")
	v.SetDefault("sandbox.runtime_args", []string{})
	v.SetDefault("sandbox.event_publish_url", "http://127.0.0.1:4777/api/v1/events")
	v.SetDefault("sandbox.task_complete_url", "http://127.0.0.1:4777/api/v1/tasks/complete")

	v.SetDefault("server.addr", ":4777")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}
