// Package config holds the runtime configuration for the orchestrator. The
// Config struct is constructed once at startup and passed by reference; there
// are no package-level singletons.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Readiness controls polling loops that wait on external resources
// (container boot, tunnel connect, multiplexer creation).
type Readiness struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Ports configures the ephemeral port allocator.
type Ports struct {
	RangeStart  int   `yaml:"range_start"`
	RangeEnd    int   `yaml:"range_end"`
	MaxRetries  int   `yaml:"max_retries"`
	Excluded    []int `yaml:"excluded"`
	HealthCheck bool  `yaml:"health_check"`
}

// Buffering configures the reconnection output buffer.
type Buffering struct {
	Capacity      int           `yaml:"capacity"`
	IdleWindow    time.Duration `yaml:"idle_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Containers configures the container backends.
type Containers struct {
	Runtime       string `yaml:"runtime"` // docker binary name
	AgentImage    string `yaml:"agent_image"`
	Memory        string `yaml:"memory"`
	CPUs          string `yaml:"cpus"`
	User          string `yaml:"user"`
	RestartPolicy string `yaml:"restart_policy"`
}

// Remote configures the ssh execution transport.
type Remote struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	KeyPath        string        `yaml:"key_path"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	LocalFallback  bool          `yaml:"local_fallback"`
}

// Config is the root configuration object.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	AgentCommand  string `yaml:"agent_command"` // agent CLI binary, resolved via PATH
	// AgentPlainOutput marks the agent CLI as emitting plain text instead of
	// newline-delimited JSON. Chat turns then skip the streaming-output flags
	// and relay stdout verbatim.
	AgentPlainOutput bool   `yaml:"agent_plain_output"`
	DataDir          string `yaml:"data_dir"` // sqlite database location
	ListenAddr       string `yaml:"listen_addr"`
	Dev              bool   `yaml:"dev"`

	ProcessStaleAfter time.Duration `yaml:"process_stale_after"`
	TmuxStaleAfter    time.Duration `yaml:"tmux_stale_after"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	AttachTimeout     time.Duration `yaml:"attach_timeout"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`

	Readiness  Readiness  `yaml:"readiness"`
	Ports      Ports      `yaml:"ports"`
	Buffering  Buffering  `yaml:"buffering"`
	Containers Containers `yaml:"containers"`
	Remote     Remote     `yaml:"remote"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".colabvibe")

	return &Config{
		WorkspaceRoot: filepath.Join(base, "workspaces"),
		AgentCommand:  "claude",
		DataDir:       base,
		ListenAddr:    ":6369",

		ProcessStaleAfter: time.Hour,
		TmuxStaleAfter:    6 * time.Hour,
		CleanupInterval:   time.Minute,
		AttachTimeout:     5 * time.Second,
		TurnTimeout:       10 * time.Minute,

		Readiness: Readiness{
			Interval:    2 * time.Second,
			MaxAttempts: 30,
			Timeout:     60 * time.Second,
		},
		Ports: Ports{
			RangeStart: 20000,
			RangeEnd:   29999,
			MaxRetries: 50,
		},
		Buffering: Buffering{
			Capacity:      1000,
			IdleWindow:    30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Containers: Containers{
			Runtime:       "docker",
			AgentImage:    "colabvibe/agent:latest",
			Memory:        "4g",
			CPUs:          "2",
			User:          "vibe",
			RestartPolicy: "unless-stopped",
		},
		Remote: Remote{
			Port:           22,
			CommandTimeout: 30 * time.Second,
			LocalFallback:  true,
		},
	}
}

// Load returns the default configuration overlaid with the yaml file at path
// when path is non-empty. Directories named by the config are created on
// demand by their consumers, not here.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// TeamWorkspace returns the workspace directory for a team.
func (c *Config) TeamWorkspace(teamID string) string {
	return filepath.Join(c.WorkspaceRoot, teamID)
}
