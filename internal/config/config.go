package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type BackendDefaults struct {
	Shell               string  `yaml:"shell"`
	StartTimeoutSeconds int     `yaml:"start_timeout_seconds"`
	StopTimeoutSeconds  int     `yaml:"stop_timeout_seconds"`
	StopGraceSeconds    int     `yaml:"stop_grace_seconds"`
	ExecTimeoutSeconds  int     `yaml:"exec_timeout_seconds"`
	ContainerImage      string  `yaml:"container_image"`
	ContainerCPULimit   float64 `yaml:"container_cpu_limit"`
	ContainerMemLimitMB int     `yaml:"container_mem_limit_mb"`
	ContainerPidsLimit  int     `yaml:"container_pids_limit"`
}

type MonitorConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	UnhealthyThreshold    int `yaml:"unhealthy_threshold"`
	SuspendTimeoutSeconds int `yaml:"suspend_timeout_seconds"` // default for new runspaces
}

type Config struct {
	Socket       string          `yaml:"socket"`
	RegistryPath string          `yaml:"registry_path"`
	EventDBPath  string          `yaml:"event_db_path"`
	Defaults     BackendDefaults `yaml:"defaults"`
	Monitor      MonitorConfig   `yaml:"monitor"`
}

// Default returns the built-in configuration. Load starts from it; tests
// use it directly.
func Default() *Config {
	return &Config{
		Socket:       "/run/runspace/runspaced.sock",
		RegistryPath: "/var/lib/runspace/registry.json",
		EventDBPath:  "/var/lib/runspace/events.db",
		Defaults: BackendDefaults{
			Shell:               "/bin/bash",
			StartTimeoutSeconds: 30,
			StopTimeoutSeconds:  30,
			StopGraceSeconds:    5,
			ExecTimeoutSeconds:  120,
			ContainerImage:      "ubuntu:24.04",
			ContainerCPULimit:   1.0,
			ContainerMemLimitMB: 1024,
			ContainerPidsLimit:  512,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:       30,
			UnhealthyThreshold:    3,
			SuspendTimeoutSeconds: 1800,
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNSPACE_SOCKET"); v != "" {
		cfg.Socket = v
	}
	if v := os.Getenv("RUNSPACE_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("RUNSPACE_EVENT_DB_PATH"); v != "" {
		cfg.EventDBPath = v
	}
	if v := os.Getenv("RUNSPACE_SHELL"); v != "" {
		cfg.Defaults.Shell = v
	}
	if v := os.Getenv("RUNSPACE_START_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.StartTimeoutSeconds = n
		}
	}
	if v := os.Getenv("RUNSPACE_STOP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.StopTimeoutSeconds = n
		}
	}
	if v := os.Getenv("RUNSPACE_STOP_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.StopGraceSeconds = n
		}
	}
	if v := os.Getenv("RUNSPACE_EXEC_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.ExecTimeoutSeconds = n
		}
	}
	if v := os.Getenv("RUNSPACE_CONTAINER_IMAGE"); v != "" {
		cfg.Defaults.ContainerImage = v
	}
	if v := os.Getenv("RUNSPACE_MONITOR_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.IntervalSeconds = n
		}
	}
	if v := os.Getenv("RUNSPACE_UNHEALTHY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.UnhealthyThreshold = n
		}
	}
	if v := os.Getenv("RUNSPACE_SUSPEND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.SuspendTimeoutSeconds = n
		}
	}
}
