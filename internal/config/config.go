// Package config loads the daemon configuration. YAML is coerced to JSON so
// one strict decoder (DisallowUnknownFields) covers both formats, and typos
// in keys fail loudly instead of being ignored.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"autocron/internal/engine"
	"autocron/internal/exec"
	"autocron/internal/persist"
	"autocron/internal/task"
)

type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Analytics     AnalyticsConfig     `json:"analytics"`
	Metrics       MetricsConfig       `json:"metrics"`
	Notifications NotificationsConfig `json:"notifications"`
	TasksFile     TasksFileConfig     `json:"tasks_file"`
	Tasks         []TaskConfig        `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type SchedulerConfig struct {
	// Durations are Go duration strings ("1s", "250ms").
	Tick        string `json:"tick"`
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queue_size"`
	StopGrace   string `json:"stop_grace"`
	Interpreter string `json:"interpreter"`
	WorkDir     string `json:"work_dir"`
}

type AnalyticsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"` // e.g. "127.0.0.1:9090"
}

type NotificationsConfig struct {
	Enabled      bool    `json:"enabled"`
	MaxPerSecond float64 `json:"max_per_second"`
}

type TasksFileConfig struct {
	Path           string `json:"path"`
	Mode           string `json:"mode"` // "merge" (default) or "replace"
	Watch          bool   `json:"watch"`
	SaveOnShutdown bool   `json:"save_on_shutdown"`
}

// TaskConfig declares a script task inline in the daemon config.
type TaskConfig struct {
	Name       string `json:"name"`
	Script     string `json:"script"`
	Every      string `json:"every,omitempty"`
	Cron       string `json:"cron,omitempty"`
	Retries    int    `json:"retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	SafeMode   struct {
		Enabled       bool `json:"enabled"`
		MaxMemoryMB   int  `json:"max_memory_mb,omitempty"`
		MaxCPUPercent int  `json:"max_cpu_percent,omitempty"`
	} `json:"safe_mode"`
	Disabled bool `json:"disabled,omitempty"`
}

// Load reads and strictly decodes the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", path)
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// EngineConfig converts the scheduler section to engine settings.
func (c *Config) EngineConfig() (engine.Config, error) {
	tick, err := ParseDurationField("scheduler.tick", c.Scheduler.Tick)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := ParseDurationField("scheduler.stop_grace", c.Scheduler.StopGrace)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Tick:      tick,
		Workers:   c.Scheduler.Workers,
		QueueSize: c.Scheduler.QueueSize,
		StopGrace: grace,
		Exec: exec.Config{
			Interpreter: c.Scheduler.Interpreter,
			WorkDir:     c.Scheduler.WorkDir,
		},
	}, nil
}

// TaskConfigs converts the inline task declarations to registration configs.
func (c *Config) TaskConfigs() ([]task.Config, error) {
	out := make([]task.Config, 0, len(c.Tasks))
	for i, tc := range c.Tasks {
		where := fmt.Sprintf("tasks[%d]", i)
		delay, err := ParseDurationField(where+".retry_delay", tc.RetryDelay)
		if err != nil {
			return nil, err
		}
		timeout, err := ParseDurationField(where+".timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, task.Config{
			Name:       tc.Name,
			Script:     tc.Script,
			Every:      tc.Every,
			Cron:       tc.Cron,
			Retries:    tc.Retries,
			RetryDelay: delay,
			Timeout:    timeout,
			SafeMode: task.SafeMode{
				Enabled:       tc.SafeMode.Enabled,
				MaxMemoryMB:   tc.SafeMode.MaxMemoryMB,
				MaxCPUPercent: tc.SafeMode.MaxCPUPercent,
			},
			Disabled: tc.Disabled,
		})
	}
	return out, nil
}

// LoadMode resolves the tasks_file merge mode.
func (c *Config) LoadMode() (persist.Mode, error) {
	switch c.TasksFile.Mode {
	case "", "merge":
		return persist.Merge, nil
	case "replace":
		return persist.Replace, nil
	default:
		return 0, fmt.Errorf("tasks_file.mode: unknown mode %q", c.TasksFile.Mode)
	}
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
